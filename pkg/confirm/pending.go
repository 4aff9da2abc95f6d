// Package confirm implements the consent protocol for cart-mutating tool
// calls: a mutating call is intercepted into a PendingAction, the user is
// asked, and only an explicit affirmation executes the stored call.
package confirm

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is the closed lifecycle of a pending action. Transitions are only
// legal through Consume and Cancel; terminal states never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConsumed  Status = "consumed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConsumed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusConsumed || s == StatusCancelled
}

// PendingAction is a deferred mutating operation awaiting user consent.
// At most one exists per conversation; Args must be directly executable by
// the tool named in Kind.
type PendingAction struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Args       map[string]interface{} `json:"args"`
	Summary    string                 `json:"summary,omitempty"`
	Prompt     string                 `json:"prompt,omitempty"`
	Locale     string                 `json:"locale,omitempty"`
	Status     Status                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	ConsumedAt *time.Time             `json:"consumed_at,omitempty"`
}

// NewPendingAction creates a pending action for the given mutating tool
// call. Summary is a short human-readable description of the target used in
// prompts and completion messages.
func NewPendingAction(kind string, args map[string]interface{}, summary string) (*PendingAction, error) {
	if kind == "" {
		return nil, fmt.Errorf("pending action kind cannot be empty")
	}
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pending action id: %w", err)
	}
	return &PendingAction{
		ID:        id,
		Kind:      kind,
		Args:      args,
		Summary:   summary,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// Consume transitions pending → consumed and stamps the consumption time.
func (pa *PendingAction) Consume() error {
	if pa.Status != StatusPending {
		return fmt.Errorf("illegal transition %s -> %s", pa.Status, StatusConsumed)
	}
	now := time.Now()
	pa.Status = StatusConsumed
	pa.ConsumedAt = &now
	return nil
}

// Cancel transitions pending → cancelled. The stored arguments are dead
// afterwards and must not be re-offered.
func (pa *PendingAction) Cancel() error {
	if pa.Status != StatusPending {
		return fmt.Errorf("illegal transition %s -> %s", pa.Status, StatusCancelled)
	}
	pa.Status = StatusCancelled
	return nil
}

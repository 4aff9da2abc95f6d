package orchestrator

import (
	"github.com/shopclerk/shopclerk/pkg/chat"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
)

// ChatRequest is one inbound user message bound to a conversation.
type ChatRequest struct {
	ConversationKey string            `json:"conversation_key"`
	Message         string            `json:"message"`
	Locale          string            `json:"locale,omitempty"`
	Backend         *commerce.Session `json:"backend,omitempty"`

	// Status, when set, receives progress stages ("thinking") while the
	// turn runs. Used by the streaming transport.
	Status func(stage string) `json:"-"`
}

// ChatResponse is the transport-facing result of one turn.
type ChatResponse struct {
	ConversationKey string                         `json:"conversation_key"`
	Message         string                         `json:"message"`
	RoundsUsed      int                            `json:"rounds_used"`
	HitMaxRounds    bool                           `json:"hit_max_rounds,omitempty"`
	Cards           []commerce.ProductCard         `json:"cards,omitempty"`
	Candidates      []commerce.ResultSummary       `json:"candidates,omitempty"`
	Availability    []commerce.VariantAvailability `json:"availability,omitempty"`
	Confirmation    *confirm.Prompt                `json:"confirmation,omitempty"`
	Disambiguation  *chat.Disambiguation           `json:"disambiguation,omitempty"`
	Outcome         string                         `json:"outcome,omitempty"`
	Trace           []chat.ToolTraceEntry          `json:"trace,omitempty"`
	Usage           *chat.TokenUsage               `json:"usage,omitempty"`
}

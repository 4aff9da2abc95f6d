package confirm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/pkg/i18n"
)

// Option is one machine-readable choice offered with a confirmation prompt.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Prompt is the confirmation payload returned to the caller when a mutating
// tool call is intercepted.
type Prompt struct {
	ActionID string   `json:"action_id"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Options  []Option `json:"options"`
}

// Executor runs the stored tool call when the user affirms. It is supplied
// by the caller so the gate stays free of tool wiring.
type Executor func(ctx context.Context, kind string, args map[string]interface{}) (interface{}, error)

// Outcome of resolving a user message against a pending action.
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeReminder        Outcome = "reminder"
	OutcomeAlreadyFinished Outcome = "already_finished"
	OutcomeFailed          Outcome = "failed"
)

// Resolution is the result of Gate.Resolve.
type Resolution struct {
	Outcome Outcome
	Message string
	Result  interface{}
}

// Gate guards cart-mutating tool calls behind explicit user consent.
type Gate struct {
	bundle *i18n.Bundle
	logger zerolog.Logger
}

// NewGate creates a confirmation gate.
func NewGate(bundle *i18n.Bundle, logger zerolog.Logger) *Gate {
	return &Gate{bundle: bundle, logger: logger}
}

// Intercept creates the pending action for a blocked mutating call and
// builds the localized prompt. The tool itself is never executed here.
func (g *Gate) Intercept(kind string, args map[string]interface{}, summary, locale string) (*PendingAction, Prompt, error) {
	pa, err := NewPendingAction(kind, args, summary)
	if err != nil {
		return nil, Prompt{}, err
	}

	message := g.bundle.T(locale, promptKey(kind), summary)
	pa.Prompt = message
	pa.Locale = locale

	g.logger.Info().
		Str("action_id", pa.ID).
		Str("kind", kind).
		Msg("Mutating tool call intercepted, awaiting confirmation")

	return pa, Prompt{
		ActionID: pa.ID,
		Kind:     kind,
		Message:  message,
		Options: []Option{
			{Value: "confirm", Label: g.bundle.T(locale, i18n.KeyConfirmOptionConfirm)},
			{Value: "cancel", Label: g.bundle.T(locale, i18n.KeyConfirmOptionCancel)},
		},
	}, nil
}

// Resolve applies a user message to a pending action. An affirmation runs
// the stored call exactly once via exec and finalizes the action even when
// execution fails; a rejection cancels it; anything else leaves it pending
// and repeats the prompt. Affirmations against an already-terminal action
// never re-execute.
func (g *Gate) Resolve(ctx context.Context, pa *PendingAction, message, locale string, exec Executor) Resolution {
	verdict := Classify(message, locale)

	if pa.Status.Terminal() {
		if verdict == VerdictAffirm {
			return Resolution{
				Outcome: OutcomeAlreadyFinished,
				Message: g.bundle.T(locale, i18n.KeyConfirmFinished),
			}
		}
		return Resolution{
			Outcome: OutcomeReminder,
			Message: g.bundle.T(locale, i18n.KeyConfirmFinished),
		}
	}

	switch verdict {
	case VerdictAffirm:
		result, err := exec(ctx, pa.Kind, pa.Args)
		// The transition happens regardless of the execution result: a
		// failed action is surfaced, never silently retried.
		if terr := pa.Consume(); terr != nil {
			g.logger.Error().Err(terr).Str("action_id", pa.ID).Msg("Pending action transition failed")
		}
		if err != nil {
			g.logger.Warn().Err(err).Str("action_id", pa.ID).Str("kind", pa.Kind).Msg("Confirmed action failed")
			return Resolution{
				Outcome: OutcomeFailed,
				Message: g.bundle.T(locale, i18n.KeyConfirmFailed, err.Error()),
			}
		}
		g.logger.Info().Str("action_id", pa.ID).Str("kind", pa.Kind).Msg("Confirmed action executed")
		return Resolution{
			Outcome: OutcomeExecuted,
			Message: g.bundle.T(locale, i18n.KeyConfirmDone, pa.Summary),
			Result:  result,
		}

	case VerdictReject:
		if terr := pa.Cancel(); terr != nil {
			g.logger.Error().Err(terr).Str("action_id", pa.ID).Msg("Pending action transition failed")
		}
		g.logger.Info().Str("action_id", pa.ID).Str("kind", pa.Kind).Msg("Pending action cancelled")
		return Resolution{
			Outcome: OutcomeCancelled,
			Message: g.bundle.T(locale, i18n.KeyConfirmCancelled),
		}

	default:
		return Resolution{
			Outcome: OutcomeReminder,
			Message: g.bundle.T(locale, i18n.KeyConfirmReminder, pa.Prompt),
		}
	}
}

func promptKey(kind string) string {
	switch kind {
	case "cart_remove":
		return i18n.KeyConfirmCartRemove
	default:
		return i18n.KeyConfirmCartAdd
	}
}

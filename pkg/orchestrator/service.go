// Package orchestrator is the caller-level glue around the chat loop: it
// serializes turns per conversation, resolves pending confirmations before
// the loop ever runs, folds turn results back into working memory and
// persists the transcript and state.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shopclerk/shopclerk/internal/observability"
	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/chat"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/i18n"
	"github.com/shopclerk/shopclerk/pkg/memory"
	"github.com/shopclerk/shopclerk/pkg/queue"
	"github.com/shopclerk/shopclerk/pkg/session"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// Service processes chat turns end to end.
type Service struct {
	runner   *chat.Runner
	store    *session.Store
	queue    *queue.TurnQueue
	gate     *confirm.Gate
	registry *tools.Registry
	logger   zerolog.Logger
	limits   chat.Limits
	appID    string
}

// Config holds service configuration.
type Config struct {
	Runner        *chat.Runner
	Store         *session.Store
	Queue         *queue.TurnQueue
	Gate          *confirm.Gate
	Registry      *tools.Registry
	Logger        zerolog.Logger
	Limits        chat.Limits
	ApplicationID string
}

// NewService creates the turn service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("turn queue is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("confirmation gate is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	return &Service{
		runner:   cfg.Runner,
		store:    cfg.Store,
		queue:    cfg.Queue,
		gate:     cfg.Gate,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		limits:   cfg.Limits,
		appID:    cfg.ApplicationID,
	}, nil
}

// HandleMessage runs one turn. Turns for the same conversation are
// serialized through the queue; no two run concurrently.
func (s *Service) HandleMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.ConversationKey == "" {
		return nil, fmt.Errorf("conversation key cannot be empty")
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewTurnContext(ctx, req.ConversationKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"shopclerk.orchestrator",
		"orchestrator.handle_message",
		attribute.String("conversation_key", req.ConversationKey),
	)
	defer span.End()

	value, err := s.queue.Enqueue(ctx, "conv-"+req.ConversationKey, func(taskCtx context.Context) (interface{}, error) {
		return s.processTurn(taskCtx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return value.(*ChatResponse), nil
}

func (s *Service) processTurn(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("conversation_key", req.ConversationKey).Logger()

	state, err := s.store.LoadState(ctx, req.ConversationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	locale := i18n.NormalizeLocale(req.Locale)
	if req.Locale == "" && state.Locale != "" {
		locale = state.Locale
	}
	backend := req.Backend
	if backend == nil {
		backend = state.Backend
	}

	// An unresolved confirmation owns the conversation: it is answered
	// before the model can run anything else. A finished action still
	// catches a repeated affirmation so the mutation is never replayed;
	// any other message releases the conversation back to the loop.
	if pa := state.PendingAction; pa != nil {
		if pa.Status == confirm.StatusPending || confirm.Classify(req.Message, locale) == confirm.VerdictAffirm {
			return s.resolvePending(ctx, req, state, backend, locale, logger)
		}
		state.PendingAction = nil
	}

	wm := state.WorkingMemory
	if wm == nil {
		wm = memory.New()
	}

	conversation, err := s.store.LoadConversation(ctx, req.ConversationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	result, err := s.runner.RunTurn(ctx, chat.TurnParams{
		UserMessage:  req.Message,
		Conversation: conversation,
		Session:      backend,
		Request: tools.RequestContext{
			Locale:          locale,
			ApplicationID:   s.appID,
			ConversationKey: req.ConversationKey,
		},
		Memory: wm,
		Limits: s.limits,
		Status: req.Status,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendMessages(ctx, req.ConversationKey, result.Conversation[len(conversation):]); err != nil {
		logger.Error().Err(err).Msg("Failed to persist transcript")
	}

	s.foldIntoMemory(wm, result)

	state.WorkingMemory = wm
	state.Locale = locale
	state.Backend = backend
	if result.PendingAction != nil {
		state.PendingAction = result.PendingAction
	}
	if err := s.store.SaveState(ctx, req.ConversationKey, state); err != nil {
		logger.Error().Err(err).Msg("Failed to persist conversation state")
	}

	return &ChatResponse{
		ConversationKey: req.ConversationKey,
		Message:         result.Message,
		RoundsUsed:      result.RoundsUsed,
		HitMaxRounds:    result.HitMaxRounds,
		Cards:           result.Cards,
		Candidates:      result.SearchCandidates,
		Availability:    result.Availability,
		Confirmation:    result.Confirmation,
		Disambiguation:  result.Disambiguation,
		Trace:           result.Trace,
		Usage:           result.Usage,
	}, nil
}

// resolvePending applies the user's answer to the outstanding pending
// action via the gate. The loop does not run this turn.
func (s *Service) resolvePending(ctx context.Context, req ChatRequest, state *session.State, backend *commerce.Session, locale string, logger zerolog.Logger) (*ChatResponse, error) {
	pa := state.PendingAction

	var execErr error
	started := time.Now()
	resolution := s.gate.Resolve(ctx, pa, req.Message, locale, func(execCtx context.Context, kind string, args map[string]interface{}) (interface{}, error) {
		tool, ok := s.registry.Get(kind)
		if !ok {
			execErr = fmt.Errorf("tool not found: %s", kind)
			return nil, execErr
		}
		result, err := tool.Execute(execCtx, args, backend, tools.RequestContext{
			Locale:          locale,
			ApplicationID:   s.appID,
			ConversationKey: req.ConversationKey,
		})
		execErr = err
		return result, err
	})
	observability.RecordPendingAction(string(resolution.Outcome))
	logger.Info().Str("action_id", pa.ID).Str("outcome", string(resolution.Outcome)).Msg("Pending action resolved")

	var trace []chat.ToolTraceEntry
	if resolution.Outcome == confirm.OutcomeExecuted || resolution.Outcome == confirm.OutcomeFailed {
		entry := chat.ToolTraceEntry{
			Tool:                  pa.Kind,
			Args:                  pa.Args,
			DurationMs:            time.Since(started).Milliseconds(),
			PendingActionExecuted: true,
		}
		if execErr != nil {
			entry.Error = execErr.Error()
		}
		trace = append(trace, entry)
	}

	if err := s.store.AppendMessages(ctx, req.ConversationKey, []chat.Message{
		{Role: chat.RoleUser, Content: req.Message},
		{Role: chat.RoleAssistant, Content: resolution.Message},
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist transcript")
	}

	// The terminal action stays in the state so later affirmations get
	// the "already finished" answer instead of a re-execution.
	state.Locale = locale
	state.Backend = backend
	if err := s.store.SaveState(ctx, req.ConversationKey, state); err != nil {
		logger.Error().Err(err).Msg("Failed to persist conversation state")
	}

	return &ChatResponse{
		ConversationKey: req.ConversationKey,
		Message:         resolution.Message,
		Outcome:         string(resolution.Outcome),
		Trace:           trace,
	}, nil
}

// foldIntoMemory applies a turn's side-channel data to working memory.
func (s *Service) foldIntoMemory(wm *memory.WorkingMemory, result *chat.TurnResult) {
	if len(result.SearchCandidates) > 0 {
		wm.ReplaceResults(result.SearchCandidates)
	}
	for _, id := range result.SelectedProductIDs {
		wm.AddToShortlist(id, s.productName(result, id))
	}
	if result.ClearVariantChoices {
		wm.ClearVariantChoices()
	}
	if result.Disambiguation != nil {
		wm.SetVariantChoices(result.Disambiguation.ProductID, result.Disambiguation.Choices)
	}
}

func (s *Service) productName(result *chat.TurnResult, id string) string {
	for _, card := range result.Cards {
		if card.ProductID == id {
			return card.Name
		}
	}
	for _, c := range result.SearchCandidates {
		if c.ProductID == id {
			return c.Name
		}
	}
	return id
}

// Reset discards a conversation entirely.
func (s *Service) Reset(ctx context.Context, conversationKey string) error {
	return s.store.Delete(ctx, conversationKey)
}

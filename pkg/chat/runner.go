// Package chat drives the bounded multi-round tool-calling loop that turns
// one user message into one assistant reply plus structured side-channel
// data. Cart mutations never execute inside the loop; they are intercepted
// by the confirmation gate after a variant preflight check.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shopclerk/shopclerk/internal/observability"
	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/catalog"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/i18n"
	"github.com/shopclerk/shopclerk/pkg/memory"
	"github.com/shopclerk/shopclerk/pkg/resolve"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// ModelSettings selects the model for completion calls.
type ModelSettings struct {
	Name        string
	Temperature float64
	MaxTokens   int
}

// Runner executes turns of the orchestration loop.
type Runner struct {
	provider     Provider
	registry     *tools.Registry
	gate         *confirm.Gate
	catalog      *catalog.Store
	bundle       *i18n.Bundle
	logger       zerolog.Logger
	model        ModelSettings
	systemPrompt string
}

// Config holds runner configuration.
type Config struct {
	Provider     Provider
	Registry     *tools.Registry
	Gate         *confirm.Gate
	Catalog      *catalog.Store
	Bundle       *i18n.Bundle
	Logger       zerolog.Logger
	Model        ModelSettings
	SystemPrompt string
}

// NewRunner creates a turn runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("confirmation gate is required")
	}
	if cfg.Bundle == nil {
		return nil, fmt.Errorf("message bundle is required")
	}
	if cfg.Model.Name == "" {
		return nil, fmt.Errorf("model name is required")
	}

	return &Runner{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		gate:         cfg.Gate,
		catalog:      cfg.Catalog,
		bundle:       cfg.Bundle,
		logger:       cfg.Logger,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// turnState is the mutable state of one in-flight turn.
type turnState struct {
	params   TurnParams
	locale   string
	memory   *memory.WorkingMemory
	result   *TurnResult
	products map[string]commerce.Product
	started  time.Time
}

// RunTurn processes one user message to completion or to an early
// intercept. The returned Conversation is the new transcript value; the
// caller persists it and folds the side-channel data into working memory.
func (r *Runner) RunTurn(ctx context.Context, params TurnParams) (*TurnResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"shopclerk.chat",
		"chat.turn",
		attribute.String("conversation_key", params.Request.ConversationKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("conversation_key", params.Request.ConversationKey).Logger()

	if params.Limits.MaxRounds < 1 {
		params.Limits.MaxRounds = 1
	}
	if params.Limits.MaxToolCallsPerRound < 1 {
		params.Limits.MaxToolCallsPerRound = 1
	}

	wm := params.Memory
	if wm == nil {
		wm = memory.New()
	}

	st := &turnState{
		params:   params,
		locale:   i18n.NormalizeLocale(params.Request.Locale),
		memory:   wm,
		products: make(map[string]commerce.Product),
		started:  time.Now(),
		result: &TurnResult{
			Conversation: append([]Message{}, params.Conversation...),
			Usage:        &TokenUsage{},
		},
	}

	st.append(Message{Role: RoleUser, Content: params.UserMessage})

	// An outstanding variant question is answered before the model ever
	// sees the message.
	if wm.HasVariantChoices() {
		if done := r.resolveVariantChoice(st); done {
			observability.RecordTurn("confirmation", st.result.RoundsUsed, time.Since(st.started))
			return st.result, nil
		}
	} else if resolve.LooksLikeSelection(params.UserMessage) && len(wm.LastResults) > 0 {
		if m, ok := resolve.ResolveSelection(params.UserMessage, wm.LastResults); ok {
			observability.RecordResolverHit("selection")
			logger.Debug().Int("index", m.Index).Str("product_id", m.ProductID).Msg("Selection reference resolved")
			st.append(Message{Role: RoleSystem, Content: m.Hint()})
			st.result.SelectedProductIDs = appendUnique(st.result.SelectedProductIDs, m.ProductID)
		}
	}

	productMemory := memory.BuildProductMemory(wm)
	defs := r.registry.Definitions()

	for round := 1; round <= params.Limits.MaxRounds; round++ {
		if params.Status != nil {
			params.Status("thinking")
		}

		response, err := r.provider.Call(ctx, ProviderRequest{
			Model:        r.model.Name,
			Messages:     withContextBlock(st.result.Conversation, productMemory),
			Tools:        defs,
			Temperature:  r.model.Temperature,
			MaxTokens:    r.model.MaxTokens,
			SystemPrompt: r.systemPrompt,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordTurn("error", round, time.Since(st.started))
			return nil, fmt.Errorf("completion call failed: %w", err)
		}
		st.result.Usage.add(response.Usage)

		if len(response.ToolCalls) == 0 {
			st.append(Message{Role: RoleAssistant, Content: response.Content})
			st.result.Message = response.Content
			st.result.RoundsUsed = round
			observability.RecordTurn("completed", round, time.Since(st.started))
			return st.result, nil
		}

		calls := response.ToolCalls
		dropped := 0
		if len(calls) > params.Limits.MaxToolCallsPerRound {
			dropped = len(calls) - params.Limits.MaxToolCallsPerRound
			calls = calls[:params.Limits.MaxToolCallsPerRound]
		}

		st.append(Message{Role: RoleAssistant, Content: response.Content, ToolCalls: calls})
		if dropped > 0 {
			logger.Warn().Int("dropped", dropped).Msg("Tool calls truncated")
			st.append(Message{
				Role:    RoleSystem,
				Content: fmt.Sprintf("Note: %d additional tool call(s) in this round were dropped; at most %d run per round. Request them again if still needed.", dropped, params.Limits.MaxToolCallsPerRound),
			})
		}

		for _, call := range calls {
			shortCircuit, err := r.runToolCall(ctx, st, round, call, logger)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				observability.RecordTurn("malformed_args", round, time.Since(st.started))
				return nil, err
			}
			if shortCircuit {
				st.result.RoundsUsed = round
				observability.RecordTurn(shortCircuitOutcome(st.result), round, time.Since(st.started))
				return st.result, nil
			}
		}
	}

	fallback := r.bundle.T(st.locale, i18n.KeyMaxRoundsFallback)
	st.append(Message{Role: RoleAssistant, Content: fallback})
	st.result.Message = fallback
	st.result.RoundsUsed = params.Limits.MaxRounds
	st.result.HitMaxRounds = true
	observability.RecordTurn("fallback", params.Limits.MaxRounds, time.Since(st.started))
	return st.result, nil
}

// runToolCall handles one tool call. It returns shortCircuit=true when the
// turn must stop here (confirmation prompt, disambiguation, not buyable),
// or an error when the turn must abort (malformed arguments).
func (r *Runner) runToolCall(ctx context.Context, st *turnState, round int, call ToolCall, logger zerolog.Logger) (bool, error) {
	args, err := tools.ParseArguments(call.Name, call.Arguments)
	if err != nil {
		return false, err
	}

	tool, ok := r.registry.Get(call.Name)
	if !ok {
		logger.Warn().Str("tool", call.Name).Msg("Model requested unknown tool")
		st.trace(ToolTraceEntry{Tool: call.Name, Args: args, Error: "unknown tool"})
		st.appendToolError(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
		return false, nil
	}

	if err := r.registry.Validate(call.Name, args); err != nil {
		return false, &tools.MalformedArgsError{Tool: call.Name, Raw: call.Arguments, Detail: err.Error()}
	}

	if tool.Mutating() {
		return r.interceptMutation(ctx, st, round, call, args, logger)
	}

	start := time.Now()
	res, err := tool.Execute(ctx, args, st.params.Session, st.params.Request)
	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, err == nil)

	entry := ToolTraceEntry{Tool: call.Name, Args: args, DurationMs: duration.Milliseconds()}
	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool execution failed")
		entry.Error = err.Error()
		st.trace(entry)
		st.appendToolError(call.ID, err.Error())
		return false, nil
	}
	st.trace(entry)

	payload, err := json.Marshal(res)
	if err != nil {
		entry.Error = err.Error()
		st.appendToolError(call.ID, "result serialization failed")
		return false, nil
	}
	st.append(Message{Role: RoleTool, Content: string(payload), ToolCallID: call.ID})
	st.harvest(res)
	return false, nil
}

// interceptMutation routes a cart-mutating call through the variant
// preflight (cart_add only) and the confirmation gate. The tool itself is
// never executed here; every path returns a short-circuit.
func (r *Runner) interceptMutation(ctx context.Context, st *turnState, round int, call ToolCall, args map[string]interface{}, logger zerolog.Logger) (bool, error) {
	summary, _ := args["part_number"].(string)

	if call.Name == tools.NameCartAdd {
		target, _ := args["part_number"].(string)
		pf := catalog.Check(target, r.knownProducts(ctx, st, target))

		switch pf.Decision {
		case catalog.DecisionNotBuyable:
			name := pf.ProductName
			if name == "" {
				name = target
			}
			msg := r.bundle.T(st.locale, i18n.KeyNotBuyable, name)
			st.trace(ToolTraceEntry{Tool: call.Name, Args: args, BlockedByConfirmation: true})
			st.append(Message{Role: RoleAssistant, Content: msg})
			st.result.Message = msg
			logger.Info().Str("product_id", pf.ProductID).Msg("Cart add blocked, product not buyable")
			return true, nil

		case catalog.DecisionDisambiguate:
			msg := r.bundle.T(st.locale, i18n.KeyChooseVariant, formatChoices(pf.Choices))
			st.trace(ToolTraceEntry{Tool: call.Name, Args: args, BlockedByConfirmation: true})
			st.append(Message{Role: RoleAssistant, Content: msg})
			st.result.Message = msg
			st.result.Disambiguation = &Disambiguation{
				ProductID:   pf.ProductID,
				ProductName: pf.ProductName,
				Choices:     pf.Choices,
			}
			logger.Info().Str("product_id", pf.ProductID).Int("choices", len(pf.Choices)).Msg("Cart add deferred for variant disambiguation")
			return true, nil

		case catalog.DecisionProceed:
			if pf.Rewritten {
				logger.Debug().Str("from", target).Str("to", pf.PartNumber).Msg("Cart target rewritten to buyable variant")
				args["part_number"] = pf.PartNumber
			}
			summary = describeTarget(pf, target)
		}
		// DecisionNeedsFetch flows through with the original identifier;
		// the backend rejects it if invalid.
	}

	pa, prompt, err := r.gate.Intercept(call.Name, args, summary, st.locale)
	if err != nil {
		return false, fmt.Errorf("failed to create pending action: %w", err)
	}
	observability.RecordPendingAction("created")

	st.trace(ToolTraceEntry{
		Tool:                  call.Name,
		Args:                  args,
		BlockedByConfirmation: true,
		PendingActionCreated:  true,
	})
	st.append(Message{Role: RoleAssistant, Content: prompt.Message})
	st.result.Message = prompt.Message
	st.result.Confirmation = &prompt
	st.result.PendingAction = pa
	return true, nil
}

// resolveVariantChoice maps the user message onto the outstanding variant
// choices. On a hit the loop is skipped entirely and the turn becomes a
// confirmation request for the chosen variant.
func (r *Runner) resolveVariantChoice(st *turnState) bool {
	choice, ok := resolve.ResolveVariant(st.params.UserMessage, st.memory.VariantChoices)
	if !ok {
		// Leave the choices outstanding; the model sees PRODUCT_MEMORY
		// and may still make sense of a descriptive answer.
		return false
	}
	observability.RecordResolverHit("variant")
	st.result.ClearVariantChoices = true

	if !choice.Buyable {
		name := choice.Label
		if name == "" {
			name = choice.PartNumber
		}
		msg := r.bundle.T(st.locale, i18n.KeyNotBuyable, name)
		st.append(Message{Role: RoleAssistant, Content: msg})
		st.result.Message = msg
		return true
	}

	args := map[string]interface{}{
		"part_number": choice.PartNumber,
		"quantity":    float64(1),
	}
	summary := choice.Label
	if summary == "" {
		summary = choice.PartNumber
	}

	pa, prompt, err := r.gate.Intercept(tools.NameCartAdd, args, summary, st.locale)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to create pending action for resolved variant")
		return false
	}
	observability.RecordPendingAction("created")

	st.trace(ToolTraceEntry{
		Tool:                  tools.NameCartAdd,
		Args:                  args,
		BlockedByConfirmation: true,
		PendingActionCreated:  true,
	})
	st.append(Message{Role: RoleAssistant, Content: prompt.Message})
	st.result.Message = prompt.Message
	st.result.Confirmation = &prompt
	st.result.PendingAction = pa
	return true
}

// knownProducts merges the details fetched during this turn with whatever
// the catalog store remembers about the target.
func (r *Runner) knownProducts(ctx context.Context, st *turnState, target string) map[string]commerce.Product {
	known := make(map[string]commerce.Product, len(st.products)+1)
	for id, p := range st.products {
		known[id] = p
	}
	if r.catalog != nil {
		if p, ok := r.catalog.Resolve(ctx, target); ok {
			known[p.ID] = p
		}
	}
	return known
}

func (st *turnState) append(msg Message) {
	st.result.Conversation = append(st.result.Conversation, msg)
}

func (st *turnState) trace(entry ToolTraceEntry) {
	st.result.Trace = append(st.result.Trace, entry)
}

func (st *turnState) appendToolError(callID, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	st.append(Message{Role: RoleTool, Content: string(payload), ToolCallID: callID})
}

// harvest folds a tool result into the turn's side-channel data.
func (st *turnState) harvest(res interface{}) {
	switch v := res.(type) {
	case *tools.SearchResult:
		// Most recent search wins.
		st.result.SearchCandidates = v.Summaries
		st.result.Cards = append(st.result.Cards, v.Cards...)
	case *tools.ProductResult:
		st.products[v.Product.ID] = v.Product
		st.result.Cards = append(st.result.Cards, v.Card)
		st.result.Availability = append(st.result.Availability, v.Availability)
		st.result.SelectedProductIDs = appendUnique(st.result.SelectedProductIDs, v.Product.ID)
	}
}

// withContextBlock prepends the PRODUCT_MEMORY block without touching the
// durable transcript.
func withContextBlock(conversation []Message, block string) []Message {
	if block == "" {
		return conversation
	}
	msgs := make([]Message, 0, len(conversation)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: block})
	return append(msgs, conversation...)
}

func describeTarget(pf catalog.Result, fallback string) string {
	if pf.ProductName == "" {
		return fallback
	}
	if pf.Label != "" {
		return fmt.Sprintf("%s (%s)", pf.ProductName, pf.Label)
	}
	return pf.ProductName
}

func formatChoices(choices []commerce.VariantChoice) string {
	out := ""
	for _, c := range choices {
		line := fmt.Sprintf("%d. %s", c.Index, c.Label)
		if c.OnHand > 0 {
			line += fmt.Sprintf(" (%d in stock)", c.OnHand)
		}
		if !c.Buyable {
			line += " (not available)"
		}
		out += line + "\n"
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func shortCircuitOutcome(result *TurnResult) string {
	switch {
	case result.Confirmation != nil:
		return "confirmation"
	case result.Disambiguation != nil:
		return "disambiguation"
	default:
		return "not_buyable"
	}
}

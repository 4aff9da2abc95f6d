package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/i18n"
	"github.com/shopclerk/shopclerk/pkg/memory"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// scriptedProvider replays canned responses in order. Once the script is
// exhausted it keeps returning the last response, which makes "the model
// never stops calling tools" scenarios trivial to set up.
type scriptedProvider struct {
	responses []*ProviderResponse
	requests  []ProviderRequest
	err       error
}

func (p *scriptedProvider) Call(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) Provider() string { return "scripted" }

// fakeTool is a registry-compatible tool with a pluggable result.
type fakeTool struct {
	name     string
	mutating bool
	execFn   func(args map[string]interface{}) (interface{}, error)
	calls    atomic.Int64
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake tool for tests" }
func (t *fakeTool) Mutating() bool      { return t.mutating }

func (t *fakeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"query":       map[string]interface{}{"type": "string"},
			"product_id":  map[string]interface{}{"type": "string"},
			"part_number": map[string]interface{}{"type": "string"},
			"quantity":    map[string]interface{}{"type": "integer"},
		},
	}
}

func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx tools.RequestContext) (interface{}, error) {
	t.calls.Add(1)
	if t.execFn != nil {
		return t.execFn(args)
	}
	return map[string]interface{}{"ok": true}, nil
}

type runnerFixture struct {
	runner   *Runner
	provider *scriptedProvider
	registry *tools.Registry
	search   *fakeTool
	product  *fakeTool
	cartAdd  *fakeTool
}

func setupTestRunner(t *testing.T, responses ...*ProviderResponse) *runnerFixture {
	t.Helper()

	bundle := i18n.NewBundle(zerolog.Nop())
	gate := confirm.NewGate(bundle, zerolog.Nop())
	registry := tools.NewRegistry()

	f := &runnerFixture{
		provider: &scriptedProvider{responses: responses},
		registry: registry,
		search:   &fakeTool{name: tools.NameProductSearch},
		product:  &fakeTool{name: tools.NameProductGet},
		cartAdd:  &fakeTool{name: tools.NameCartAdd, mutating: true},
	}
	require.NoError(t, registry.Register(f.search))
	require.NoError(t, registry.Register(f.product))
	require.NoError(t, registry.Register(f.cartAdd))

	runner, err := NewRunner(Config{
		Provider: f.provider,
		Registry: registry,
		Gate:     gate,
		Bundle:   bundle,
		Logger:   zerolog.Nop(),
		Model:    ModelSettings{Name: "test-model"},
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func turnParams(message string) TurnParams {
	return TurnParams{
		UserMessage: message,
		Request:     tools.RequestContext{ConversationKey: "conv-1", Locale: "en"},
		Limits:      Limits{MaxRounds: 5, MaxToolCallsPerRound: 4},
	}
}

func contentResponse(content string) *ProviderResponse {
	return &ProviderResponse{Content: content}
}

func toolCallResponse(calls ...ToolCall) *ProviderResponse {
	return &ProviderResponse{ToolCalls: calls}
}

func testProduct(id string, variants ...commerce.Variant) commerce.Product {
	return commerce.Product{ID: id, Name: "Trail Shoe", Buyable: true, Variants: variants}
}

func TestNewRunner(t *testing.T) {
	t.Run("should create runner with valid config", func(t *testing.T) {
		f := setupTestRunner(t, contentResponse("hi"))
		assert.NotNil(t, f.runner)
	})

	t.Run("should fail without provider", func(t *testing.T) {
		bundle := i18n.NewBundle(zerolog.Nop())
		_, err := NewRunner(Config{
			Registry: tools.NewRegistry(),
			Gate:     confirm.NewGate(bundle, zerolog.Nop()),
			Bundle:   bundle,
			Model:    ModelSettings{Name: "test-model"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider is required")
	})

	t.Run("should fail without model name", func(t *testing.T) {
		bundle := i18n.NewBundle(zerolog.Nop())
		_, err := NewRunner(Config{
			Provider: &scriptedProvider{},
			Registry: tools.NewRegistry(),
			Gate:     confirm.NewGate(bundle, zerolog.Nop()),
			Bundle:   bundle,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model name is required")
	})
}

func TestRunTurnWithoutToolCalls(t *testing.T) {
	t.Run("should finish in one round when the model answers directly", func(t *testing.T) {
		f := setupTestRunner(t, contentResponse("Hello! How can I help?"))

		result, err := f.runner.RunTurn(context.Background(), turnParams("hi"))
		require.NoError(t, err)

		assert.Equal(t, "Hello! How can I help?", result.Message)
		assert.Equal(t, 1, result.RoundsUsed)
		assert.False(t, result.HitMaxRounds)
		require.Len(t, result.Conversation, 2)
		assert.Equal(t, RoleUser, result.Conversation[0].Role)
		assert.Equal(t, RoleAssistant, result.Conversation[1].Role)
	})

	t.Run("should propagate provider errors", func(t *testing.T) {
		f := setupTestRunner(t)
		f.provider.err = fmt.Errorf("rate limited")

		_, err := f.runner.RunTurn(context.Background(), turnParams("hi"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "completion call failed")
	})
}

func TestRunTurnToolExecution(t *testing.T) {
	t.Run("should execute a tool and harvest search results", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductSearch, Arguments: `{"query":"shoes"}`}),
			contentResponse("Found two shoes for you."),
		)
		f.search.execFn = func(args map[string]interface{}) (interface{}, error) {
			return &tools.SearchResult{
				Query: "shoes",
				Total: 2,
				Summaries: []commerce.ResultSummary{
					{Index: 1, ProductID: "p1", Name: "Trail Shoe"},
					{Index: 2, ProductID: "p2", Name: "Road Shoe"},
				},
				Cards: []commerce.ProductCard{{ProductID: "p1", Name: "Trail Shoe"}},
			}, nil
		}

		result, err := f.runner.RunTurn(context.Background(), turnParams("find me shoes"))
		require.NoError(t, err)

		assert.Equal(t, int64(1), f.search.calls.Load())
		assert.Equal(t, 2, result.RoundsUsed)
		assert.Len(t, result.SearchCandidates, 2)
		assert.Len(t, result.Cards, 1)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, tools.NameProductSearch, result.Trace[0].Tool)
		assert.Empty(t, result.Trace[0].Error)

		var toolMsg *Message
		for i := range result.Conversation {
			if result.Conversation[i].Role == RoleTool {
				toolMsg = &result.Conversation[i]
			}
		}
		require.NotNil(t, toolMsg)
		assert.Equal(t, "c1", toolMsg.ToolCallID)
		assert.Contains(t, toolMsg.Content, "Trail Shoe")
	})

	t.Run("should continue the turn when a tool fails", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductSearch, Arguments: `{"query":"shoes"}`}),
			contentResponse("The catalog seems unavailable right now."),
		)
		f.search.execFn = func(args map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("backend down")
		}

		result, err := f.runner.RunTurn(context.Background(), turnParams("find me shoes"))
		require.NoError(t, err)

		assert.Equal(t, 2, result.RoundsUsed)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, "backend down", result.Trace[0].Error)

		var toolMsg string
		for _, msg := range result.Conversation {
			if msg.Role == RoleTool {
				toolMsg = msg.Content
			}
		}
		assert.Contains(t, toolMsg, "backend down")
	})

	t.Run("should continue the turn for an unknown tool", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: "teleport", Arguments: `{}`}),
			contentResponse("Sorry, I can't do that."),
		)

		result, err := f.runner.RunTurn(context.Background(), turnParams("beam me up"))
		require.NoError(t, err)

		assert.Equal(t, 2, result.RoundsUsed)
		require.Len(t, result.Trace, 1)
		assert.Equal(t, "unknown tool", result.Trace[0].Error)
	})

	t.Run("should abort the turn on unparseable arguments", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductSearch, Arguments: `[1,2,3`}),
		)

		_, err := f.runner.RunTurn(context.Background(), turnParams("find shoes"))
		require.Error(t, err)
		var malformed *tools.MalformedArgsError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, tools.NameProductSearch, malformed.Tool)
		assert.Equal(t, int64(0), f.search.calls.Load())
	})

	t.Run("should abort the turn on schema violations", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductSearch, Arguments: `{"query":42}`}),
		)

		_, err := f.runner.RunTurn(context.Background(), turnParams("find shoes"))
		require.Error(t, err)
		var malformed *tools.MalformedArgsError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, int64(0), f.search.calls.Load())
	})
}

func TestRunTurnLimits(t *testing.T) {
	t.Run("should give a fallback answer when rounds run out", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductSearch, Arguments: `{"query":"shoes"}`}),
		)
		f.search.execFn = func(args map[string]interface{}) (interface{}, error) {
			return &tools.SearchResult{Query: "shoes"}, nil
		}

		params := turnParams("find shoes")
		params.Limits = Limits{MaxRounds: 3, MaxToolCallsPerRound: 4}

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.True(t, result.HitMaxRounds)
		assert.Equal(t, 3, result.RoundsUsed)
		assert.Equal(t, int64(3), f.search.calls.Load())
		assert.Contains(t, result.Message, "couldn't finish")
		assert.Equal(t, result.Message, result.Conversation[len(result.Conversation)-1].Content)
	})

	t.Run("should truncate excess tool calls within a round", func(t *testing.T) {
		calls := make([]ToolCall, 5)
		for i := range calls {
			calls[i] = ToolCall{
				ID:        fmt.Sprintf("c%d", i+1),
				Name:      tools.NameProductSearch,
				Arguments: `{"query":"shoes"}`,
			}
		}
		f := setupTestRunner(t,
			toolCallResponse(calls...),
			contentResponse("Here is what I found."),
		)
		f.search.execFn = func(args map[string]interface{}) (interface{}, error) {
			return &tools.SearchResult{Query: "shoes"}, nil
		}

		params := turnParams("find shoes")
		params.Limits = Limits{MaxRounds: 5, MaxToolCallsPerRound: 2}

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.Equal(t, int64(2), f.search.calls.Load())

		var assistantWithCalls *Message
		var note string
		for i := range result.Conversation {
			msg := result.Conversation[i]
			if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
				assistantWithCalls = &result.Conversation[i]
			}
			if msg.Role == RoleSystem && strings.Contains(msg.Content, "dropped") {
				note = msg.Content
			}
		}
		require.NotNil(t, assistantWithCalls)
		assert.Len(t, assistantWithCalls.ToolCalls, 2)
		assert.Contains(t, note, "3 additional tool call(s)")
	})
}

func TestRunTurnMutationInterception(t *testing.T) {
	t.Run("should intercept cart add into a pending confirmation", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameCartAdd, Arguments: `{"part_number":"PN-1","quantity":2}`}),
		)

		result, err := f.runner.RunTurn(context.Background(), turnParams("add it to my cart"))
		require.NoError(t, err)

		assert.Equal(t, int64(0), f.cartAdd.calls.Load())
		require.NotNil(t, result.Confirmation)
		require.NotNil(t, result.PendingAction)
		assert.Equal(t, tools.NameCartAdd, result.PendingAction.Kind)
		assert.Equal(t, confirm.StatusPending, result.PendingAction.Status)
		assert.Equal(t, result.Confirmation.Message, result.Message)
		assert.Len(t, result.Confirmation.Options, 2)
		assert.Equal(t, 1, result.RoundsUsed)
		require.Len(t, result.Trace, 1)
		assert.True(t, result.Trace[0].BlockedByConfirmation)
		assert.True(t, result.Trace[0].PendingActionCreated)
	})

	t.Run("should rewrite the target to the single buyable variant", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductGet, Arguments: `{"product_id":"p1"}`}),
			toolCallResponse(ToolCall{ID: "c2", Name: tools.NameCartAdd, Arguments: `{"part_number":"p1"}`}),
		)
		f.product.execFn = func(args map[string]interface{}) (interface{}, error) {
			return &tools.ProductResult{
				Product: testProduct("p1",
					commerce.Variant{ID: "v1", PartNumber: "PN-9", Label: "Size: 42", Buyable: true},
					commerce.Variant{ID: "v2", PartNumber: "PN-10", Label: "Size: 43", Buyable: false},
				),
			}, nil
		}

		result, err := f.runner.RunTurn(context.Background(), turnParams("add the trail shoe"))
		require.NoError(t, err)

		require.NotNil(t, result.PendingAction)
		assert.Equal(t, "PN-9", result.PendingAction.Args["part_number"])
		assert.Contains(t, result.PendingAction.Summary, "Size: 42")
		assert.Equal(t, int64(0), f.cartAdd.calls.Load())
	})

	t.Run("should refuse a product with nothing buyable", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductGet, Arguments: `{"product_id":"p1"}`}),
			toolCallResponse(ToolCall{ID: "c2", Name: tools.NameCartAdd, Arguments: `{"part_number":"p1"}`}),
		)
		f.product.execFn = func(args map[string]interface{}) (interface{}, error) {
			p := testProduct("p1", commerce.Variant{ID: "v1", PartNumber: "PN-9", Buyable: false})
			p.Buyable = false
			return &tools.ProductResult{Product: p}, nil
		}

		result, err := f.runner.RunTurn(context.Background(), turnParams("add the trail shoe"))
		require.NoError(t, err)

		assert.Nil(t, result.PendingAction)
		assert.Nil(t, result.Confirmation)
		assert.Contains(t, result.Message, "Trail Shoe")
		assert.Contains(t, result.Message, "not available")
	})

	t.Run("should ask for a variant when several are buyable", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameProductGet, Arguments: `{"product_id":"p1"}`}),
			toolCallResponse(ToolCall{ID: "c2", Name: tools.NameCartAdd, Arguments: `{"part_number":"p1"}`}),
		)
		f.product.execFn = func(args map[string]interface{}) (interface{}, error) {
			return &tools.ProductResult{
				Product: testProduct("p1",
					commerce.Variant{ID: "v1", PartNumber: "PN-9", Label: "Size: 42", OnHand: 3, Buyable: true},
					commerce.Variant{ID: "v2", PartNumber: "PN-10", Label: "Size: 43", OnHand: 1, Buyable: true},
				),
			}, nil
		}

		result, err := f.runner.RunTurn(context.Background(), turnParams("add the trail shoe"))
		require.NoError(t, err)

		assert.Nil(t, result.PendingAction)
		require.NotNil(t, result.Disambiguation)
		assert.Equal(t, "p1", result.Disambiguation.ProductID)
		assert.Len(t, result.Disambiguation.Choices, 2)
		assert.Contains(t, result.Message, "1. Size: 42")
		assert.Contains(t, result.Message, "2. Size: 43")
	})

	t.Run("should pass an unknown target through to confirmation", func(t *testing.T) {
		f := setupTestRunner(t,
			toolCallResponse(ToolCall{ID: "c1", Name: tools.NameCartAdd, Arguments: `{"part_number":"mystery-7"}`}),
		)

		result, err := f.runner.RunTurn(context.Background(), turnParams("add mystery-7"))
		require.NoError(t, err)

		require.NotNil(t, result.PendingAction)
		assert.Equal(t, "mystery-7", result.PendingAction.Args["part_number"])
	})
}

func TestRunTurnReferenceResolution(t *testing.T) {
	t.Run("should inject a hint for an ordinal selection", func(t *testing.T) {
		f := setupTestRunner(t, contentResponse("The Road Shoe costs 89 euros."))

		params := turnParams("tell me more about option 2")
		params.Memory = &memory.WorkingMemory{
			LastResults: []commerce.ResultSummary{
				{Index: 1, ProductID: "p1", Name: "Trail Shoe"},
				{Index: 2, ProductID: "p2", Name: "Road Shoe"},
			},
		}

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.Equal(t, []string{"p2"}, result.SelectedProductIDs)

		require.Len(t, f.provider.requests, 1)
		var hint string
		for _, msg := range f.provider.requests[0].Messages {
			if msg.Role == RoleSystem && strings.Contains(msg.Content, "RESOLVER_HINT") {
				hint = msg.Content
			}
		}
		assert.Contains(t, hint, "p2")
		assert.Contains(t, hint, "Road Shoe")
	})

	t.Run("should prepend product memory without persisting it", func(t *testing.T) {
		f := setupTestRunner(t, contentResponse("Sure."))

		params := turnParams("which one is cheaper?")
		params.Memory = &memory.WorkingMemory{
			LastResults: []commerce.ResultSummary{{Index: 1, ProductID: "p1", Name: "Trail Shoe"}},
		}

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		require.Len(t, f.provider.requests, 1)
		first := f.provider.requests[0].Messages[0]
		assert.Equal(t, RoleSystem, first.Role)
		assert.Contains(t, first.Content, "PRODUCT_MEMORY")

		for _, msg := range result.Conversation {
			assert.NotContains(t, msg.Content, "PRODUCT_MEMORY")
		}
	})
}

func TestRunTurnVariantChoiceResolution(t *testing.T) {
	pendingChoices := func() *memory.WorkingMemory {
		wm := memory.New()
		wm.SetVariantChoices("p1", []commerce.VariantChoice{
			{Index: 1, VariantID: "v1", Label: "Size: 42", PartNumber: "PN-9", Buyable: true},
			{Index: 2, VariantID: "v2", Label: "Size: 43", PartNumber: "PN-10", Buyable: true},
			{Index: 3, VariantID: "v3", Label: "Size: 44", PartNumber: "PN-11", Buyable: false},
		})
		return wm
	}

	t.Run("should turn a numeric answer into a confirmation without a model call", func(t *testing.T) {
		f := setupTestRunner(t)

		params := turnParams("2")
		params.Memory = pendingChoices()

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.Empty(t, f.provider.requests)
		assert.Equal(t, 0, result.RoundsUsed)
		assert.True(t, result.ClearVariantChoices)
		require.NotNil(t, result.PendingAction)
		assert.Equal(t, "PN-10", result.PendingAction.Args["part_number"])
		assert.Contains(t, result.Message, "Size: 43")
	})

	t.Run("should refuse a chosen variant that is not buyable", func(t *testing.T) {
		f := setupTestRunner(t)

		params := turnParams("option 3")
		params.Memory = pendingChoices()

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.Empty(t, f.provider.requests)
		assert.True(t, result.ClearVariantChoices)
		assert.Nil(t, result.PendingAction)
		assert.Contains(t, result.Message, "Size: 44")
	})

	t.Run("should hand a descriptive answer to the model and keep choices", func(t *testing.T) {
		f := setupTestRunner(t, contentResponse("The 42 is the smaller one."))

		params := turnParams("which one fits narrow feet?")
		params.Memory = pendingChoices()

		result, err := f.runner.RunTurn(context.Background(), params)
		require.NoError(t, err)

		assert.Len(t, f.provider.requests, 1)
		assert.False(t, result.ClearVariantChoices)
		assert.Equal(t, 1, result.RoundsUsed)
	})
}

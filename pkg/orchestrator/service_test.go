package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopclerk/shopclerk/pkg/chat"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/i18n"
	"github.com/shopclerk/shopclerk/pkg/queue"
	"github.com/shopclerk/shopclerk/pkg/session"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// queuedProvider pops one scripted response per completion call.
type queuedProvider struct {
	responses []*chat.ProviderResponse
	calls     atomic.Int64
}

func (p *queuedProvider) Call(ctx context.Context, req chat.ProviderRequest) (*chat.ProviderResponse, error) {
	idx := int(p.calls.Add(1)) - 1
	if idx >= len(p.responses) {
		return nil, fmt.Errorf("unexpected completion call %d", idx+1)
	}
	return p.responses[idx], nil
}

func (p *queuedProvider) Provider() string { return "queued" }

// countingBackend scripts commerce responses and counts calls per method.
type countingBackend struct {
	payloads map[string]json.RawMessage
	counts   map[string]*atomic.Int64
}

func newCountingBackend() *countingBackend {
	b := &countingBackend{
		payloads: make(map[string]json.RawMessage),
		counts:   make(map[string]*atomic.Int64),
	}
	for _, m := range []string{commerce.MethodProductSearch, commerce.MethodProductDetail, commerce.MethodCartAdd, commerce.MethodCartRemove} {
		b.counts[m] = &atomic.Int64{}
	}
	b.payloads[commerce.MethodProductSearch] = json.RawMessage(`{"total": 1, "products": [{"id": "p1", "name": "Trail Shoe", "buyable": true}]}`)
	b.payloads[commerce.MethodCartAdd] = json.RawMessage(`{"cartSize": 1}`)
	b.payloads[commerce.MethodCartRemove] = json.RawMessage(`{"cartSize": 0}`)
	return b
}

func (b *countingBackend) Call(ctx context.Context, method string, params map[string]interface{}, sess *commerce.Session) (json.RawMessage, error) {
	b.counts[method].Add(1)
	payload, ok := b.payloads[method]
	if !ok {
		return nil, fmt.Errorf("no scripted payload for %s", method)
	}
	return payload, nil
}

type serviceFixture struct {
	service  *Service
	store    *session.Store
	backend  *countingBackend
	provider *queuedProvider
}

func setupTestService(t *testing.T, responses ...*chat.ProviderResponse) *serviceFixture {
	t.Helper()

	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	turnQueue := queue.New()
	t.Cleanup(func() { turnQueue.Close() })

	backend := newCountingBackend()
	bundle := i18n.NewBundle(zerolog.Nop())
	gate := confirm.NewGate(bundle, zerolog.Nop())

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewSearchTool(backend, zerolog.Nop())))
	require.NoError(t, registry.Register(tools.NewProductTool(backend, nil, zerolog.Nop())))
	require.NoError(t, registry.Register(tools.NewCartAddTool(backend, zerolog.Nop())))
	require.NoError(t, registry.Register(tools.NewCartRemoveTool(backend, zerolog.Nop())))

	provider := &queuedProvider{responses: responses}
	runner, err := chat.NewRunner(chat.Config{
		Provider: provider,
		Registry: registry,
		Gate:     gate,
		Bundle:   bundle,
		Logger:   zerolog.Nop(),
		Model:    chat.ModelSettings{Name: "test-model"},
	})
	require.NoError(t, err)

	service, err := NewService(Config{
		Runner:   runner,
		Store:    store,
		Queue:    turnQueue,
		Gate:     gate,
		Registry: registry,
		Logger:   zerolog.Nop(),
		Limits:   chat.Limits{MaxRounds: 5, MaxToolCallsPerRound: 4},
	})
	require.NoError(t, err)

	return &serviceFixture{service: service, store: store, backend: backend, provider: provider}
}

func TestNewService(t *testing.T) {
	t.Run("should fail without a runner", func(t *testing.T) {
		_, err := NewService(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runner is required")
	})
}

func TestHandleMessageValidation(t *testing.T) {
	f := setupTestService(t)

	t.Run("should reject an empty conversation key", func(t *testing.T) {
		_, err := f.service.HandleMessage(context.Background(), ChatRequest{Message: "hi"})
		assert.Error(t, err)
	})

	t.Run("should reject an empty message", func(t *testing.T) {
		_, err := f.service.HandleMessage(context.Background(), ChatRequest{ConversationKey: "conv-1"})
		assert.Error(t, err)
	})
}

func TestHandleMessageSearchTurn(t *testing.T) {
	t.Run("should run a search turn and persist transcript and memory", func(t *testing.T) {
		f := setupTestService(t,
			&chat.ProviderResponse{ToolCalls: []chat.ToolCall{
				{ID: "c1", Name: tools.NameProductSearch, Arguments: `{"query":"shoes"}`},
			}},
			&chat.ProviderResponse{Content: "I found the Trail Shoe."},
		)

		resp, err := f.service.HandleMessage(context.Background(), ChatRequest{
			ConversationKey: "conv-1",
			Message:         "find me shoes",
		})
		require.NoError(t, err)

		assert.Equal(t, "I found the Trail Shoe.", resp.Message)
		assert.Equal(t, 2, resp.RoundsUsed)
		require.Len(t, resp.Candidates, 1)
		assert.Equal(t, "p1", resp.Candidates[0].ProductID)

		messages, err := f.store.LoadConversation(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Len(t, messages, 4)
		assert.Equal(t, chat.RoleUser, messages[0].Role)
		assert.Equal(t, chat.RoleTool, messages[2].Role)
		assert.Equal(t, "I found the Trail Shoe.", messages[3].Content)

		state, err := f.store.LoadState(context.Background(), "conv-1")
		require.NoError(t, err)
		require.NotNil(t, state.WorkingMemory)
		require.Len(t, state.WorkingMemory.LastResults, 1)
		assert.Equal(t, "p1", state.WorkingMemory.LastResults[0].ProductID)
	})

	t.Run("should feed the prior transcript into the next turn", func(t *testing.T) {
		f := setupTestService(t,
			&chat.ProviderResponse{Content: "Hello!"},
			&chat.ProviderResponse{Content: "Still here."},
		)
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "hi"})
		require.NoError(t, err)
		_, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "are you there?"})
		require.NoError(t, err)

		messages, err := f.store.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, messages, 4)
		assert.Equal(t, "are you there?", messages[2].Content)
	})
}

func TestHandleMessageConfirmationFlow(t *testing.T) {
	cartAddTurn := &chat.ProviderResponse{ToolCalls: []chat.ToolCall{
		{ID: "c1", Name: tools.NameCartAdd, Arguments: `{"part_number":"PN-9","quantity":1}`},
	}}

	t.Run("should execute the cart add exactly once after an affirmation", func(t *testing.T) {
		f := setupTestService(t, cartAddTurn)
		ctx := context.Background()

		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)
		require.NotNil(t, resp.Confirmation)
		assert.Equal(t, int64(0), f.backend.counts[commerce.MethodCartAdd].Load())

		state, err := f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, state.PendingAction)
		assert.Equal(t, confirm.StatusPending, state.PendingAction.Status)

		resp, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "yes please"})
		require.NoError(t, err)
		assert.Equal(t, string(confirm.OutcomeExecuted), resp.Outcome)
		assert.Equal(t, int64(1), f.backend.counts[commerce.MethodCartAdd].Load())

		require.Len(t, resp.Trace, 1)
		assert.Equal(t, tools.NameCartAdd, resp.Trace[0].Tool)
		assert.True(t, resp.Trace[0].PendingActionExecuted)
		assert.Empty(t, resp.Trace[0].Error)

		state, err = f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, confirm.StatusConsumed, state.PendingAction.Status)

		// A repeated affirmation must not run the mutation again, and it
		// must not reach the provider either.
		resp, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "yes"})
		require.NoError(t, err)
		assert.Equal(t, string(confirm.OutcomeAlreadyFinished), resp.Outcome)
		assert.Equal(t, int64(1), f.backend.counts[commerce.MethodCartAdd].Load())
		assert.Empty(t, resp.Trace)
		assert.Equal(t, int64(1), f.provider.calls.Load())
	})

	t.Run("should release the conversation once the finished action is left behind", func(t *testing.T) {
		answerTurn := &chat.ProviderResponse{Content: "We also carry road shoes."}
		f := setupTestService(t, cartAddTurn, answerTurn)
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)
		_, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "yes"})
		require.NoError(t, err)

		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "what else do you have?"})
		require.NoError(t, err)
		assert.Equal(t, "We also carry road shoes.", resp.Message)
		assert.Equal(t, int64(2), f.provider.calls.Load())

		state, err := f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Nil(t, state.PendingAction)
	})

	t.Run("should surface a failed execution in the trace", func(t *testing.T) {
		f := setupTestService(t, cartAddTurn)
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)

		delete(f.backend.payloads, commerce.MethodCartAdd)
		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "yes"})
		require.NoError(t, err)
		assert.Equal(t, string(confirm.OutcomeFailed), resp.Outcome)
		require.Len(t, resp.Trace, 1)
		assert.True(t, resp.Trace[0].PendingActionExecuted)
		assert.NotEmpty(t, resp.Trace[0].Error)
	})

	t.Run("should cancel on rejection without touching the backend", func(t *testing.T) {
		f := setupTestService(t, cartAddTurn)
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)

		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "no thanks"})
		require.NoError(t, err)
		assert.Equal(t, string(confirm.OutcomeCancelled), resp.Outcome)
		assert.Equal(t, int64(0), f.backend.counts[commerce.MethodCartAdd].Load())
	})

	t.Run("should repeat the prompt on an unrelated answer", func(t *testing.T) {
		f := setupTestService(t, cartAddTurn)
		ctx := context.Background()

		first, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)

		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "how big is it?"})
		require.NoError(t, err)
		assert.Equal(t, string(confirm.OutcomeReminder), resp.Outcome)
		assert.Contains(t, resp.Message, first.Confirmation.Message)

		state, err := f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, confirm.StatusPending, state.PendingAction.Status)
	})

	t.Run("should persist the confirmation exchange in the transcript", func(t *testing.T) {
		f := setupTestService(t, cartAddTurn)
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add PN-9"})
		require.NoError(t, err)
		_, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "yes"})
		require.NoError(t, err)

		messages, err := f.store.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		// Turn one: user, assistant tool call, assistant prompt. Turn two:
		// user answer, assistant completion.
		require.Len(t, messages, 5)
		assert.Equal(t, "yes", messages[3].Content)
		assert.Contains(t, messages[4].Content, "Done.")
	})
}

func TestHandleMessageDisambiguation(t *testing.T) {
	t.Run("should store variant choices and resolve the follow-up numerically", func(t *testing.T) {
		f := setupTestService(t,
			&chat.ProviderResponse{ToolCalls: []chat.ToolCall{
				{ID: "c1", Name: tools.NameProductGet, Arguments: `{"product_id":"p1"}`},
			}},
			&chat.ProviderResponse{ToolCalls: []chat.ToolCall{
				{ID: "c2", Name: tools.NameCartAdd, Arguments: `{"part_number":"p1"}`},
			}},
		)
		f.backend.payloads[commerce.MethodProductDetail] = json.RawMessage(`{
			"id": "p1", "name": "Trail Shoe", "buyable": true,
			"variants": [
				{"id": "v1", "partNumber": "PN-1", "dimensions": {"Size": "42"}, "onHand": 2, "buyable": true},
				{"id": "v2", "partNumber": "PN-2", "dimensions": {"Size": "43"}, "onHand": 1, "buyable": true}
			]
		}`)
		ctx := context.Background()

		resp, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "add the trail shoe"})
		require.NoError(t, err)
		require.NotNil(t, resp.Disambiguation)
		require.Len(t, resp.Disambiguation.Choices, 2)

		state, err := f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, state.WorkingMemory)
		assert.True(t, state.WorkingMemory.HasVariantChoices())

		// The numeric answer resolves without another completion call.
		resp, err = f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "2"})
		require.NoError(t, err)
		require.NotNil(t, resp.Confirmation)
		assert.Equal(t, int64(2), f.provider.calls.Load())

		state, err = f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, state.WorkingMemory.HasVariantChoices())
		require.NotNil(t, state.PendingAction)
		assert.Equal(t, "PN-2", state.PendingAction.Args["part_number"])
	})
}

func TestReset(t *testing.T) {
	t.Run("should discard transcript and state", func(t *testing.T) {
		f := setupTestService(t, &chat.ProviderResponse{Content: "Hello!"})
		ctx := context.Background()

		_, err := f.service.HandleMessage(ctx, ChatRequest{ConversationKey: "conv-1", Message: "hi"})
		require.NoError(t, err)
		require.NoError(t, f.service.Reset(ctx, "conv-1"))

		messages, err := f.store.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Empty(t, messages)

		state, err := f.store.LoadState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Nil(t, state.PendingAction)
	})
}

package chat

import (
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/memory"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// Message roles used in the conversation transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model. Arguments is kept
// as the raw JSON string exactly as the model produced it; parsing and
// repair happen in the runner so malformed arguments are classified there.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single entry in a conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolTraceEntry records one tool invocation for diagnostics.
type ToolTraceEntry struct {
	Tool                  string                 `json:"tool"`
	Args                  map[string]interface{} `json:"args,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	DurationMs            int64                  `json:"duration_ms"`
	BlockedByConfirmation bool                   `json:"blocked_by_confirmation,omitempty"`
	PendingActionCreated  bool                   `json:"pending_action_created,omitempty"`
	PendingActionExecuted bool                   `json:"pending_action_executed,omitempty"`
}

// Limits bounds a single turn of the loop.
type Limits struct {
	MaxRounds            int
	MaxToolCallsPerRound int
}

// Disambiguation asks the user to pick one of several buyable variants
// before a cart mutation proceeds.
type Disambiguation struct {
	ProductID   string                  `json:"product_id"`
	ProductName string                  `json:"product_name"`
	Choices     []commerce.VariantChoice `json:"choices"`
}

// TurnParams carries everything one turn needs. Memory is read-only for
// the runner; the caller folds the returned TurnResult back into it.
type TurnParams struct {
	UserMessage  string
	Conversation []Message
	Session      *commerce.Session
	Request      tools.RequestContext
	Memory       *memory.WorkingMemory
	Limits       Limits

	// Status, when set, is notified before each model round.
	Status func(stage string)
}

// TurnResult is the full outcome of one turn. Conversation is the
// accumulated transcript including the user message, every assistant and
// tool message produced during the turn, and any injected system notes.
type TurnResult struct {
	Message      string           `json:"message"`
	Conversation []Message        `json:"conversation"`
	Trace        []ToolTraceEntry `json:"trace,omitempty"`
	RoundsUsed   int              `json:"rounds_used"`
	HitMaxRounds bool             `json:"hit_max_rounds,omitempty"`

	Cards              []commerce.ProductCard         `json:"cards,omitempty"`
	SearchCandidates   []commerce.ResultSummary       `json:"search_candidates,omitempty"`
	SelectedProductIDs []string                       `json:"selected_product_ids,omitempty"`
	Availability       []commerce.VariantAvailability `json:"availability,omitempty"`

	// Confirmation is set when a cart mutation was intercepted and now
	// awaits user consent. PendingAction is the state the caller must
	// persist alongside the conversation.
	Confirmation  *confirm.Prompt         `json:"confirmation,omitempty"`
	PendingAction *confirm.PendingAction  `json:"pending_action,omitempty"`

	// Disambiguation is set when a cart add hit a multi-variant product.
	Disambiguation *Disambiguation `json:"disambiguation,omitempty"`

	// ClearVariantChoices tells the caller the outstanding variant
	// question was answered or abandoned this turn.
	ClearVariantChoices bool `json:"-"`

	Usage *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage tracks token consumption across the rounds of a turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

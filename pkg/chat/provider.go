package chat

import (
	"context"
	"fmt"

	"github.com/shopclerk/shopclerk/pkg/tools"
)

// Provider is an interface for LLM API providers.
type Provider interface {
	// Call makes an LLM API call.
	Call(ctx context.Context, request ProviderRequest) (*ProviderResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// ProviderRequest contains the request parameters for an LLM call.
type ProviderRequest struct {
	Model        string
	Messages     []Message
	Tools        []tools.Definition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// ProviderResponse contains the response from the LLM.
type ProviderResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// NewProvider creates an LLM provider by name.
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

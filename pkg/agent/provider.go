package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	// Schema, when set, is offered to the model as its only function.
	Schema *ResponseSchema
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderBuilder constructs a provider for a resolved profile.
type ProviderBuilder interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, ErrCredentialMissing
	}
	switch profile.Provider {
	case "openai", "":
		return NewOpenAIProvider(profile), nil
	case "anthropic":
		return NewAnthropicProvider(profile), nil
	case "gemini":
		return NewGeminiProvider(context.Background(), profile)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// schemaRequired extracts the "required" list of a JSON Schema object,
// accepting both []string and decoded []interface{}.
func schemaRequired(params map[string]interface{}) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

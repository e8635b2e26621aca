package agent

import (
	"time"

	"github.com/harun/tavern/pkg/session"
)

// Message is one role-tagged entry in the prompt sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseSchema describes the structured record the model may emit as a
// function call. Parameters is a JSON Schema object.
type ResponseSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a raw function call returned by a provider. Arguments holds
// the JSON text exactly as the endpoint sent it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile selects and configures a provider.
type AuthProfile struct {
	Provider string        `json:"provider"` // "openai", "anthropic", "gemini"
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Completion is the result of one Complete call.
type Completion struct {
	Text    string
	Payload *session.Payload
	Usage   *TokenUsage
	// DecodeErr is set when the model emitted a payload that could not be
	// decoded. Text is still valid.
	DecodeErr error
}

// ModelOptions are the per-flow generation settings.
type ModelOptions struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// DefaultModelOptions returns the chatbot defaults.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		Model:       "gpt-3.5-turbo",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// DefaultModel returns the default model name for a provider.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "gpt-3.5-turbo"
	}
}

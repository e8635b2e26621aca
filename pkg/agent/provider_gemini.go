package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, profile AuthProfile) (*GeminiProvider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  profile.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if profile.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = profile.BaseURL
	}
	if profile.Timeout > 0 {
		timeout := profile.Timeout
		cfg.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	system := []string{}
	if request.SystemPrompt != "" {
		system = append(system, request.SystemPrompt)
	}

	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "user":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if request.Temperature > 0 {
		temp := float32(request.Temperature)
		config.Temperature = &temp
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if s := request.Schema; s != nil {
		config.Tools = []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  toGenaiSchema(s.Parameters),
			}},
		}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(p.Provider(), apiErr.Code, err)
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return nil, classifyStatus(p.Provider(), apiErrPtr.Code, err)
		}
		return nil, &EndpointError{Provider: p.Provider(), Err: err}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &EndpointError{Provider: p.Provider(), Err: fmt.Errorf("no candidates returned")}
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			content += part.Text
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to encode function args: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        fc.ID,
				Name:      fc.Name,
				Arguments: string(args),
			})
		}
	}

	usage := &TokenUsage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// toGenaiSchema converts the subset of JSON Schema used for payloads
// (objects, arrays and scalar properties) into a genai.Schema.
func toGenaiSchema(params map[string]interface{}) *genai.Schema {
	if params == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := params["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := params["description"].(string); ok {
		schema.Description = d
	}
	if props, ok := params["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]interface{}); ok {
				schema.Properties[name] = toGenaiSchema(prop)
			}
		}
	}
	if items, ok := params["items"].(map[string]interface{}); ok {
		schema.Items = toGenaiSchema(items)
	}
	schema.Required = schemaRequired(params)
	return schema
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Profile selects the provider; its APIKey is ignored in favour of the
	// per-call CredentialSource.
	Profile AuthProfile
	// Builder defaults to ProviderFactory.
	Builder ProviderBuilder
	Logger  zerolog.Logger
}

// Client issues single, non-retried completion calls.
type Client struct {
	profile AuthProfile
	builder ProviderBuilder
	logger  zerolog.Logger

	mu        sync.Mutex
	providers map[string]LLMProvider
}

// NewClient creates a completion client.
func NewClient(cfg ClientConfig) *Client {
	builder := cfg.Builder
	if builder == nil {
		builder = &ProviderFactory{}
	}
	if cfg.Profile.Provider == "" {
		cfg.Profile.Provider = "openai"
	}
	return &Client{
		profile:   cfg.Profile,
		builder:   builder,
		logger:    cfg.Logger.With().Str("component", "agent_client").Logger(),
		providers: make(map[string]LLMProvider),
	}
}

// Provider returns the configured provider name.
func (c *Client) Provider() string {
	return c.profile.Provider
}

// provider returns a cached provider for key, building it on first use.
func (c *Client) provider(key string) (LLMProvider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[key]; ok {
		return p, nil
	}
	profile := c.profile
	profile.APIKey = key
	p, err := c.builder.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	c.providers[key] = p
	return p, nil
}

// forget drops the cached provider for a rejected key.
func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.providers, key)
	c.mu.Unlock()
}

// Complete sends req once. When schema is non-nil the model may answer with
// a structured payload, which is decoded into Completion.Payload.
func (c *Client) Complete(ctx context.Context, creds CredentialSource, req LLMRequest, schema *ResponseSchema) (*Completion, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"tavern.agent",
		"agent.complete",
		attribute.String("provider", c.profile.Provider),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	key := ""
	if creds != nil {
		key = creds.Credential()
	}
	if key == "" {
		return nil, tracing.Fail(span, ErrCredentialMissing)
	}

	provider, err := c.provider(key)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	req.Schema = schema
	start := time.Now()
	resp, err := provider.Call(ctx, req)
	duration := time.Since(start)
	observability.RecordCompletion(provider.Provider(), duration, err == nil)

	if err != nil {
		err = wrapEndpoint(provider.Provider(), err)
		if errors.Is(err, ErrAuthentication) {
			c.forget(key)
		}
		logger.Error().Err(err).Dur("duration", duration).Msg("Completion failed")
		return nil, tracing.Fail(span, err)
	}

	comp := &Completion{Text: resp.Content, Usage: resp.Usage}
	if schema != nil && len(resp.ToolCalls) > 0 {
		if len(resp.ToolCalls) > 1 {
			logger.Warn().Int("tool_calls", len(resp.ToolCalls)).Msg("Multiple payloads returned, using the first")
		}
		comp.Payload, comp.DecodeErr = decodePayload(resp.ToolCalls[0], schema)
		if comp.DecodeErr != nil {
			observability.RecordPayloadDecodeError(schema.Name)
			logger.Warn().Err(comp.DecodeErr).Msg("Payload could not be decoded")
		}
	}

	logger.Debug().
		Dur("duration", duration).
		Bool("payload", comp.Payload != nil).
		Msg("Completion finished")

	return comp, nil
}

func decodePayload(call ToolCall, schema *ResponseSchema) (*session.Payload, error) {
	if call.Name != schema.Name {
		return nil, &PayloadDecodeError{
			Schema: schema.Name,
			Raw:    call.Arguments,
			Err:    fmt.Errorf("unexpected function %q", call.Name),
		}
	}

	fields := map[string]interface{}{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &fields); err != nil {
			return nil, &PayloadDecodeError{Schema: schema.Name, Raw: call.Arguments, Err: err}
		}
	}
	return &session.Payload{Schema: schema.Name, Fields: fields}, nil
}

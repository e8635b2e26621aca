package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/agent/agenttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var characterSchema = &agent.ResponseSchema{
	Name:        "character",
	Description: "character sheet",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":      map[string]interface{}{"type": "string"},
			"completed": map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"completed"},
	},
}

func newClient(p agent.LLMProvider) (*agent.Client, *agenttest.Builder) {
	b := &agenttest.Builder{Provider: p}
	return agent.NewClient(agent.ClientConfig{
		Profile: agent.AuthProfile{Provider: "openai"},
		Builder: b,
		Logger:  zerolog.Nop(),
	}), b
}

func TestComplete_MissingCredential(t *testing.T) {
	p := &agenttest.MockProvider{}
	client, builder := newClient(p)

	_, err := client.Complete(context.Background(), agent.StaticCredential("  "), agent.LLMRequest{}, nil)
	assert.ErrorIs(t, err, agent.ErrCredentialMissing)
	assert.True(t, agent.IsCredentialError(err))
	assert.Empty(t, builder.Keys)
	p.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)

	_, err = client.Complete(context.Background(), nil, agent.LLMRequest{}, nil)
	assert.ErrorIs(t, err, agent.ErrCredentialMissing)
}

func TestComplete_TextOnly(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.MatchedBy(func(r agent.LLMRequest) bool {
		return r.Schema == nil && r.Model == "gpt-3.5-turbo"
	})).Return(&agent.LLMResponse{Content: "hello there", Usage: &agent.TokenUsage{InputTokens: 3}}, nil).Once()

	client, builder := newClient(p)
	comp, err := client.Complete(context.Background(), agent.StaticCredential("sk-1"),
		agent.LLMRequest{Model: "gpt-3.5-turbo"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello there", comp.Text)
	assert.Nil(t, comp.Payload)
	assert.NoError(t, comp.DecodeErr)
	assert.Equal(t, 3, comp.Usage.InputTokens)
	assert.Equal(t, []string{"sk-1"}, builder.Keys)
	p.AssertExpectations(t)
}

func TestComplete_ProviderCachedPerKey(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.Anything).Return(&agent.LLMResponse{Content: "ok"}, nil)

	client, builder := newClient(p)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Complete(ctx, agent.StaticCredential("sk-1"), agent.LLMRequest{}, nil)
		require.NoError(t, err)
	}
	_, err := client.Complete(ctx, agent.StaticCredential("sk-2"), agent.LLMRequest{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"sk-1", "sk-2"}, builder.Keys)
}

func TestComplete_Payload(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.MatchedBy(func(r agent.LLMRequest) bool {
		return r.Schema != nil && r.Schema.Name == "character"
	})).Return(&agent.LLMResponse{
		Content:   "Welcome, Arya.",
		ToolCalls: []agent.ToolCall{{ID: "1", Name: "character", Arguments: `{"name":"Arya","completed":true}`}},
	}, nil)

	client, _ := newClient(p)
	comp, err := client.Complete(context.Background(), agent.StaticCredential("sk"), agent.LLMRequest{}, characterSchema)
	require.NoError(t, err)

	assert.Equal(t, "Welcome, Arya.", comp.Text)
	require.NotNil(t, comp.Payload)
	assert.Equal(t, "character", comp.Payload.Schema)
	assert.Equal(t, "Arya", comp.Payload.Fields["name"])
	assert.Equal(t, true, comp.Payload.Fields["completed"])
	assert.NoError(t, comp.DecodeErr)
}

func TestComplete_PayloadDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		call agent.ToolCall
	}{
		{"invalid json", agent.ToolCall{Name: "character", Arguments: `{"name": "Ary`}},
		{"unexpected function", agent.ToolCall{Name: "weather", Arguments: `{}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &agenttest.MockProvider{}
			p.On("Call", mock.Anything, mock.Anything).Return(&agent.LLMResponse{
				Content:   "some text",
				ToolCalls: []agent.ToolCall{tt.call},
			}, nil)

			client, _ := newClient(p)
			comp, err := client.Complete(context.Background(), agent.StaticCredential("sk"), agent.LLMRequest{}, characterSchema)
			require.NoError(t, err)
			assert.Equal(t, "some text", comp.Text)
			assert.Nil(t, comp.Payload)
			assert.ErrorIs(t, comp.DecodeErr, agent.ErrPayloadDecode)

			var pde *agent.PayloadDecodeError
			require.True(t, errors.As(comp.DecodeErr, &pde))
			assert.Equal(t, "character", pde.Schema)
		})
	}
}

func TestComplete_EndpointErrorNotRetried(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	client, _ := newClient(p)
	_, err := client.Complete(context.Background(), agent.StaticCredential("sk"), agent.LLMRequest{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrEndpoint)
	assert.False(t, agent.IsCredentialError(err))
	assert.Contains(t, err.Error(), "connection refused")
	p.AssertNumberOfCalls(t, "Call", 1)
}

func TestComplete_AuthenticationErrorPassesThrough(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.Anything).Return(nil, agent.ErrAuthentication)

	client, _ := newClient(p)
	_, err := client.Complete(context.Background(), agent.StaticCredential("sk"), agent.LLMRequest{}, nil)
	assert.True(t, agent.IsCredentialError(err))
	assert.NotErrorIs(t, err, agent.ErrEndpoint)
}

func TestComplete_RejectedKeyNotCached(t *testing.T) {
	p := &agenttest.MockProvider{}
	p.On("Call", mock.Anything, mock.Anything).Return(nil, agent.ErrAuthentication).Twice()
	p.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Twice()

	client, builder := newClient(p)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := client.Complete(ctx, agent.StaticCredential("sk-bad"), agent.LLMRequest{}, nil)
		require.ErrorIs(t, err, agent.ErrAuthentication)
	}
	assert.Equal(t, []string{"sk-bad", "sk-bad"}, builder.Keys, "a rejected key is rebuilt on the next call")

	for i := 0; i < 2; i++ {
		_, err := client.Complete(ctx, agent.StaticCredential("sk-ok"), agent.LLMRequest{}, nil)
		require.ErrorIs(t, err, agent.ErrEndpoint)
	}
	assert.Equal(t, []string{"sk-bad", "sk-bad", "sk-ok"}, builder.Keys, "endpoint errors keep the provider")
}

func TestCredentialChain(t *testing.T) {
	chain := agent.CredentialChain{agent.StaticCredential(""), nil, agent.StaticCredential(" sk-b "), agent.StaticCredential("sk-c")}
	assert.Equal(t, "sk-b", chain.Credential())
	assert.Empty(t, agent.CredentialChain{}.Credential())
}

func TestProviderFactory(t *testing.T) {
	f := &agent.ProviderFactory{}

	_, err := f.NewProvider(agent.AuthProfile{Provider: "openai"})
	assert.ErrorIs(t, err, agent.ErrCredentialMissing)

	p, err := f.NewProvider(agent.AuthProfile{Provider: "openai", APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = f.NewProvider(agent.AuthProfile{Provider: "anthropic", APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	p, err = f.NewProvider(agent.AuthProfile{Provider: "gemini", APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Provider())

	_, err = f.NewProvider(agent.AuthProfile{Provider: "llama", APIKey: "sk"})
	assert.Error(t, err)
}

// Package agenttest provides a testify mock of agent.LLMProvider.
package agenttest

import (
	"context"

	"github.com/harun/tavern/pkg/agent"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a scriptable LLMProvider.
type MockProvider struct {
	mock.Mock
	Name string
}

func (m *MockProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	args := m.Called(ctx, request)
	resp, _ := args.Get(0).(*agent.LLMResponse)
	return resp, args.Error(1)
}

func (m *MockProvider) Provider() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

// Builder always returns the wrapped provider and records the keys it saw.
type Builder struct {
	Provider agent.LLMProvider
	Keys     []string
}

func (b *Builder) NewProvider(profile agent.AuthProfile) (agent.LLMProvider, error) {
	b.Keys = append(b.Keys, profile.APIKey)
	return b.Provider, nil
}

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "chatbot", cfg.Flow)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, "gpt-3.5-turbo", cfg.AI.Model)
	assert.Equal(t, 0.7, cfg.AI.Temperature)
	assert.Equal(t, "full", cfg.Window.Mode)
	assert.False(t, cfg.Memory.Enabled)
	assert.Equal(t, 3, cfg.Memory.Limit)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)

	require.NoError(t, cfg.Validate(), "defaults must validate without an API key")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"dungeon flow", func(c *Config) { c.Flow = "dungeon" }, ""},
		{"unknown flow", func(c *Config) { c.Flow = "poker" }, "invalid flow"},
		{"unknown provider", func(c *Config) { c.AI.Provider = "mistral" }, "invalid provider"},
		{"bad openai key", func(c *Config) { c.AI.APIKey = "abc" }, "should start with sk-"},
		{"temperature too high", func(c *Config) { c.AI.Temperature = 3 }, "temperature"},
		{"last_k window", func(c *Config) { c.Window = WindowConfig{Mode: "last_k", K: 4} }, ""},
		{"negative window", func(c *Config) { c.Window = WindowConfig{Mode: "last_k", K: -1} }, "window"},
		{"unknown window", func(c *Config) { c.Window.Mode = "sliding" }, "window"},
		{"postgres without url", func(c *Config) {
			c.Memory.Enabled = true
			c.Memory.Backend = "postgres"
		}, "database_url"},
		{"unknown memory backend", func(c *Config) {
			c.Memory.Enabled = true
			c.Memory.Backend = "redis"
		}, "memory backend"},
		{"disabled memory ignores backend", func(c *Config) { c.Memory.Backend = "redis" }, ""},
		{"bad reap schedule", func(c *Config) { c.Session.ReapSchedule = "often" }, "cron schedule"},
		{"reaping off skips schedule", func(c *Config) {
			c.Session.IdleTTLMinutes = 0
			c.Session.ReapSchedule = "often"
		}, ""},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flow = "poker"
	cfg.Logging.Level = "loud"

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 2)
}

func TestApplyCredentialFallback(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY":    " sk-env ",
		"ANTHROPIC_API_KEY": "sk-ant-env",
		"GEMINI_API_KEY":    "gem-env",
	}
	getenv := func(k string) string { return env[k] }

	for provider, want := range map[string]string{
		"openai":    "sk-env",
		"anthropic": "sk-ant-env",
		"gemini":    "gem-env",
	} {
		cfg := DefaultConfig()
		cfg.AI.Provider = provider
		cfg.ApplyCredentialFallback(getenv)
		assert.Equal(t, want, cfg.AI.APIKey, provider)
	}

	cfg := DefaultConfig()
	cfg.AI.APIKey = "sk-file"
	cfg.ApplyCredentialFallback(getenv)
	assert.Equal(t, "sk-file", cfg.AI.APIKey, "configured key wins")
}

func TestConfigString_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.APIKey = "sk-verysecretkey123"
	cfg.Telegram.BotToken = "123456:ABCDEFGHIJK"

	out := cfg.String()
	assert.NotContains(t, out, "verysecretkey")
	assert.NotContains(t, out, "ABCDEFGHIJK")
	assert.True(t, strings.Contains(out, "sk-v****23"))
	assert.Equal(t, "sk-verysecretkey123", cfg.AI.APIKey, "original is untouched")
}

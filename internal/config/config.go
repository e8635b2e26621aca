package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Config represents the main tavern configuration
type Config struct {
	// Flow is chatbot or dungeon
	Flow string `json:"flow" mapstructure:"flow"`

	AI       AIConfig       `json:"ai" mapstructure:"ai"`
	Window   WindowConfig   `json:"window" mapstructure:"window"`
	Prompts  PromptsConfig  `json:"prompts" mapstructure:"prompts"`
	Memory   MemoryConfig   `json:"memory" mapstructure:"memory"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig selects the completion provider and model settings
type AIConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic, gemini
	// APIKey is the process-wide credential. Sessions may override it.
	APIKey         string  `json:"api_key" mapstructure:"api_key"`
	Model          string  `json:"model" mapstructure:"model"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int     `json:"max_tokens" mapstructure:"max_tokens"`
	BaseURL        string  `json:"base_url" mapstructure:"base_url"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// WindowConfig holds the memory window policy
type WindowConfig struct {
	Mode string `json:"mode" mapstructure:"mode"` // full, last_k
	K    int    `json:"k" mapstructure:"k"`
}

// PromptsConfig points at template overrides
type PromptsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// MemoryConfig holds the optional vector memory settings
type MemoryConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Backend        string `json:"backend" mapstructure:"backend"` // sqlite, postgres
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	DatabaseURL    string `json:"database_url" mapstructure:"database_url"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
	Limit          int    `json:"limit" mapstructure:"limit"`
}

// SessionConfig holds session persistence and reaping
type SessionConfig struct {
	JournalDir     string `json:"journal_dir" mapstructure:"journal_dir"`
	IdleTTLMinutes int    `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
	ReapSchedule   string `json:"reap_schedule" mapstructure:"reap_schedule"`
}

// ServerConfig holds chat server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Providers lists the supported completion providers.
var Providers = []string{"openai", "anthropic", "gemini"}

// credentialEnv maps a provider to its conventional API key variable.
var credentialEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Flow: "chatbot",
		AI: AIConfig{
			Provider:       "openai",
			Model:          "gpt-3.5-turbo",
			Temperature:    0.7,
			MaxTokens:      1024,
			TimeoutSeconds: 60,
		},
		Window: WindowConfig{
			Mode: "full",
		},
		Memory: MemoryConfig{
			Enabled:        false,
			Backend:        "sqlite",
			EmbeddingModel: "text-embedding-3-small",
			Limit:          3,
		},
		Session: SessionConfig{
			IdleTTLMinutes: 60,
			ReapSchedule:   "*/5 * * * *",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.APIKey = maskSecret(c.AI.APIKey)
	masked.Telegram.BotToken = maskSecret(c.Telegram.BotToken)
	masked.Memory.DatabaseURL = maskSecret(c.Memory.DatabaseURL)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

// CredentialEnvVar returns the environment variable consulted when
// ai.api_key is empty.
func (c *Config) CredentialEnvVar() string {
	return credentialEnv[strings.ToLower(c.AI.Provider)]
}

// ApplyCredentialFallback fills an empty ai.api_key from the provider's
// conventional environment variable.
func (c *Config) ApplyCredentialFallback(getenv func(string) string) {
	if c.AI.APIKey != "" {
		return
	}
	if name := c.CredentialEnvVar(); name != "" {
		c.AI.APIKey = strings.TrimSpace(getenv(name))
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

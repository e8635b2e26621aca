package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/tavern/pkg/window"
	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateFlow validates the conversation flow
func (v *Validator) ValidateFlow(flow string) error {
	switch strings.ToLower(flow) {
	case "", "chatbot", "dungeon":
		return nil
	}
	return fmt.Errorf("invalid flow: %s (must be one of: chatbot, dungeon)", flow)
}

// ValidateProvider validates a completion provider name
func (v *Validator) ValidateProvider(provider string) error {
	if provider == "" {
		return nil
	}
	for _, p := range Providers {
		if strings.EqualFold(provider, p) {
			return nil
		}
	}
	return fmt.Errorf("invalid provider %s (must be: %s)", provider, strings.Join(Providers, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSchedule validates a standard five-field cron expression
func (v *Validator) ValidateCronSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	add(v.ValidateFlow(cfg.Flow))
	add(v.ValidateProvider(cfg.AI.Provider))
	if cfg.AI.APIKey != "" {
		add(v.ValidateAPIKey(cfg.AI.APIKey, strings.ToLower(cfg.AI.Provider)))
	}
	add(v.ValidateTemperature(cfg.AI.Temperature))
	if cfg.AI.MaxTokens != 0 {
		add(v.ValidateMaxTokens(cfg.AI.MaxTokens))
	}
	if cfg.AI.TimeoutSeconds < 0 {
		add(fmt.Errorf("ai.timeout_seconds must be >= 0"))
	}

	if _, err := window.Parse(cfg.Window.Mode, cfg.Window.K); err != nil {
		add(fmt.Errorf("window: %w", err))
	}

	if cfg.Memory.Enabled {
		switch cfg.Memory.Backend {
		case "", "sqlite":
		case "postgres":
			if cfg.Memory.DatabaseURL == "" {
				add(fmt.Errorf("memory.database_url is required for the postgres backend"))
			}
		default:
			add(fmt.Errorf("invalid memory backend: %s (must be one of: sqlite, postgres)", cfg.Memory.Backend))
		}
		if cfg.Memory.Limit < 0 {
			add(fmt.Errorf("memory.limit must be >= 0"))
		}
	}

	if cfg.Session.IdleTTLMinutes < 0 {
		add(fmt.Errorf("session.idle_ttl_minutes must be >= 0"))
	}
	if cfg.Session.IdleTTLMinutes > 0 {
		add(v.ValidateCronSchedule(cfg.Session.ReapSchedule))
	}

	add(v.ValidatePort(cfg.Server.Port))

	if cfg.Telegram.Enabled {
		add(v.ValidateTelegramToken(cfg.Telegram.BotToken))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 {
		add(fmt.Errorf("logging.max_size and logging.max_age must be >= 0"))
	}

	return errors
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("valid anthropic key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-test123", "anthropic"))
	})

	t.Run("invalid anthropic key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("invalid-key", "anthropic"))
	})

	t.Run("valid openai key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
	})

	t.Run("invalid openai key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("invalid-key", "openai"))
	})

	t.Run("gemini keys are free-form", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("AIza-whatever", "gemini"))
	})

	t.Run("empty key", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("", "anthropic"))
	})
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdefGHIjklMNOpqrsTUVwxyz"))
	assert.Error(t, v.ValidateTelegramToken("invalid-token"))
	assert.Error(t, v.ValidateTelegramToken(""))
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	for _, temp := range []float64{0, 0.7, 1, 2} {
		assert.NoError(t, v.ValidateTemperature(temp))
	}
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.1))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(1024))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
}

func TestValidateCronSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronSchedule("*/5 * * * *"))
	assert.NoError(t, v.ValidateCronSchedule("@hourly"))
	assert.Error(t, v.ValidateCronSchedule("every five minutes"))
}

func TestValidateFlowAndProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateFlow("Dungeon"))
	assert.Error(t, v.ValidateFlow("poker"))
	assert.NoError(t, v.ValidateProvider("Gemini"))
	assert.Error(t, v.ValidateProvider("mistral"))
}

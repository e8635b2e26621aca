package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		in := strings.Repeat("\n", 8)
		var out bytes.Buffer

		cfg, err := NewWizardWithIO(strings.NewReader(in), &out).Run(nil)
		require.NoError(t, err)
		assert.Equal(t, "chatbot", cfg.Flow)
		assert.Equal(t, "openai", cfg.AI.Provider)
		assert.Empty(t, cfg.AI.APIKey)
		assert.False(t, cfg.Telegram.Enabled)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Contains(t, out.String(), "Configuration complete!")
	})

	t.Run("retries invalid answers", func(t *testing.T) {
		answers := []string{
			"poker",       // invalid flow
			"dungeon",     // flow
			"anthropic",   // provider
			"sk-wrong",    // invalid key
			"sk-ant-abc",  // key
			"",            // model default for anthropic
			"y",           // telegram
			"not-a-token", // invalid token
			"123:abc",     // token
			"99999",       // invalid port
			"9000",        // port
			"debug",       // log level
		}
		var out bytes.Buffer

		cfg, err := NewWizardWithIO(strings.NewReader(strings.Join(answers, "\n")+"\n"), &out).Run(nil)
		require.NoError(t, err)
		assert.Equal(t, "dungeon", cfg.Flow)
		assert.Equal(t, "anthropic", cfg.AI.Provider)
		assert.Equal(t, "sk-ant-abc", cfg.AI.APIKey)
		assert.Equal(t, "claude-3-5-haiku-latest", cfg.AI.Model)
		assert.True(t, cfg.Telegram.Enabled)
		assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 4, strings.Count(out.String(), "Error:"))
	})

	t.Run("eof aborts", func(t *testing.T) {
		_, err := NewWizardWithIO(strings.NewReader(""), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})
}

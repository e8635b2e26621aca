package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/tavern/internal/config"
	"github.com/harun/tavern/internal/logger"
	"github.com/harun/tavern/internal/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-3.5-turbo",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "Greetings, traveller."}
  }],
  "usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
}`

// createTestDaemon builds a daemon on a random port with Telegram disabled.
func createTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Port = 0
	cfg.AI.APIKey = "sk-test"
	cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.Close()

	assert.NotNil(t, d.Controller())
	assert.NotNil(t, d.Sessions())
	assert.NotNil(t, d.ChatServer())
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.memory)
	assert.Nil(t, d.watcher)
	assert.Equal(t, "chatbot", string(d.Controller().Flow()))
}

func TestNew_InvalidSettings(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	t.Run("flow", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Flow = "quiz"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("window", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Window.Mode = "sliding"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("prompt directory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Prompts.Dir = filepath.Join(t.TempDir(), "missing")
		_, err := New(cfg, log)
		assert.Error(t, err)
	})
}

func TestNew_OptionalModules(t *testing.T) {
	promptDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(promptDir, "chatbot.tmpl"), []byte("You are a bard."), 0o644))

	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Flow = "dungeon"
		cfg.Prompts.Dir = promptDir
		cfg.Prompts.Watch = true
		cfg.Memory.Enabled = true
		cfg.AI.Provider = "anthropic"
	})
	defer d.Close()

	assert.NotNil(t, d.watcher)
	assert.NotNil(t, d.memory)
	assert.Equal(t, "dungeon", string(d.Controller().Flow()))
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, nil)

	require.NoError(t, d.Start())
	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	_, err := os.Stat(d.lifecycle.PIDFile())
	require.NoError(t, err)

	assert.Error(t, d.Start(), "second start is rejected")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	_, err = os.Stat(d.lifecycle.PIDFile())
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(), "second stop is rejected")
}

func TestDaemonServesTurns(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion)
	}))
	defer upstream.Close()

	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.AI.BaseURL = upstream.URL + "/"
	})
	require.NoError(t, d.Start())
	defer d.Stop()

	base := "http://" + d.ChatServer().Addr()

	resp, err := http.Post(base+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	var created struct {
		View struct {
			SessionID string `json:"session_id"`
		} `json:"view"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created.View.SessionID)

	body, _ := json.Marshal(map[string]string{"text": "Hello there"})
	resp, err = http.Post(base+"/api/sessions/"+created.View.SessionID+"/turns", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turned struct {
		View struct {
			Turns []struct {
				Role string `json:"role"`
				Text string `json:"text"`
			} `json:"turns"`
		} `json:"view"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turned))
	require.Len(t, turned.View.Turns, 3)
	assert.Equal(t, "Greetings, traveller.", turned.View.Turns[2].Text)

	assert.Equal(t, 1, d.Status().Sessions)
}

func TestDaemonTelegramFailureRollsBack(t *testing.T) {
	orig := newTelegramBot
	newTelegramBot = func(telegram.Config) (*telegram.Bot, error) {
		return nil, errors.New("unauthorized")
	}
	defer func() { newTelegramBot = orig }()

	d := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Telegram.Enabled = true
		cfg.Telegram.BotToken = "123456789:token"
	})
	defer d.Close()

	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.False(t, d.Status().Running)

	_, statErr := os.Stat(d.lifecycle.PIDFile())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDaemonWait(t *testing.T) {
	d := createTestDaemon(t, nil)
	require.NoError(t, d.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, d.Wait(ctx))
	assert.False(t, d.Status().Running)
}

package cli

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/harun/tavern/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without a PID file", func(t *testing.T) {
		path, _ := writeConfig(t, nil)
		out, err := execute(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running with a live PID", func(t *testing.T) {
		// Port 1 has no listener, so the health probe is skipped.
		path, dataDir := writeConfig(t, map[string]interface{}{
			"server": map[string]interface{}{"host": "127.0.0.1", "port": 1},
		})
		require.NoError(t, os.MkdirAll(dataDir, 0o755))
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o644))

		out, err := execute(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.NotContains(t, out, "Sessions:")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

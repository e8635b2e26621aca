package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.Close()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.config.DataDir, "tavern.pid"), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.Close()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerStalePIDFile(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.Close()
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("999999999"), 0o644))
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(dir, "none.pid"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
		_, err := ReadPID(path)
		assert.Error(t, err)
	})

	t.Run("trailing newline", func(t *testing.T) {
		path := filepath.Join(dir, "ok.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(42)+"\n"), 0o644))
		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 42, pid)
	})
}

func TestProcessRunning(t *testing.T) {
	assert.True(t, ProcessRunning(os.Getpid()))
	assert.False(t, ProcessRunning(0))
	assert.False(t, ProcessRunning(999999999))
}

//go:build unix

package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitContextExitCode(t *testing.T) {
	h, err := Spawn(Spec{Command: []string{"sh", "-c", "exit 7"}})
	require.NoError(t, err)
	code, err := h.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestWaitContextZeroExit(t *testing.T) {
	h, err := Spawn(Spec{Command: []string{"true"}})
	require.NoError(t, err)
	code, err := h.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestSpawnEmptyCommand(t *testing.T) {
	_, err := Spawn(Spec{})
	require.Error(t, err)
}

func TestSpawnNonexistentCommand(t *testing.T) {
	_, err := Spawn(Spec{Command: []string{"/nonexistent/definitely-not-here"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting")
}

func TestWaitReportsSignalExit(t *testing.T) {
	h, err := Spawn(Spec{Command: []string{"sh", "-c", "kill -TERM $$"}})
	require.NoError(t, err)
	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 143, code) // 128 + SIGTERM
}

func TestTerminateIdempotent(t *testing.T) {
	h, err := Spawn(Spec{Command: []string{"sleep", "30"}, Grace: time.Second})
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	h.Terminate()
	assert.True(t, h.Exited())

	// A second invocation must be a no-op: no panic, no block.
	done := make(chan struct{})
	go func() {
		h.Terminate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Terminate blocked")
	}

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 143, code)
}

func TestTerminateAfterExit(t *testing.T) {
	h, err := Spawn(Spec{Command: []string{"true"}})
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	// Terminating an already-reaped child must not raise.
	h.Terminate()
}

func TestWaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	h, err := Spawn(Spec{Command: []string{"sleep", "30"}, Grace: time.Second})
	require.NoError(t, err)

	start := time.Now()
	code, err := h.WaitContext(ctx)
	assert.Equal(t, 130, code)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestEnvIsSnapshotAtSpawn(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()

	h, err := Spawn(Spec{
		Command: []string{"sh", "-c", `printf '%s' "$FOO"`},
		Env:     []string{"PATH=/usr/bin:/bin", "FOO=bar"},
		Stdout:  f,
	})
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "bar", string(data))
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	// The child forks a grandchild; killing the group must take both.
	h, err := Spawn(Spec{
		Command: []string{"sh", "-c", "sleep 30 & wait"},
		Grace:   2 * time.Second,
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	h.Terminate()
	assert.True(t, h.Exited())
}

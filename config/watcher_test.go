package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch rewrites a file and pushes its mtime forward so coarse filesystem
// timestamps still register as a change.
func touch(t *testing.T, path, content string, offset time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ts := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

type eventLog struct {
	mu     sync.Mutex
	events []FileEvent
}

func (l *eventLog) add(e FileEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []FileEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FileEvent(nil), l.events...)
}

func fastWatcher(t *testing.T, paths ...string) (*FileWatcher, *eventLog) {
	t.Helper()
	w, err := NewFileWatcher(paths, WithPollInterval(10*time.Millisecond), WithDebounceDelay(30*time.Millisecond))
	require.NoError(t, err)
	var log eventLog
	w.OnChange(log.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w, &log
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	require.NoError(t, os.WriteFile(f, []byte("agent: {}"), 0o644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_MissingPathAllowed(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "later.yaml")})
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestFileWatcher_Lifecycle(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	require.NoError(t, os.WriteFile(f, []byte("a"), 0o644))

	w, err := NewFileWatcher([]string{f}, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	touch(t, f, "v1", -time.Hour)

	_, log := fastWatcher(t, f)
	touch(t, f, "v2", 0)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	evt := log.snapshot()[0]
	assert.Equal(t, f, evt.Path)
	assert.Equal(t, FileOpWrite, evt.Op)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	_, log := fastWatcher(t, f)

	touch(t, f, "v1", 0)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpCreate, log.snapshot()[0].Op)

	require.NoError(t, os.Remove(f))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, FileOpRemove, log.snapshot()[1].Op)
}

func TestFileWatcher_DebounceCoalesces(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	touch(t, f, "v0", -time.Hour)

	w, err := NewFileWatcher([]string{f}, WithPollInterval(10*time.Millisecond), WithDebounceDelay(300*time.Millisecond))
	require.NoError(t, err)
	var log eventLog
	w.OnChange(log.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	for i := 1; i <= 3; i++ {
		touch(t, f, "v", time.Duration(i)*time.Second)
		time.Sleep(30 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(log.snapshot()) >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(log.snapshot()) > 1 }, 400*time.Millisecond, 20*time.Millisecond)
}

func TestFileWatcher_StopsOnContextCancel(t *testing.T) {
	f := filepath.Join(t.TempDir(), "holonflow.yaml")
	touch(t, f, "v1", -time.Hour)

	w, err := NewFileWatcher([]string{f}, WithPollInterval(10*time.Millisecond), WithDebounceDelay(0))
	require.NoError(t, err)
	var log eventLog
	w.OnChange(log.add)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	time.Sleep(50 * time.Millisecond)

	touch(t, f, "v2", 0)
	assert.Never(t, func() bool { return len(log.snapshot()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, w.Stop())
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}

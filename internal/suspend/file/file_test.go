package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfeed/internal/config"
	"docfeed/internal/suspend"
)

func waitFor(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed")
			if v == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %v not observed", want)
		}
	}
}

func TestMarker_SuspendedWhileFileExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "suspend")
	m, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()

	on, err := m.Suspended(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	on, err = m.Suspended(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestMarker_WatchPushesCreateAndRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "suspend")
	m, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.Watch(ctx)
	require.NoError(t, err)
	waitFor(t, ch, false)

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), nil, 0o644))

	require.NoError(t, os.WriteFile(path, []byte("maintenance"), 0o644))
	waitFor(t, ch, true)

	require.NoError(t, os.Remove(path))
	waitFor(t, ch, false)
}

func TestRegistryAndValidation(t *testing.T) {
	t.Parallel()

	_, err := New("")
	assert.ErrorContains(t, err, "path is required")

	st, err := suspend.New(context.Background(), "file", config.Options{"path": filepath.Join(t.TempDir(), "x")})
	require.NoError(t, err)
	_, ok := st.(suspend.Watcher)
	assert.True(t, ok)
}

package tui

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchNotifiesOnReplace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "run-1.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notified := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func() { notified <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	for attempt := 0; ; attempt++ {
		tmp := filepath.Join(dir, "run-1.json.tmp")
		require.NoError(t, os.WriteFile(tmp, []byte(`{"n":1}`), 0o644))
		require.NoError(t, os.Rename(tmp, path))
		select {
		case <-notified:
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification for state file replacement")
		}
	}
}

func TestWatchRequiresPath(t *testing.T) {
	t.Parallel()

	require.Error(t, Watch(context.Background(), "", func() {}))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutReachesEveryWatcher(t *testing.T) {
	backend := NewMemoryBackend()
	_, err := backend.Put(context.Background(), "guilds", "1", map[string]any{"n": 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchers := make([]chan Change, 3)
	for i := range watchers {
		changes := make(chan Change, 4)
		watchers[i] = changes
		go func() {
			_ = backend.Watch(ctx, "guilds", func(c Change) { changes <- c })
		}()
		// the snapshot arrives once the watcher is registered
		select {
		case c := <-changes:
			require.Equal(t, ChangeAdded, c.Kind)
		case <-time.After(time.Second):
			t.Fatal("watcher did not start")
		}
	}

	canceled, cancelPut := context.WithCancel(context.Background())
	cancelPut()
	_, err = backend.Put(canceled, "guilds", "1", map[string]any{"n": 2})
	require.NoError(t, err)

	for _, changes := range watchers {
		select {
		case c := <-changes:
			assert.Equal(t, ChangeModified, c.Kind)
			assert.Equal(t, 2, Int(c.Record.Fields, "n"))
		case <-time.After(time.Second):
			t.Fatal("watcher missed the change")
		}
	}
}

func TestMemoryPutSkipsStoppedWatcher(t *testing.T) {
	backend := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- backend.Watch(ctx, "guilds", func(Change) {})
	}()
	require.Eventually(t, func() bool {
		backend.mu.RLock()
		defer backend.mu.RUnlock()
		return len(backend.watchers["guilds"]) > 0
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := backend.Put(context.Background(), "guilds", "1", map[string]any{"n": 1})
	assert.NoError(t, err)
}

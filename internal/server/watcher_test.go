package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/tenx"
)

func TestWatcherPublishesEditableChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.txt"), []byte("o"), 0o644))

	cfg := config.Default(root)
	cfg.SessionDir = t.TempDir()
	bus := event.NewBus()
	defer bus.Close()
	tx := tenx.New(cfg, tenx.WithBus(bus), tenx.WithChecks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := tx.NewSession(ctx)
	require.NoError(t, err)
	_, err = tx.Edit(sess, "a.txt")
	require.NoError(t, err)
	require.NoError(t, tx.SaveSession(ctx, sess))

	var (
		mu      sync.Mutex
		changed []event.FileChangedData
	)
	bus.Subscribe(event.FileChanged, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, e.Data.(event.FileChangedData))
	})

	w, err := NewWatcher(tx)
	require.NoError(t, err)
	require.NoError(t, w.Sync(ctx))
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "other.txt"), []byte("oo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aa"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range changed {
		assert.Equal(t, "a.txt", c.Path)
	}
}

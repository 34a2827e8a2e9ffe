package server

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/tenx"
)

// Watcher publishes file.changed for writes to the session's editable
// files. It watches their parent directories and re-reads the editable set
// whenever a step completes.
type Watcher struct {
	tx      *tenx.Tenx
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]string // absolute path -> root-relative path
	dirs  map[string]bool
}

// NewWatcher creates a watcher for the editables of tx's session.
func NewWatcher(tx *tenx.Tenx) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		tx:      tx,
		watcher: fw,
		files:   make(map[string]string),
		dirs:    make(map[string]bool),
	}, nil
}

// Sync reloads the editable set from the stored session.
func (w *Watcher) Sync(ctx context.Context) error {
	sess, err := w.tx.LoadSession(ctx)
	if err != nil {
		return err
	}
	abs, err := sess.AbsEditables(w.tx.Config())
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.files = make(map[string]string, len(abs))
	for i, path := range abs {
		w.files[filepath.Clean(path)] = sess.Editables[i]
		dir := filepath.Dir(path)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory")
			continue
		}
		w.dirs[dir] = true
	}
	return nil
}

// Run watches until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.Sync(ctx); err != nil {
		logging.Debug().Err(err).Msg("watcher has no session yet")
	}
	bus := w.tx.Bus()
	resync := func(event.Event) {
		if err := w.Sync(ctx); err != nil {
			logging.Debug().Err(err).Msg("watcher sync failed")
		}
	}
	defer bus.Subscribe(event.StepCompleted, resync)()
	defer bus.Subscribe(event.SessionReset, resync)()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			rel, watched := w.files[filepath.Clean(ev.Name)]
			w.mu.Unlock()
			if !watched {
				continue
			}
			bus.Publish(event.Event{Type: event.FileChanged, Data: event.FileChangedData{Path: rel, Op: ev.Op.String()}})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("file watcher error")
		}
	}
}

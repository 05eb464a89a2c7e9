// Package onsave watches a notebook's local page files for edits and
// triggers sync a short debounce window after the last change, the local
// half of SyncModeOnSave. It is the same fsnotify-plus-debounce shape the
// app's vault watcher uses, generalized from one vault to one notebook
// directory and retargeted at the sync engine instead of a Notion push.
package onsave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

// Syncer is the subset of syncmanager.Manager the watcher drives. Kept
// narrow so tests can supply a fake instead of a full Manager.
type Syncer interface {
	QueuePageUpdate(notebookID, pageID string) error
	SyncNotebook(ctx context.Context, notebookID string) (syncmanager.SyncResult, error)
}

// Watcher watches one notebook's pages directory and triggers a debounced
// sync after edits settle.
type Watcher struct {
	notebookID string
	pagesDir   string
	syncer     Syncer
	debounce   time.Duration

	onError func(error)

	pendingMu sync.Mutex
	pending   map[string]time.Time

	done chan struct{}
}

// New constructs a Watcher for notebookID's pages directory. debounce
// collapses repeated saves of the same page into a single sync
// (ONSAVE_DEBOUNCE_SECS); a non-positive value defaults to 5s.
func New(notebookID, pagesDir string, syncer Syncer, debounce time.Duration, onError func(error)) *Watcher {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		notebookID: notebookID,
		pagesDir:   pagesDir,
		syncer:     syncer,
		debounce:   debounce,
		onError:    onError,
		pending:    make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

// Run watches until ctx is cancelled. It blocks; call it from a goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := os.MkdirAll(w.pagesDir, 0o755); err != nil {
		return fmt.Errorf("ensure pages dir: %w", err)
	}
	if err := fsWatcher.Add(w.pagesDir); err != nil {
		return fmt.Errorf("watch pages dir: %w", err)
	}

	tickInterval := w.debounce / 2
	if tickInterval > 250*time.Millisecond {
		tickInterval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed unexpectedly")
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.onError(err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Done is closed once Run's event loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	pageID := strings.TrimSuffix(name, ".json")

	w.pendingMu.Lock()
	w.pending[pageID] = time.Now()
	w.pendingMu.Unlock()
}

// flush queues every page whose debounce window has elapsed and, if
// anything was queued, runs one notebook sync covering them all.
func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	now := time.Now()
	var ready []string
	for pageID, changedAt := range w.pending {
		if now.Sub(changedAt) >= w.debounce {
			ready = append(ready, pageID)
		}
	}
	for _, pageID := range ready {
		delete(w.pending, pageID)
	}
	w.pendingMu.Unlock()

	if len(ready) == 0 {
		return
	}
	for _, pageID := range ready {
		if err := w.syncer.QueuePageUpdate(w.notebookID, pageID); err != nil {
			w.onError(fmt.Errorf("queue page %s: %w", pageID, err))
		}
	}
	if _, err := w.syncer.SyncNotebook(ctx, w.notebookID); err != nil {
		w.onError(fmt.Errorf("sync notebook %s: %w", w.notebookID, err))
	}
}

// PagesDirFor returns the conventional local pages directory for a notebook,
// used by callers that only have the notebook's data directory on hand.
func PagesDirFor(dataDir, notebookID string) string {
	return filepath.Join(dataDir, "notebooks", notebookID, "pages")
}

// ShouldWatch reports whether a notebook's sync mode calls for an on-save
// watcher at all, so a caller can skip spinning one up for manual/interval
// notebooks.
func ShouldWatch(n *model.Notebook) bool {
	return n.SyncConfig != nil && n.SyncConfig.Enabled && n.SyncConfig.SyncMode == model.SyncModeOnSave
}

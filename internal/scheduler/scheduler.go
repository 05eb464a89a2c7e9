// Package scheduler runs periodic per-library sync the way the app's vault
// watcher runs its Notion poll ticker (§4.11): one ticker per library,
// short-circuited by a sentinel check so an idle library costs one HEAD
// request instead of a full sync.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

// Syncer is the subset of syncmanager.Manager the scheduler drives.
type Syncer interface {
	SyncLibrary(ctx context.Context, libraryID string) (syncmanager.SyncResult, error)
	CheckSentinelForLibrary(ctx context.Context, n *model.Notebook) (bool, error)
}

// NotebookLister resolves one representative notebook per library, used
// only to read the library's sentinel before committing to a full sync.
type NotebookLister interface {
	RepresentativeNotebook(ctx context.Context, libraryID string) (*model.Notebook, error)
}

// Library is one scheduled library: its id and its configured interval.
type Library struct {
	ID       string
	Interval time.Duration
}

// Scheduler runs one ticker per configured library and triggers SyncLibrary
// on each tick, skipping the sync when the library's sentinel is unchanged.
type Scheduler struct {
	syncer  Syncer
	lister  NotebookLister
	onError func(libraryID string, err error)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler. onError is invoked for every failed sync or
// sentinel check; it may be nil.
func New(syncer Syncer, lister NotebookLister, onError func(libraryID string, err error)) *Scheduler {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Scheduler{
		syncer:  syncer,
		lister:  lister,
		onError: onError,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins ticking for every library, each on its own goroutine. It
// does not block; call Stop (or cancel ctx) to shut every ticker down.
func (s *Scheduler) Start(ctx context.Context, libraries []Library) {
	for _, lib := range libraries {
		s.startOne(ctx, lib)
	}
}

// StartLibrary begins ticking for a single library on top of an already
// running Scheduler, replacing any ticker already running for that id.
func (s *Scheduler) StartLibrary(ctx context.Context, lib Library) {
	s.StopLibrary(lib.ID)
	s.startOne(ctx, lib)
}

func (s *Scheduler) startOne(ctx context.Context, lib Library) {
	if lib.Interval <= 0 {
		return
	}
	libCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels[lib.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(libCtx, lib)
	}()
}

func (s *Scheduler) run(ctx context.Context, lib Library) {
	ticker := time.NewTicker(lib.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, lib.ID)
		}
	}
}

// tick runs one scheduled pass for a library: check the sentinel, and run a
// full SyncLibrary only if it has moved (or cannot be checked).
func (s *Scheduler) tick(ctx context.Context, libraryID string) {
	changed, err := s.needsSync(ctx, libraryID)
	if err != nil {
		s.onError(libraryID, fmt.Errorf("check sentinel: %w", err))
		// Fall through and sync anyway: a broken sentinel check must never
		// permanently wedge a library out of sync.
		changed = true
	}
	if !changed {
		return
	}
	if _, err := s.syncer.SyncLibrary(ctx, libraryID); err != nil {
		s.onError(libraryID, fmt.Errorf("sync library: %w", err))
	}
}

func (s *Scheduler) needsSync(ctx context.Context, libraryID string) (bool, error) {
	n, err := s.lister.RepresentativeNotebook(ctx, libraryID)
	if err != nil {
		return true, err
	}
	if n == nil {
		return true, nil
	}
	return s.syncer.CheckSentinelForLibrary(ctx, n)
}

// StopLibrary cancels a single library's ticker, if one is running.
func (s *Scheduler) StopLibrary(libraryID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[libraryID]
	delete(s.cancels, libraryID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every running ticker and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

type fakeSyncer struct {
	mu          sync.Mutex
	syncs       int
	sentinel    bool
	sentinelErr error
	syncErr     error
}

func (f *fakeSyncer) SyncLibrary(ctx context.Context, libraryID string) (syncmanager.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return syncmanager.SyncResult{}, f.syncErr
}

func (f *fakeSyncer) CheckSentinelForLibrary(ctx context.Context, n *model.Notebook) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentinel, f.sentinelErr
}

func (f *fakeSyncer) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

type fakeLister struct {
	notebook *model.Notebook
	err      error
}

func (f *fakeLister) RepresentativeNotebook(ctx context.Context, libraryID string) (*model.Notebook, error) {
	return f.notebook, f.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestTickSkipsSyncWhenSentinelUnchanged(t *testing.T) {
	syncer := &fakeSyncer{sentinel: false}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	s := New(syncer, lister, nil)

	s.tick(context.Background(), "lib1")

	if got := syncer.syncCount(); got != 0 {
		t.Fatalf("expected no sync when sentinel is unchanged, got %d syncs", got)
	}
}

func TestTickRunsSyncWhenSentinelChanged(t *testing.T) {
	syncer := &fakeSyncer{sentinel: true}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	s := New(syncer, lister, nil)

	s.tick(context.Background(), "lib1")

	if got := syncer.syncCount(); got != 1 {
		t.Fatalf("expected one sync when sentinel changed, got %d", got)
	}
}

func TestTickSyncsAnywayWhenSentinelCheckFails(t *testing.T) {
	syncer := &fakeSyncer{sentinelErr: context.DeadlineExceeded}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	var errs []error
	s := New(syncer, lister, func(libraryID string, err error) {
		errs = append(errs, err)
	})

	s.tick(context.Background(), "lib1")

	if got := syncer.syncCount(); got != 1 {
		t.Fatalf("expected a sentinel-check failure to still trigger a sync, got %d syncs", got)
	}
	if len(errs) != 1 {
		t.Fatalf("expected the sentinel check failure to be reported, got %v", errs)
	}
}

func TestTickTreatsNoRepresentativeNotebookAsNeedsSync(t *testing.T) {
	syncer := &fakeSyncer{sentinel: false}
	lister := &fakeLister{notebook: nil}
	s := New(syncer, lister, nil)

	s.tick(context.Background(), "lib1")

	if got := syncer.syncCount(); got != 1 {
		t.Fatalf("expected a library with no notebooks yet to sync unconditionally, got %d", got)
	}
}

func TestStartTicksRepeatedlyUntilStopped(t *testing.T) {
	syncer := &fakeSyncer{sentinel: true}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	s := New(syncer, lister, nil)

	ctx := context.Background()
	s.Start(ctx, []Library{{ID: "lib1", Interval: 20 * time.Millisecond}})
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return syncer.syncCount() >= 2 })
}

func TestStopLibraryStopsItsTicker(t *testing.T) {
	syncer := &fakeSyncer{sentinel: true}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	s := New(syncer, lister, nil)

	ctx := context.Background()
	s.Start(ctx, []Library{{ID: "lib1", Interval: 15 * time.Millisecond}})
	waitFor(t, 2*time.Second, func() bool { return syncer.syncCount() >= 1 })

	s.StopLibrary("lib1")
	after := syncer.syncCount()
	time.Sleep(100 * time.Millisecond)
	if got := syncer.syncCount(); got > after+1 {
		// allow at most one in-flight tick to land after StopLibrary is called
		t.Fatalf("expected ticking to stop, syncs grew from %d to %d", after, got)
	}
}

func TestStartSkipsNonPositiveInterval(t *testing.T) {
	syncer := &fakeSyncer{sentinel: true}
	lister := &fakeLister{notebook: &model.Notebook{ID: "nb1"}}
	s := New(syncer, lister, nil)

	s.Start(context.Background(), []Library{{ID: "lib1", Interval: 0}})
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := syncer.syncCount(); got != 0 {
		t.Fatalf("expected a zero interval to never tick, got %d syncs", got)
	}
}

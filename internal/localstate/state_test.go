package localstate

import (
	"testing"
	"time"
)

func TestPageNeedsSyncWhenNeverSeen(t *testing.T) {
	s := NewStore(t.TempDir())
	if !s.PageNeedsSync("nb1", "p1") {
		t.Fatalf("expected never-synced page to need sync")
	}
}

func TestMarkPageSyncedClearsDirty(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.MarkPageModified("nb1", "p1"); err != nil {
		t.Fatalf("MarkPageModified: %v", err)
	}
	if !s.PageNeedsSync("nb1", "p1") {
		t.Fatalf("expected dirty page to need sync")
	}
	if err := s.MarkPageSynced("nb1", "p1", "etag-1", map[string]uint64{"c1": 3}); err != nil {
		t.Fatalf("MarkPageSynced: %v", err)
	}
	if s.PageNeedsSync("nb1", "p1") {
		t.Fatalf("expected synced page to not need sync")
	}
	ps := s.PageState("nb1", "p1")
	if ps.RemoteETag != "etag-1" || ps.SyncedStateVector["c1"] != 3 {
		t.Fatalf("unexpected page state: %+v", ps)
	}
}

func TestStatePersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := NewStore(dir)
	if err := s1.MarkPageSynced("nb1", "p1", "etag-2", nil); err != nil {
		t.Fatalf("MarkPageSynced: %v", err)
	}

	s2 := NewStore(dir)
	ps := s2.PageState("nb1", "p1")
	if ps.RemoteETag != "etag-2" {
		t.Fatalf("expected state to survive reload, got %+v", ps)
	}
}

func TestAssetNeedsPush(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now()
	if !s.AssetNeedsPush("nb1", "img.png", 100, now) {
		t.Fatalf("expected unseen asset to need push")
	}
	if err := s.MarkAssetSynced("nb1", "img.png", "etag", "hash", 100, now); err != nil {
		t.Fatalf("MarkAssetSynced: %v", err)
	}
	if s.AssetNeedsPush("nb1", "img.png", 100, now) {
		t.Fatalf("expected unchanged asset to not need push")
	}
	if !s.AssetNeedsPush("nb1", "img.png", 200, now) {
		t.Fatalf("expected size change to require push")
	}
}

func TestClearRemoteETag(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.MarkPageSynced("nb1", "p1", "stale", nil); err != nil {
		t.Fatalf("MarkPageSynced: %v", err)
	}
	if err := s.ClearRemoteETag("nb1", "p1"); err != nil {
		t.Fatalf("ClearRemoteETag: %v", err)
	}
	if s.PageState("nb1", "p1").RemoteETag != "" {
		t.Fatalf("expected cleared etag")
	}
}

func TestRecentMergesTracksAndTrims(t *testing.T) {
	s := NewStore(t.TempDir())
	if len(s.RecentMerges("nb1")) != 0 {
		t.Fatalf("expected no merges recorded yet")
	}
	for i := 0; i < maxRecentMerges+5; i++ {
		if err := s.RecordMerge("nb1", "p1"); err != nil {
			t.Fatalf("RecordMerge: %v", err)
		}
	}
	merges := s.RecentMerges("nb1")
	if len(merges) != maxRecentMerges {
		t.Fatalf("expected log capped at %d, got %d", maxRecentMerges, len(merges))
	}
}

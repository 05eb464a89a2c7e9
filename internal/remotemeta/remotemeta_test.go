package remotemeta

import "testing"

func TestChangelogHasGapOnFirstSync(t *testing.T) {
	c := NewChangelog()
	if !c.HasGap(0) {
		t.Fatalf("expected gap on first sync (lastSeq=0)")
	}
}

func TestChangelogEntriesSinceExcludesOwnClient(t *testing.T) {
	c := NewChangelog()
	c.Append("client-a", OpUpdated, "p1")
	c.Append("client-b", OpUpdated, "p2")
	c.Append("client-a", OpDeleted, "p3")

	entries := c.EntriesSince(0, "client-a")
	if len(entries) != 1 || entries[0].PageID != "p2" {
		t.Fatalf("expected only client-b's entry, got %+v", entries)
	}
}

func TestChangelogCompactionPreservesOrder(t *testing.T) {
	c := NewChangelog()
	for i := 0; i < changelogCompactionHighWaterMark+50; i++ {
		c.Append("client-a", OpUpdated, "p")
	}
	if len(c.Entries) != changelogCompactionHighWaterMark {
		t.Fatalf("expected compaction to trim to high-water mark, got %d", len(c.Entries))
	}
	for i := 1; i < len(c.Entries); i++ {
		if c.Entries[i].Seq <= c.Entries[i-1].Seq {
			t.Fatalf("entries not strictly increasing after compaction at index %d", i)
		}
	}
}

func TestChangelogHasGapAfterCompactionPastLastSeq(t *testing.T) {
	c := NewChangelog()
	for i := 0; i < changelogCompactionHighWaterMark+50; i++ {
		c.Append("client-a", OpUpdated, "p")
	}
	if !c.HasGap(1) {
		t.Fatalf("expected gap once compaction has dropped entry seq=1")
	}
}

func TestManifestBumpIncreasesVersionMonotonically(t *testing.T) {
	m := NewManifest()
	v0 := m.Version
	m.Bump("client-a", "p1", PageManifestEntry{ETag: "e1"})
	if m.Version <= v0 {
		t.Fatalf("expected version to increase, got %d -> %d", v0, m.Version)
	}
	m.Bump("client-b", "p1", PageManifestEntry{ETag: "e2"})
	if m.Pages["p1"].ETag != "e2" {
		t.Fatalf("expected last writer's entry to win, got %+v", m.Pages["p1"])
	}
}

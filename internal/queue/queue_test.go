package queue

import (
	"path/filepath"
	"testing"
)

func TestPushAndDrainNotebookIsFIFO(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "sync_queue.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.PushPageUpdate("nb1", "p1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.PushPageUpdate("nb2", "p2"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.PushPageDelete("nb1", "p3"); err != nil {
		t.Fatalf("push: %v", err)
	}

	items, err := q.DrainNotebook("nb1")
	if err != nil {
		t.Fatalf("DrainNotebook: %v", err)
	}
	if len(items) != 2 || items[0].PageID != "p1" || items[1].PageID != "p3" {
		t.Fatalf("unexpected drained items: %+v", items)
	}

	remaining := q.Items()
	if len(remaining) != 1 || remaining[0].NotebookID != "nb2" {
		t.Fatalf("expected only nb2's item to remain, got %+v", remaining)
	}
}

func TestQueuePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_queue.json")
	q1, _ := Open(path)
	if err := q1.PushStructureUpdate("nb1"); err != nil {
		t.Fatalf("push: %v", err)
	}

	q2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(q2.Items()) != 1 {
		t.Fatalf("expected queue to survive reopen")
	}
}

func TestClearRemovesAllItemsForNotebook(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "sync_queue.json"))
	_ = q.PushPageUpdate("nb1", "p1")
	_ = q.PushPageUpdate("nb1", "p2")
	if err := q.Clear("nb1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(q.Items()) != 0 {
		t.Fatalf("expected queue to be empty after Clear")
	}
}

// Package queue implements SyncQueue, a durable FIFO of pending local
// operations waiting to be folded into the next sync: a page was edited or
// deleted, or a notebook's folder/section structure changed. The queue
// exists so an on-save trigger or a crash between edit and sync never loses
// track of what still needs pushing.
package queue

import (
	"os"
	"sync"
	"time"

	"github.com/nous-app/notebook-sync/internal/atomicfile"
)

// Kind identifies the operation a queued Item represents.
type Kind string

const (
	KindPageUpdate      Kind = "page_update"
	KindPageDelete      Kind = "page_delete"
	KindStructureUpdate Kind = "structure_update"
)

// Item is one pending operation.
type Item struct {
	Kind       Kind      `json:"kind"`
	NotebookID string    `json:"notebook_id"`
	PageID     string    `json:"page_id,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
}

// document is the on-disk shape of sync_queue.json.
type document struct {
	Items []Item `json:"items"`
}

// Queue is the process-wide durable FIFO, persisted as a single file at
// <data_dir>/sync_queue.json (§6.3).
type Queue struct {
	path string

	mu   sync.Mutex
	doc  document
}

// Open loads (or initializes) the queue at path.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path}
	if err := atomicfile.ReadJSON(path, &q.doc); err != nil && !os.IsNotExist(err) {
		// Malformed queue file: start empty rather than fail startup.
		q.doc = document{}
	}
	return q, nil
}

// Push appends an item and persists the queue.
func (q *Queue) Push(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.QueuedAt = time.Now()
	q.doc.Items = append(q.doc.Items, item)
	return q.flush()
}

// PushPageUpdate enqueues a page-update operation for notebookID/pageID.
func (q *Queue) PushPageUpdate(notebookID, pageID string) error {
	return q.Push(Item{Kind: KindPageUpdate, NotebookID: notebookID, PageID: pageID})
}

// PushPageDelete enqueues a page-delete operation.
func (q *Queue) PushPageDelete(notebookID, pageID string) error {
	return q.Push(Item{Kind: KindPageDelete, NotebookID: notebookID, PageID: pageID})
}

// PushStructureUpdate enqueues a folders/sections structure-update operation.
func (q *Queue) PushStructureUpdate(notebookID string) error {
	return q.Push(Item{Kind: KindStructureUpdate, NotebookID: notebookID})
}

// Items returns a snapshot of all pending items.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.doc.Items))
	copy(out, q.doc.Items)
	return out
}

// DrainNotebook removes and returns every queued item for notebookID, in
// FIFO order, persisting the queue with those items removed. This is the
// call a notebook sync makes right before planning its page-sync set, so
// queued operations land in the same sync that picks them up.
func (q *Queue) DrainNotebook(notebookID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained, remaining []Item
	for _, it := range q.doc.Items {
		if it.NotebookID == notebookID {
			drained = append(drained, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.doc.Items = remaining
	if err := q.flush(); err != nil {
		return nil, err
	}
	return drained, nil
}

// Clear removes every queued item for notebookID without returning them,
// used by disable_sync (§4.9).
func (q *Queue) Clear(notebookID string) error {
	_, err := q.DrainNotebook(notebookID)
	return err
}

func (q *Queue) flush() error {
	return atomicfile.WriteJSON(q.path, q.doc, 0o644)
}

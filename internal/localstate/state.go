// Package localstate tracks, per notebook, what this client last knew about
// the remote copy of each page and asset: the ETag it last saw, the CRDT
// state-vector it last synced to, and dirty flags for entities with local
// edits not yet pushed. It is the client's half of the optimistic-concurrency
// picture; the other half (the manifest) lives on the server.
package localstate

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nous-app/notebook-sync/internal/atomicfile"
)

// PageState is what this client remembers about one page's last sync.
type PageState struct {
	Dirty           bool      `json:"dirty"`
	NeverSynced     bool      `json:"never_synced"`
	RemoteETag      string    `json:"remote_etag,omitempty"`
	SyncedStateVector map[string]uint64 `json:"synced_state_vector,omitempty"`
	LastSyncedAt    time.Time `json:"last_synced_at,omitempty"`
}

// AssetState is what this client remembers about one asset's last sync.
type AssetState struct {
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	RemoteETag   string    `json:"remote_etag,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// MergeEvent records a page whose sync hit both-sides-dirty and was
// resolved by the CRDT's deterministic merge rather than surfaced to a
// user (§4.5, §8 property 2: "no human-in-the-loop conflict resolution").
type MergeEvent struct {
	PageID   string    `json:"page_id"`
	MergedAt time.Time `json:"merged_at"`
}

// maxRecentMerges bounds the per-notebook merge log so it stays a quick
// status-report tail, not an unbounded audit trail.
const maxRecentMerges = 50

// Record is the durable, per-notebook sync-state document.
type Record struct {
	NotebookID       string                 `json:"notebook_id"`
	LastChangelogSeq uint64                 `json:"last_changelog_seq"`
	SentinelETag     string                 `json:"sentinel_etag,omitempty"`
	Pages            map[string]*PageState  `json:"pages"`
	Assets           map[string]*AssetState `json:"assets"`
	RecentMerges     []MergeEvent           `json:"recent_merges,omitempty"`
}

func newRecord(notebookID string) *Record {
	return &Record{
		NotebookID: notebookID,
		Pages:      make(map[string]*PageState),
		Assets:     make(map[string]*AssetState),
	}
}

// Store is the in-memory cache of Records, guarded by a mutex and flushed to
// disk on every mutating call, per §4.3's "manager holds an in-memory cache
// guarded by a mutex and flushes on every mark_* call".
type Store struct {
	dir string // base directory; records live under <dir>/notebooks/<nb_id>/sync

	mu      sync.Mutex
	records map[string]*Record
}

// NewStore creates a Store rooted under baseDir, the data directory
// containing the notebooks/ tree (§6.3).
func NewStore(baseDir string) *Store {
	return &Store{dir: baseDir, records: make(map[string]*Record)}
}

func (s *Store) path(notebookID string) string {
	return filepath.Join(s.dir, "notebooks", notebookID, "sync", "local_state.json")
}

// load returns the cached record for notebookID, reading it from disk on
// first access. Must be called with s.mu held.
func (s *Store) load(notebookID string) *Record {
	if r, ok := s.records[notebookID]; ok {
		return r
	}
	r := newRecord(notebookID)
	if err := atomicfile.ReadJSON(s.path(notebookID), r); err != nil && !os.IsNotExist(err) {
		// Malformed state file: treat as never-synced rather than fail the
		// whole sync, per the "Decode / Malformed" error kind in §7.
		r = newRecord(notebookID)
	}
	if r.Pages == nil {
		r.Pages = make(map[string]*PageState)
	}
	if r.Assets == nil {
		r.Assets = make(map[string]*AssetState)
	}
	s.records[notebookID] = r
	return r
}

func (s *Store) flush(notebookID string) error {
	return atomicfile.WriteJSON(s.path(notebookID), s.records[notebookID], 0o644)
}

// PageNeedsSync reports whether the page is dirty or has never been synced.
func (s *Store) PageNeedsSync(notebookID, pageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	ps, ok := r.Pages[pageID]
	return !ok || ps.Dirty || ps.NeverSynced
}

// PageState returns a copy of the recorded state for pageID, or the zero
// value with NeverSynced=true if nothing has been recorded yet.
func (s *Store) PageState(notebookID, pageID string) PageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	if ps, ok := r.Pages[pageID]; ok {
		return *ps
	}
	return PageState{NeverSynced: true}
}

// MarkPageSynced clears the dirty flag and records the remote ETag and CRDT
// state-vector observed after a successful sync, persisting immediately.
func (s *Store) MarkPageSynced(notebookID, pageID, remoteETag string, stateVector map[string]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	r.Pages[pageID] = &PageState{
		Dirty:             false,
		NeverSynced:       false,
		RemoteETag:        remoteETag,
		SyncedStateVector: stateVector,
		LastSyncedAt:      time.Now(),
	}
	return s.flush(notebookID)
}

// MarkPageModified sets the dirty flag for pageID, persisting immediately.
func (s *Store) MarkPageModified(notebookID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	ps, ok := r.Pages[pageID]
	if !ok {
		ps = &PageState{NeverSynced: true}
		r.Pages[pageID] = ps
	}
	ps.Dirty = true
	return s.flush(notebookID)
}

// ClearRemoteETag resets the stored ETag to empty, so the next PUT for this
// page is unconditional. Called when a remote 404 is observed (§4.5).
func (s *Store) ClearRemoteETag(notebookID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	if ps, ok := r.Pages[pageID]; ok {
		ps.RemoteETag = ""
		return s.flush(notebookID)
	}
	return nil
}

// AssetNeedsPush reports whether the asset at relPath has changed since it
// was last synced, based on size and modification time.
func (s *Store) AssetNeedsPush(notebookID, relPath string, size int64, modTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	as, ok := r.Assets[relPath]
	if !ok {
		return true
	}
	return as.Size != size || !as.ModTime.Equal(modTime)
}

// MarkAssetSynced records the asset's synced size/mtime/etag/hash.
func (s *Store) MarkAssetSynced(notebookID, relPath, remoteETag, contentHash string, size int64, modTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	r.Assets[relPath] = &AssetState{
		Size: size, ModTime: modTime, RemoteETag: remoteETag,
		ContentHash: contentHash, LastSyncedAt: time.Now(),
	}
	return s.flush(notebookID)
}

// LastChangelogSeq returns the highest changelog sequence number this
// notebook has incorporated.
func (s *Store) LastChangelogSeq(notebookID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(notebookID).LastChangelogSeq
}

// SetLastChangelogSeq records the highest incorporated changelog sequence.
func (s *Store) SetLastChangelogSeq(notebookID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	r.LastChangelogSeq = seq
	return s.flush(notebookID)
}

// RecordMerge appends a merge event for pageID, trimming the log to the
// most recent maxRecentMerges entries.
func (s *Store) RecordMerge(notebookID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	r.RecentMerges = append(r.RecentMerges, MergeEvent{PageID: pageID, MergedAt: time.Now()})
	if len(r.RecentMerges) > maxRecentMerges {
		r.RecentMerges = r.RecentMerges[len(r.RecentMerges)-maxRecentMerges:]
	}
	return s.flush(notebookID)
}

// RecentMerges returns the notebook's recorded merge events, oldest first.
func (s *Store) RecentMerges(notebookID string) []MergeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	out := make([]MergeEvent, len(r.RecentMerges))
	copy(out, r.RecentMerges)
	return out
}

// SentinelETag returns the last-observed library sentinel ETag recorded
// against this notebook (§4.8).
func (s *Store) SentinelETag(notebookID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(notebookID).SentinelETag
}

// SetSentinelETag records the observed library sentinel ETag.
func (s *Store) SetSentinelETag(notebookID, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(notebookID)
	r.SentinelETag = etag
	return s.flush(notebookID)
}

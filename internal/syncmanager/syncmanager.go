// Package syncmanager is the orchestration layer tying every other package
// together into the operations external collaborators actually call:
// configure a notebook or library, run a notebook or library sync, and
// disable sync. It owns the concurrency scaffolding (the per-notebook guard,
// the WebDAV worker pool, the notebook-level concurrency cap) and drives
// webdav.Client for pages and remote metadata; asset transfers go through
// the assets package, which uses the same client.
package syncmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nous-app/notebook-sync/internal/assets"
	"github.com/nous-app/notebook-sync/internal/atomicfile"
	"github.com/nous-app/notebook-sync/internal/config"
	"github.com/nous-app/notebook-sync/internal/crdt"
	"github.com/nous-app/notebook-sync/internal/credentials"
	"github.com/nous-app/notebook-sync/internal/events"
	"github.com/nous-app/notebook-sync/internal/goals"
	"github.com/nous-app/notebook-sync/internal/localstate"
	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/notebookmeta"
	"github.com/nous-app/notebook-sync/internal/pagedoc"
	"github.com/nous-app/notebook-sync/internal/queue"
	"github.com/nous-app/notebook-sync/internal/remotemeta"
	"github.com/nous-app/notebook-sync/internal/storage"
	"github.com/nous-app/notebook-sync/internal/syncutil"
	"github.com/nous-app/notebook-sync/internal/webdav"
)

// Manager is the engine's single entry point for configuring and driving
// sync. One Manager is created per running process and is safe for
// concurrent use.
type Manager struct {
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.Mutex

	store      storage.Store
	localState *localstate.Store
	creds      *credentials.Store
	queue      *queue.Queue
	sink       events.Sink
	dataDir    string

	// webdavPool sets the worker count (cfg.Concurrency.WebDAVConcurrency)
	// of each page-sync and asset-sync fan-out. Every syncutil.Process call
	// starts its own workers, so concurrent notebook syncs are not bounded
	// as a whole, and remote-only page pulls run one at a time outside it.
	webdavPool *syncutil.WorkerPool

	guardMu sync.Mutex
	guard   map[string]bool

	sentinelCounter uint64
}

// New constructs a Manager. cfgPath is where Save persists configuration
// changes made by ConfigureNotebook/ConfigureLibrary/DisableSync.
func New(cfg *config.Config, cfgPath string, store storage.Store, localState *localstate.Store, creds *credentials.Store, q *queue.Queue, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      store,
		localState: localState,
		creds:      creds,
		queue:      q,
		sink:       sink,
		dataDir:    cfg.DataDir,
		webdavPool: syncutil.NewWorkerPool(cfg.Concurrency.WebDAVConcurrency),
		guard:      make(map[string]bool),
	}
}

func (m *Manager) saveConfig() error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg.Save(m.cfgPath)
}

// TestConnection probes a candidate server with a depth-0 PROPFIND, the same
// check ConfigureNotebook/ConfigureLibrary run before persisting anything.
func (m *Manager) TestConnection(ctx context.Context, serverURL string, creds credentials.Credentials) error {
	client, err := webdav.New(serverURL, webdav.Credentials(creds))
	if err != nil {
		return err
	}
	return client.TestConnection(ctx)
}

// NotebookInput is the configuration supplied to ConfigureNotebook.
type NotebookInput struct {
	ServerURL  string
	RemotePath string
	Username   string
	Password   string
	SyncMode   model.SyncMode
}

// ConfigureNotebook tests the connection, stores credentials, writes the
// notebook's SyncConfig, and creates the notebook's remote directory
// structure. The notebook is synced standalone: its SyncConfig.RemotePath is
// its own remote directory, not nested under any library base.
func (m *Manager) ConfigureNotebook(ctx context.Context, notebookID string, in NotebookInput) error {
	creds := credentials.Credentials{Username: in.Username, Password: in.Password}
	if err := m.TestConnection(ctx, in.ServerURL, creds); err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	if err := m.creds.Save(credentials.ScopeNotebook, notebookID, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	n, err := m.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("load notebook: %w", err)
	}
	n.SyncConfig = &model.SyncConfig{
		Enabled:          true,
		ServerURL:        in.ServerURL,
		RemotePath:       in.RemotePath,
		AuthType:         model.AuthTypeBasic,
		SyncMode:         in.SyncMode,
		ManagedByLibrary: false,
	}
	if err := m.store.UpdateNotebook(ctx, n); err != nil {
		return fmt.Errorf("save notebook sync config: %w", err)
	}

	client, err := webdav.New(in.ServerURL, webdav.Credentials(creds))
	if err != nil {
		return err
	}
	if err := client.MkdirP(ctx, path.Join(in.RemotePath, "pages")); err != nil {
		return fmt.Errorf("create remote structure: %w", err)
	}
	return nil
}

// LibraryInput is the configuration supplied to ConfigureLibrary.
type LibraryInput struct {
	ServerURL      string
	RemoteBasePath string
	Username       string
	Password       string
	SyncMode       model.SyncMode
	SyncIntervalSecs int
}

// ConfigureLibrary tests the connection, stores library credentials, probes
// the server type, persists the library config, and brings every existing
// notebook owned by this library under library-managed sync.
func (m *Manager) ConfigureLibrary(ctx context.Context, libraryID string, in LibraryInput) error {
	creds := credentials.Credentials{Username: in.Username, Password: in.Password}
	client, err := webdav.New(in.ServerURL, webdav.Credentials(creds))
	if err != nil {
		return err
	}
	if err := client.TestConnection(ctx); err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	if err := m.creds.Save(credentials.ScopeLibrary, libraryID, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	serverType := client.DetectServerType(ctx)

	m.cfgMu.Lock()
	lib := m.cfg.Library(libraryID)
	lib.ServerURL = in.ServerURL
	lib.RemoteBasePath = in.RemoteBasePath
	lib.AuthType = model.AuthTypeBasic
	lib.SyncMode = in.SyncMode
	lib.SyncIntervalSeconds = in.SyncIntervalSecs
	if serverType.IsNextcloud {
		lib.ServerType = model.ServerTypeNextcloud
	} else {
		lib.ServerType = model.ServerTypeGeneric
	}
	m.cfgMu.Unlock()
	if err := m.saveConfig(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	notebooks, err := m.store.ListNotebooks(ctx)
	if err != nil {
		return fmt.Errorf("list notebooks: %w", err)
	}
	for _, n := range notebooks {
		if n.LibraryID != libraryID {
			continue
		}
		n.SyncConfig = &model.SyncConfig{
			Enabled:          true,
			ServerURL:        in.ServerURL,
			RemoteBasePath:   in.RemoteBasePath,
			AuthType:         model.AuthTypeBasic,
			SyncMode:         in.SyncMode,
			SyncIntervalSecs: in.SyncIntervalSecs,
			ManagedByLibrary: true,
			ServerType:       lib.ServerType,
		}
		if err := m.store.UpdateNotebook(ctx, n); err != nil {
			return fmt.Errorf("update notebook %s sync config: %w", n.ID, err)
		}
		if err := client.MkdirP(ctx, path.Join(in.RemoteBasePath, n.ID, "pages")); err != nil {
			return fmt.Errorf("create remote structure for %s: %w", n.ID, err)
		}
	}
	return nil
}

// credentialsFor resolves the Basic-auth pair for a notebook: its own
// per-notebook credentials if present, falling back to its library's when
// the notebook is library-managed.
func (m *Manager) credentialsFor(n *model.Notebook) (credentials.Credentials, error) {
	c, ok, err := m.creds.Load(credentials.ScopeNotebook, n.ID)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if ok {
		return c, nil
	}
	if n.SyncConfig != nil && n.SyncConfig.ManagedByLibrary {
		c, ok, err = m.creds.Load(credentials.ScopeLibrary, n.LibraryID)
		if err != nil {
			return credentials.Credentials{}, err
		}
		if ok {
			return c, nil
		}
	}
	return credentials.Credentials{}, fmt.Errorf("no credentials configured for notebook %s", n.ID)
}

// remoteLayout resolves a notebook's client, its library base path (where
// goals/inbox/asset-manifest/cas live), and its own remote directory
// (library base + notebook id, or its standalone remote path).
type remoteLayout struct {
	client      *webdav.Client
	libraryBase string
	notebookDir string
}

func (m *Manager) resolveRemote(n *model.Notebook) (*remoteLayout, error) {
	if n.SyncConfig == nil || !n.SyncConfig.Enabled {
		return nil, fmt.Errorf("notebook %s is not configured for sync", n.ID)
	}
	creds, err := m.credentialsFor(n)
	if err != nil {
		return nil, err
	}
	client, err := webdav.New(n.SyncConfig.ServerURL, webdav.Credentials(creds))
	if err != nil {
		return nil, err
	}
	if n.SyncConfig.ManagedByLibrary {
		return &remoteLayout{
			client:      client,
			libraryBase: n.SyncConfig.RemoteBasePath,
			notebookDir: path.Join(n.SyncConfig.RemoteBasePath, n.ID),
		}, nil
	}
	return &remoteLayout{
		client:      client,
		libraryBase: n.SyncConfig.RemotePath,
		notebookDir: n.SyncConfig.RemotePath,
	}, nil
}

func (m *Manager) acquireGuard(notebookID string) bool {
	m.guardMu.Lock()
	defer m.guardMu.Unlock()
	if m.guard[notebookID] {
		return false
	}
	m.guard[notebookID] = true
	return true
}

func (m *Manager) releaseGuard(notebookID string) {
	m.guardMu.Lock()
	defer m.guardMu.Unlock()
	delete(m.guard, notebookID)
}

// pageOutcome classifies what the per-page algorithm did.
type pageOutcome int

const (
	outcomeUnchanged pageOutcome = iota
	outcomePushed
	outcomePulled
	outcomeMerged
)

func (m *Manager) crdtPath(notebookID, pageID string) string {
	return filepath.Join(m.dataDir, "notebooks", notebookID, "sync", "pages", pageID+".crdt")
}

func readLocalCRDT(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (m *Manager) writeLocalCRDT(notebookID, pageID string, data []byte) error {
	return atomicfile.Write(m.crdtPath(notebookID, pageID), data, 0o644)
}

func (m *Manager) libraryGoalsPath(libraryID string) string {
	return filepath.Join(m.dataDir, "libraries", libraryID, "goals.json")
}

func (m *Manager) libraryInboxPath(libraryID string) string {
	return filepath.Join(m.dataDir, "libraries", libraryID, "inbox.json")
}

// localGoals/localInbox/saveLocalGoals/saveLocalInbox persist the library's
// merged goals and inbox state locally, alongside notebook data but outside
// storage.Store's per-notebook surface since goals and inbox are
// library-scoped, not notebook-scoped.
func (m *Manager) localGoals(libraryID string) ([]*model.Goal, error) {
	var list []*model.Goal
	if err := atomicfile.ReadJSON(m.libraryGoalsPath(libraryID), &list); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return list, nil
}

func (m *Manager) saveLocalGoals(libraryID string, list []*model.Goal) error {
	return atomicfile.WriteJSON(m.libraryGoalsPath(libraryID), list, 0o644)
}

func (m *Manager) localInbox(libraryID string) ([]*model.InboxItem, error) {
	var items []*model.InboxItem
	if err := atomicfile.ReadJSON(m.libraryInboxPath(libraryID), &items); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return items, nil
}

func (m *Manager) saveLocalInbox(libraryID string, items []*model.InboxItem) error {
	return atomicfile.WriteJSON(m.libraryInboxPath(libraryID), items, 0o644)
}

// blocksFromPage decodes a page's content-opaque block document into editor
// blocks, parsing markdown source for PageTypeMarkdown pages and treating
// every other page type's content as already-encoded JSON blocks.
func blocksFromPage(p *model.Page) ([]crdt.EditorBlock, error) {
	if len(p.Content) == 0 {
		return nil, nil
	}
	if p.Type == model.PageTypeMarkdown {
		res, err := pagedoc.ParseMarkdown(p.Content)
		if err != nil {
			return nil, fmt.Errorf("parse markdown: %w", err)
		}
		return res.Blocks, nil
	}
	var blocks []crdt.EditorBlock
	if err := json.Unmarshal(p.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return blocks, nil
}

func blocksToContent(p *model.Page, blocks []crdt.EditorBlock) ([]byte, error) {
	if p.Type == model.PageTypeMarkdown {
		return []byte(pagedoc.RenderMarkdown(blocks)), nil
	}
	return json.Marshal(blocks)
}

// SyncResult summarizes what a notebook (or library) sync pass did. Merged
// counts pages where both sides had changed and the CRDT produced a merge
// (§4.5) — the engine's answer to a "conflict": resolved deterministically,
// never surfaced for a human to pick a side.
type SyncResult struct {
	Pushed int
	Pulled int
	Merged int
}

func (r SyncResult) add(o SyncResult) SyncResult {
	return SyncResult{Pushed: r.Pushed + o.Pushed, Pulled: r.Pulled + o.Pulled, Merged: r.Merged + o.Merged}
}

// SyncNotebook runs the full per-notebook reconciliation: remote metadata
// fetch, per-page sync (§4.5), remote-only page pulls (§4.6), asset sync
// (§4.7), and the sentinel write (§4.8). It refuses to run twice
// concurrently for the same notebook.
func (m *Manager) SyncNotebook(ctx context.Context, notebookID string) (SyncResult, error) {
	if !m.acquireGuard(notebookID) {
		return SyncResult{}, fmt.Errorf("notebook %s is already syncing", notebookID)
	}
	defer m.releaseGuard(notebookID)

	n, err := m.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load notebook: %w", err)
	}
	remote, err := m.resolveRemote(n)
	if err != nil {
		return SyncResult{}, err
	}

	// Drain the queue so any pending on-save edits land in this sync.
	if _, err := m.queue.DrainNotebook(notebookID); err != nil {
		return SyncResult{}, fmt.Errorf("drain queue: %w", err)
	}

	manifest, changelog, pagesMeta, err := m.fetchNotebookMetadata(ctx, remote)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch remote metadata: %w", err)
	}

	localPages, err := m.store.ListAllPages(ctx, notebookID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list local pages: %w", err)
	}

	needsSync, remoteChanged := m.planPageSync(notebookID, localPages, manifest, changelog)

	var toSync []*model.Page
	for _, p := range localPages {
		if needsSync[p.ID] {
			toSync = append(toSync, p)
		}
	}

	m.sink.Emit(events.Event{Progress: &events.Progress{
		NotebookID: notebookID, Current: 0, Total: len(toSync), Phase: events.PhasePages,
		Message: "syncing pages",
	}})

	type pageResult struct {
		page    *model.Page
		outcome pageOutcome
		err     error
	}
	results := syncutil.Process(ctx, m.webdavPool, toSync, func(ctx context.Context, p *model.Page) (pageResult, error) {
		outcome, err := m.syncPage(ctx, remote, notebookID, p, manifest)
		return pageResult{page: p, outcome: outcome, err: err}, nil
	})

	var changedPageIDs []string
	result := SyncResult{}
	for i, r := range results {
		if r.Result.err != nil {
			continue
		}
		switch r.Result.outcome {
		case outcomePushed:
			result.Pushed++
			changedPageIDs = append(changedPageIDs, toSync[i].ID)
		case outcomeMerged:
			result.Merged++
			changedPageIDs = append(changedPageIDs, toSync[i].ID)
		case outcomePulled:
			result.Pulled++
			changedPageIDs = append(changedPageIDs, toSync[i].ID)
		}
	}

	pulledIDs, err := m.pullRemoteOnlyPages(ctx, remote, notebookID, localPages, manifest, remoteChanged)
	if err != nil {
		return SyncResult{}, fmt.Errorf("pull remote-only pages: %w", err)
	}
	result.Pulled += len(pulledIDs)
	changedPageIDs = append(changedPageIDs, pulledIDs...)

	if err := m.applyPagesMeta(ctx, notebookID, pagesMeta); err != nil {
		return SyncResult{}, fmt.Errorf("apply pages meta: %w", err)
	}

	currentPages, err := m.store.ListAllPages(ctx, notebookID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list local pages for metadata push: %w", err)
	}

	currentByID := make(map[string]*model.Page, len(currentPages))
	for _, p := range currentPages {
		currentByID[p.ID] = p
	}
	for _, id := range changedPageIDs {
		op := remotemeta.OpUpdated
		if p, ok := currentByID[id]; ok && p.IsTombstone() {
			op = remotemeta.OpDeleted
		}
		changelog.Append(m.cfg.ClientID, op, id)
	}

	if err := m.pushNotebookMetadata(ctx, remote, notebookID, manifest, changelog, currentPages); err != nil {
		return SyncResult{}, fmt.Errorf("push remote metadata: %w", err)
	}

	m.sink.Emit(events.Event{Progress: &events.Progress{
		NotebookID: notebookID, Current: len(toSync), Total: len(toSync), Phase: events.PhaseAssets,
		Message: "syncing assets",
	}})

	assetSyncer := &assets.Syncer{
		Client: remote.client, Store: m.store, LocalState: m.localState,
		Pool: m.webdavPool, LibraryBase: remote.libraryBase,
	}
	assetResult, err := assetSyncer.Sync(ctx, notebookID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync assets: %w", err)
	}
	if assetResult.Pushed > 0 {
		result.Pushed++
	}

	if len(changedPageIDs) > 0 {
		m.sink.Emit(events.Event{PagesUpdated: &events.PagesUpdated{NotebookID: notebookID, PageIDs: changedPageIDs}})
	}

	if result.Pushed+result.Pulled+result.Merged > 0 {
		if err := m.writeSentinel(ctx, remote, notebookID); err != nil {
			return SyncResult{}, fmt.Errorf("write sentinel: %w", err)
		}
	}

	m.sink.Emit(events.Event{Progress: &events.Progress{
		NotebookID: notebookID, Current: len(toSync), Total: len(toSync), Phase: events.PhaseComplete,
		Message: "sync complete",
	}})
	return result, nil
}

// fetchNotebookMetadata fetches the sync manifest, changelog, and pages-meta
// objects concurrently, substituting an empty value for each on a 404
// (§4.4: "not-found ... is treated as first sync").
func (m *Manager) fetchNotebookMetadata(ctx context.Context, remote *remoteLayout) (*remotemeta.Manifest, *remotemeta.Changelog, remotemeta.PagesMeta, error) {
	var manifest *remotemeta.Manifest
	var changelog *remotemeta.Changelog
	var pagesMeta remotemeta.PagesMeta
	var firstErr error

	var wg sync.WaitGroup
	var mu sync.Mutex
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		manifest = remotemeta.NewManifest()
		data, err := remote.client.Get(ctx, path.Join(remote.notebookDir, ".sync-manifest.json"))
		if err != nil {
			if !webdav.IsNotFound(err) {
				fail(err)
			}
			return
		}
		if err := json.Unmarshal(data, manifest); err != nil {
			manifest = remotemeta.NewManifest()
		}
	}()
	go func() {
		defer wg.Done()
		changelog = remotemeta.NewChangelog()
		data, err := remote.client.Get(ctx, path.Join(remote.notebookDir, ".changelog.json"))
		if err != nil {
			if !webdav.IsNotFound(err) {
				fail(err)
			}
			return
		}
		if err := json.Unmarshal(data, changelog); err != nil {
			changelog = remotemeta.NewChangelog()
		}
	}()
	go func() {
		defer wg.Done()
		pagesMeta = remotemeta.NewPagesMeta()
		data, err := remote.client.Get(ctx, path.Join(remote.notebookDir, "pages-meta.json"))
		if err != nil {
			if !webdav.IsNotFound(err) {
				fail(err)
			}
			return
		}
		if err := json.Unmarshal(data, &pagesMeta); err != nil {
			pagesMeta = remotemeta.NewPagesMeta()
		}
	}()
	wg.Wait()

	return manifest, changelog, pagesMeta, firstErr
}

// planPageSync implements the §4.4 change-detection algorithm: which remote
// pages changed since our last sync, and which local pages need a sync pass.
func (m *Manager) planPageSync(notebookID string, localPages []*model.Page, manifest *remotemeta.Manifest, changelog *remotemeta.Changelog) (needsSync map[string]bool, remoteChangedPages map[string]bool) {
	lastSeq := m.localState.LastChangelogSeq(notebookID)
	remoteChangedPages = make(map[string]bool)

	if !changelog.HasGap(lastSeq) {
		clientID := m.cfg.ClientID
		for _, e := range changelog.EntriesSince(lastSeq, clientID) {
			remoteChangedPages[e.PageID] = true
		}
	} else {
		for id := range manifest.Pages {
			remoteChangedPages[id] = true
		}
	}

	var maxSeq uint64
	for _, e := range changelog.Entries {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if maxSeq > lastSeq {
		_ = m.localState.SetLastChangelogSeq(notebookID, maxSeq)
	}

	needsSync = make(map[string]bool)
	for _, p := range localPages {
		ps := m.localState.PageState(notebookID, p.ID)
		entry, inManifest := manifest.Pages[p.ID]
		switch {
		case ps.Dirty, ps.NeverSynced:
			needsSync[p.ID] = true
		case p.UpdatedAt.After(ps.LastSyncedAt):
			needsSync[p.ID] = true
		case remoteChangedPages[p.ID]:
			needsSync[p.ID] = true
		case !inManifest:
			needsSync[p.ID] = true
		case entry.ETag != ps.RemoteETag:
			needsSync[p.ID] = true
		}
	}
	return needsSync, remoteChangedPages
}

// syncPage runs the §4.5 per-page algorithm for a single page.
func (m *Manager) syncPage(ctx context.Context, remote *remoteLayout, notebookID string, p *model.Page, manifest *remotemeta.Manifest) (pageOutcome, error) {
	ps := m.localState.PageState(notebookID, p.ID)
	localDirty := ps.Dirty || ps.NeverSynced

	doc, err := m.loadOrBuildDocument(notebookID, p, localDirty)
	if err != nil {
		return outcomeUnchanged, err
	}

	remotePath := path.Join(remote.notebookDir, "pages", p.ID+".crdt")
	head, err := remote.client.Head(ctx, remotePath)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("head page %s: %w", p.ID, err)
	}

	if !head.Exists {
		_ = m.localState.ClearRemoteETag(notebookID, p.ID)
	}

	remoteChanged := head.Exists && head.ETag != ps.RemoteETag

	if remoteChanged {
		data, etag, err := remote.client.GetWithETag(ctx, remotePath)
		if err != nil {
			return outcomeUnchanged, fmt.Errorf("get page %s: %w", p.ID, err)
		}
		if err := doc.ApplyUpdate(data); err != nil {
			return outcomeUnchanged, fmt.Errorf("apply remote update to page %s: %w", p.ID, err)
		}

		if localDirty {
			if err := m.persistMergedPage(ctx, notebookID, p, doc); err != nil {
				return outcomeUnchanged, err
			}
			encoded, err := doc.EncodeState()
			if err != nil {
				return outcomeUnchanged, err
			}
			put, err := remote.client.Put(ctx, remotePath, encoded, "")
			if err != nil {
				return outcomeUnchanged, fmt.Errorf("put merged page %s: %w", p.ID, err)
			}
			m.bumpManifest(manifest, p.ID, put.ETag, int64(len(encoded)), doc.StateVector())
			if err := m.localState.MarkPageSynced(notebookID, p.ID, put.ETag, doc.StateVector()); err != nil {
				return outcomeUnchanged, err
			}
			_ = m.localState.RecordMerge(notebookID, p.ID)
			return outcomeMerged, nil
		}

		if err := m.persistMergedPage(ctx, notebookID, p, doc); err != nil {
			return outcomeUnchanged, err
		}
		if err := m.localState.MarkPageSynced(notebookID, p.ID, etag, doc.StateVector()); err != nil {
			return outcomeUnchanged, err
		}
		return outcomePulled, nil
	}

	if !localDirty {
		return outcomeUnchanged, nil
	}

	encoded, err := doc.EncodeState()
	if err != nil {
		return outcomeUnchanged, err
	}
	if err := m.writeLocalCRDT(notebookID, p.ID, encoded); err != nil {
		return outcomeUnchanged, err
	}

	ifMatch := ""
	if head.Exists {
		ifMatch = ps.RemoteETag
	}
	put, err := remote.client.Put(ctx, remotePath, encoded, ifMatch)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("put page %s: %w", p.ID, err)
	}
	if put.Success {
		m.bumpManifest(manifest, p.ID, put.ETag, int64(len(encoded)), doc.StateVector())
		if err := m.localState.MarkPageSynced(notebookID, p.ID, put.ETag, doc.StateVector()); err != nil {
			return outcomeUnchanged, err
		}
		return outcomePushed, nil
	}

	// 412 Conflict: remote moved between HEAD and PUT.
	data, _, err := remote.client.GetWithETag(ctx, remotePath)
	if err != nil {
		if webdav.IsNotFound(err) {
			_ = m.localState.ClearRemoteETag(notebookID, p.ID)
			freshPut, err := remote.client.Put(ctx, remotePath, encoded, "")
			if err != nil {
				return outcomeUnchanged, fmt.Errorf("re-put page %s: %w", p.ID, err)
			}
			m.bumpManifest(manifest, p.ID, freshPut.ETag, int64(len(encoded)), doc.StateVector())
			if err := m.localState.MarkPageSynced(notebookID, p.ID, freshPut.ETag, doc.StateVector()); err != nil {
				return outcomeUnchanged, err
			}
			return outcomePushed, nil
		}
		return outcomeUnchanged, fmt.Errorf("get page %s after conflict: %w", p.ID, err)
	}
	if err := doc.ApplyUpdate(data); err != nil {
		return outcomeUnchanged, fmt.Errorf("merge page %s after conflict: %w", p.ID, err)
	}
	if err := m.persistMergedPage(ctx, notebookID, p, doc); err != nil {
		return outcomeUnchanged, err
	}
	merged, err := doc.EncodeState()
	if err != nil {
		return outcomeUnchanged, err
	}
	mergedPut, err := remote.client.Put(ctx, remotePath, merged, "")
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("put merged page %s after conflict: %w", p.ID, err)
	}
	m.bumpManifest(manifest, p.ID, mergedPut.ETag, int64(len(merged)), doc.StateVector())
	if err := m.localState.MarkPageSynced(notebookID, p.ID, mergedPut.ETag, doc.StateVector()); err != nil {
		return outcomeUnchanged, err
	}
	_ = m.localState.RecordMerge(notebookID, p.ID)
	return outcomeMerged, nil
}

func (m *Manager) bumpManifest(manifest *remotemeta.Manifest, pageID, etag string, size int64, sv map[string]uint64) {
	manifest.Bump(m.cfg.ClientID, pageID, remotemeta.PageManifestEntry{
		ETag: etag, LastModified: time.Now(), Size: size, StateVector: sv,
	})
}

func (m *Manager) loadOrBuildDocument(notebookID string, p *model.Page, localDirty bool) (*crdt.Document, error) {
	cp := m.crdtPath(notebookID, p.ID)
	if !localDirty {
		if data, err := readLocalCRDT(cp); err == nil {
			doc, err := crdt.DecodeState(data)
			if err == nil {
				doc.ClientID = m.cfg.ClientID
				return doc, nil
			}
		}
	}
	blocks, err := blocksFromPage(p)
	if err != nil {
		return nil, err
	}
	return crdt.FromEditorData(m.cfg.ClientID, blocks), nil
}

func (m *Manager) persistMergedPage(ctx context.Context, notebookID string, p *model.Page, doc *crdt.Document) error {
	encoded, err := doc.EncodeState()
	if err != nil {
		return err
	}
	if err := m.writeLocalCRDT(notebookID, p.ID, encoded); err != nil {
		return err
	}
	content, err := blocksToContent(p, doc.ToEditorData())
	if err != nil {
		return err
	}
	return m.store.UpdatePageContent(ctx, notebookID, p.ID, content)
}

// pullRemoteOnlyPages implements §4.6: pages present remotely (by changelog
// or by enumeration) but absent locally are materialized as placeholders.
func (m *Manager) pullRemoteOnlyPages(ctx context.Context, remote *remoteLayout, notebookID string, localPages []*model.Page, manifest *remotemeta.Manifest, remoteChangedPages map[string]bool) ([]string, error) {
	localIDs := make(map[string]bool, len(localPages))
	for _, p := range localPages {
		localIDs[p.ID] = true
	}

	candidates := make(map[string]bool)
	for id := range remoteChangedPages {
		if !localIDs[id] {
			candidates[id] = true
		}
	}

	entries, err := remote.client.Propfind(ctx, path.Join(remote.notebookDir, "pages"), 1)
	if err != nil && !webdav.IsNotFound(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsCollection {
			continue
		}
		base := path.Base(e.Path)
		if len(base) <= len(".crdt") {
			continue
		}
		id := base[:len(base)-len(".crdt")]
		if !localIDs[id] {
			candidates[id] = true
		}
	}

	var pulled []string
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		remotePath := path.Join(remote.notebookDir, "pages", id+".crdt")
		data, etag, err := remote.client.GetWithETag(ctx, remotePath)
		if err != nil {
			if webdav.IsNotFound(err) {
				continue
			}
			return pulled, fmt.Errorf("get remote-only page %s: %w", id, err)
		}
		doc, err := crdt.DecodeState(data)
		if err != nil {
			continue // corrupt remote page: skip rather than abort the sync
		}
		blocks := doc.ToEditorData()
		p := &model.Page{
			ID: id, NotebookID: notebookID,
			Title: fmt.Sprintf("Synced Page %s", id),
			Type:  model.PageTypeStandard,
		}
		content, err := blocksToContent(p, blocks)
		if err != nil {
			return pulled, err
		}
		p.Content = content
		if err := m.store.CreatePageWithID(ctx, p); err != nil {
			return pulled, fmt.Errorf("create remote-only page %s: %w", id, err)
		}
		if err := m.writeLocalCRDT(notebookID, id, data); err != nil {
			return pulled, err
		}
		if entry, ok := manifest.Pages[id]; ok {
			_ = m.localState.MarkPageSynced(notebookID, id, etag, entry.StateVector)
		} else {
			_ = m.localState.MarkPageSynced(notebookID, id, etag, doc.StateVector())
		}
		pulled = append(pulled, id)
	}
	return pulled, nil
}

// applyPagesMeta overlays remote page metadata (title, tags, position, ...)
// onto local pages, most importantly replacing the "Synced Page <id>"
// placeholder title left by pullRemoteOnlyPages.
func (m *Manager) applyPagesMeta(ctx context.Context, notebookID string, pagesMeta remotemeta.PagesMeta) error {
	for id, meta := range pagesMeta {
		p, err := m.store.GetPage(ctx, notebookID, id)
		if err != nil {
			continue
		}

		if meta.Deleted {
			// Remote tombstone wins over a live local page, but never
			// regresses an already-later local delete (§7/§8 boundary:
			// "page deleted locally while absent remotely ... remote
			// clients soft-delete on next sync").
			if p.DeletedAt == nil || meta.DeletedAt.After(*p.DeletedAt) {
				deletedAt := meta.DeletedAt
				p.DeletedAt = &deletedAt
				if err := m.store.UpdatePageMetadata(ctx, p); err != nil {
					return err
				}
			}
			continue
		}
		if p.IsTombstone() {
			// This client deleted the page locally and hasn't pushed that
			// tombstone yet; don't resurrect it with stale remote fields.
			continue
		}

		p.Title = meta.Title
		p.Tags = meta.Tags
		p.FolderID = meta.FolderID
		p.SectionID = meta.SectionID
		p.ParentID = meta.ParentID
		p.Position = meta.Position
		p.Archived = meta.Archived
		p.Favorite = meta.Favorite
		if err := m.store.UpdatePageMetadata(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// pushNotebookMetadata pushes the manifest, changelog, and pages-meta objects
// after every page task has completed, per §5's ordering guarantee.
func (m *Manager) pushNotebookMetadata(ctx context.Context, remote *remoteLayout, notebookID string, manifest *remotemeta.Manifest, changelog *remotemeta.Changelog, localPages []*model.Page) error {
	data, err := remotemeta.Marshal(manifest)
	if err != nil {
		return err
	}
	if _, err := remote.client.Put(ctx, path.Join(remote.notebookDir, ".sync-manifest.json"), data, ""); err != nil {
		return fmt.Errorf("push manifest: %w", err)
	}

	data, err = remotemeta.Marshal(changelog)
	if err != nil {
		return err
	}
	if _, err := remote.client.Put(ctx, path.Join(remote.notebookDir, ".changelog.json"), data, ""); err != nil {
		return fmt.Errorf("push changelog: %w", err)
	}

	meta := remotemeta.NewPagesMeta()
	for _, p := range localPages {
		pm := remotemeta.PageMeta{
			Title: p.Title, Tags: p.Tags, FolderID: p.FolderID, SectionID: p.SectionID,
			ParentID: p.ParentID, Position: p.Position, Archived: p.Archived,
			Favorite: p.Favorite, Type: string(p.Type),
		}
		if p.DeletedAt != nil {
			pm.Deleted = true
			pm.DeletedAt = *p.DeletedAt
		}
		meta[p.ID] = pm
	}
	data, err = remotemeta.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := remote.client.Put(ctx, path.Join(remote.notebookDir, "pages-meta.json"), data, ""); err != nil {
		return fmt.Errorf("push pages meta: %w", err)
	}
	return nil
}

func (m *Manager) writeSentinel(ctx context.Context, remote *remoteLayout, notebookID string) error {
	counter := atomic.AddUint64(&m.sentinelCounter, 1)
	sentinel := remotemeta.Sentinel{ClientID: m.cfg.ClientID, Timestamp: time.Now(), Counter: counter}
	data, err := remotemeta.Marshal(sentinel)
	if err != nil {
		return err
	}
	put, err := remote.client.Put(ctx, path.Join(remote.libraryBase, ".sync-sentinel"), data, "")
	if err != nil {
		return err
	}
	return m.localState.SetSentinelETag(notebookID, put.ETag)
}

// CheckSentinelForLibrary reports whether libraryID's sentinel has changed
// since notebookID last observed it, used by the scheduler to skip a full
// sync cheaply (§4.11). It also reports true (needs sync) on any probe error.
func (m *Manager) CheckSentinelForLibrary(ctx context.Context, n *model.Notebook) (changed bool, err error) {
	remote, err := m.resolveRemote(n)
	if err != nil {
		return true, err
	}
	head, err := remote.client.Head(ctx, path.Join(remote.libraryBase, ".sync-sentinel"))
	if err != nil {
		return true, err
	}
	if !head.Exists {
		return true, nil
	}
	return head.ETag != m.localState.SentinelETag(n.ID), nil
}

// SyncLibrary discovers remote-only notebooks, syncs every notebook in the
// library with bounded concurrency, then merges goals and inbox.
func (m *Manager) SyncLibrary(ctx context.Context, libraryID string) (SyncResult, error) {
	m.cfgMu.Lock()
	lib, ok := m.cfg.Libraries[libraryID]
	m.cfgMu.Unlock()
	if !ok {
		return SyncResult{}, fmt.Errorf("library %s is not configured", libraryID)
	}
	creds, ok, err := m.creds.Load(credentials.ScopeLibrary, libraryID)
	if err != nil {
		return SyncResult{}, err
	}
	if !ok {
		return SyncResult{}, fmt.Errorf("no credentials configured for library %s", libraryID)
	}
	client, err := webdav.New(lib.ServerURL, webdav.Credentials(creds))
	if err != nil {
		return SyncResult{}, err
	}

	if err := m.discoverRemoteNotebooks(ctx, client, libraryID, lib.ServerURL, lib.RemoteBasePath); err != nil {
		return SyncResult{}, fmt.Errorf("discover remote notebooks: %w", err)
	}

	notebooks, err := m.store.ListNotebooks(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list notebooks: %w", err)
	}
	var toSync []*model.Notebook
	for _, n := range notebooks {
		if n.LibraryID == libraryID && n.SyncConfig != nil && n.SyncConfig.Enabled {
			toSync = append(toSync, n)
		}
	}

	// Opportunistic tombstone purge (§9 open question): run once at the
	// start of the library sync, never mid-page-sync. A purge failure
	// never blocks the sync itself.
	for _, n := range toSync {
		_ = m.PurgeExpiredTombstones(ctx, n.ID)
	}

	notebookPool := syncutil.NewWorkerPool(m.cfg.Concurrency.NotebookConcurrency)
	tasks := syncutil.Process(ctx, notebookPool, toSync, func(ctx context.Context, n *model.Notebook) (SyncResult, error) {
		return m.SyncNotebook(ctx, n.ID)
	})

	total := SyncResult{}
	for _, t := range tasks {
		if t.Err != nil {
			continue
		}
		total = total.add(t.Result)
	}

	if err := m.syncGoalsAndInbox(ctx, client, libraryID, lib.RemoteBasePath); err != nil {
		return total, err
	}
	return total, nil
}

// discoverRemoteNotebooks PROPFINDs the library root and materializes any
// notebook collection found remotely but not yet known locally, reading its
// notebook-meta.json for display metadata.
func (m *Manager) discoverRemoteNotebooks(ctx context.Context, client *webdav.Client, libraryID, serverURL, remoteBasePath string) error {
	entries, err := client.Propfind(ctx, remoteBasePath, 1)
	if err != nil {
		if webdav.IsNotFound(err) {
			return nil
		}
		return err
	}

	known := make(map[string]bool)
	notebooks, err := m.store.ListNotebooks(ctx)
	if err != nil {
		return err
	}
	for _, n := range notebooks {
		known[n.ID] = true
	}

	for _, e := range entries {
		if !e.IsCollection {
			continue
		}
		id := path.Base(e.Path)
		if known[id] {
			continue
		}
		metaPath := path.Join(remoteBasePath, id, "notebook-meta.json")
		data, err := client.Get(ctx, metaPath)
		if err != nil {
			continue // not a notebook collection (e.g. goals/, inbox/, cas/)
		}
		var meta remotemeta.NotebookMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		n := &model.Notebook{
			ID: id, LibraryID: libraryID, Name: meta.Name, Type: meta.Type,
			Icon: notebookmeta.SanitizeIcon(meta.Icon), Color: meta.Color,
			Archived: meta.Archived, SortOrder: meta.SortOrder, UpdatedAt: meta.UpdatedAt,
			SyncConfig: &model.SyncConfig{
				Enabled: true, ServerURL: serverURL, RemoteBasePath: remoteBasePath,
				ManagedByLibrary: true, AuthType: model.AuthTypeBasic,
			},
		}
		if err := m.store.CreateNotebook(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// syncGoalsAndInbox implements §4.10: library-scoped last-writer-wins merge
// of goals and inbox items. Goal progress records are not synced.
func (m *Manager) syncGoalsAndInbox(ctx context.Context, client *webdav.Client, libraryID, remoteBasePath string) error {
	goalsPath := path.Join(remoteBasePath, "goals", "goals.json")
	inboxPath := path.Join(remoteBasePath, "inbox", "inbox.json")

	var remoteGoals []*model.Goal
	if data, err := client.Get(ctx, goalsPath); err == nil {
		_ = json.Unmarshal(data, &remoteGoals)
	} else if !webdav.IsNotFound(err) {
		return fmt.Errorf("fetch goals: %w", err)
	}

	var remoteInbox []*model.InboxItem
	if data, err := client.Get(ctx, inboxPath); err == nil {
		_ = json.Unmarshal(data, &remoteInbox)
	} else if !webdav.IsNotFound(err) {
		return fmt.Errorf("fetch inbox: %w", err)
	}

	localGoals, err := m.localGoals(libraryID)
	if err != nil {
		return err
	}
	localInbox, err := m.localInbox(libraryID)
	if err != nil {
		return err
	}

	mergedGoals, goalsChange := goals.MergeGoals(localGoals, remoteGoals)
	mergedInbox, inboxChange := goals.MergeInbox(localInbox, remoteInbox)

	if goalsChange.LocalChanged || goalsChange.RemoteChanged {
		if err := m.saveLocalGoals(libraryID, mergedGoals); err != nil {
			return err
		}
	}
	if goalsChange.RemoteChanged {
		data, err := remotemeta.Marshal(mergedGoals)
		if err != nil {
			return err
		}
		if _, err := client.Put(ctx, goalsPath, data, ""); err != nil {
			return fmt.Errorf("push goals: %w", err)
		}
	}

	if inboxChange.LocalChanged || inboxChange.RemoteChanged {
		if err := m.saveLocalInbox(libraryID, mergedInbox); err != nil {
			return err
		}
	}
	if inboxChange.RemoteChanged {
		data, err := remotemeta.Marshal(mergedInbox)
		if err != nil {
			return err
		}
		if _, err := client.Put(ctx, inboxPath, data, ""); err != nil {
			return fmt.Errorf("push inbox: %w", err)
		}
	}

	if goalsChange.LocalChanged {
		m.sink.Emit(events.Event{GoalsUpdated: &events.GoalsUpdated{
			GoalsChanged: true, ProgressChanged: false,
		}})
	}
	if inboxChange.LocalChanged {
		m.sink.Emit(events.Event{InboxUpdated: &events.InboxUpdated{InboxChanged: true}})
	}
	return nil
}

// DisableSync clears a notebook's credentials, sync config, and queued
// operations, and drops any cached client (the Manager never caches clients
// beyond a single call, so there is nothing further to release).
func (m *Manager) DisableSync(ctx context.Context, notebookID string) error {
	if err := m.creds.Delete(credentials.ScopeNotebook, notebookID); err != nil {
		return err
	}
	n, err := m.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return err
	}
	n.SyncConfig = nil
	if err := m.store.UpdateNotebook(ctx, n); err != nil {
		return err
	}
	return m.queue.Clear(notebookID)
}

// DisableLibrarySync clears a library's credentials and config, and disables
// sync for every notebook it owns.
func (m *Manager) DisableLibrarySync(ctx context.Context, libraryID string) error {
	if err := m.creds.Delete(credentials.ScopeLibrary, libraryID); err != nil {
		return err
	}
	m.cfgMu.Lock()
	delete(m.cfg.Libraries, libraryID)
	m.cfgMu.Unlock()
	if err := m.saveConfig(); err != nil {
		return err
	}

	notebooks, err := m.store.ListNotebooks(ctx)
	if err != nil {
		return err
	}
	for _, n := range notebooks {
		if n.LibraryID == libraryID {
			if err := m.DisableSync(ctx, n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueuePageUpdate records a page edit for the next sync and marks it dirty
// immediately, so a crash between the edit and the next sync never loses
// track of the pending push.
func (m *Manager) QueuePageUpdate(notebookID, pageID string) error {
	if err := m.localState.MarkPageModified(notebookID, pageID); err != nil {
		return err
	}
	return m.queue.PushPageUpdate(notebookID, pageID)
}

// ListNotebooks returns every known notebook, for callers (the CLI's
// status command, a library's representative-notebook lookup) that only
// need to read notebook records rather than drive a sync.
func (m *Manager) ListNotebooks(ctx context.Context) ([]*model.Notebook, error) {
	return m.store.ListNotebooks(ctx)
}

// RecentMerges reports the pages this notebook has auto-resolved by CRDT
// merge (§4.5): informational only, since the engine never asks a user to
// pick a side.
func (m *Manager) RecentMerges(notebookID string) []localstate.MergeEvent {
	return m.localState.RecentMerges(notebookID)
}

// PurgeExpiredTombstones removes local page records that have been
// soft-deleted for longer than the notebook's configured retention (30 days
// when unset), once they have had time to propagate to every other client
// through sync.
func (m *Manager) PurgeExpiredTombstones(ctx context.Context, notebookID string) error {
	n, err := m.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return err
	}
	if n.SyncConfig == nil {
		return nil
	}
	days := n.SyncConfig.TombstoneRetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	pages, err := m.store.ListAllPages(ctx, notebookID)
	if err != nil {
		return err
	}
	for _, p := range pages {
		if p.IsTombstone() && p.DeletedAt.Before(cutoff) {
			if err := m.store.DeletePage(ctx, notebookID, p.ID); err != nil {
				return fmt.Errorf("purge tombstoned page %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

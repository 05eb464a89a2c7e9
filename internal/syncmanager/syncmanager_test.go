package syncmanager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nous-app/notebook-sync/internal/config"
	"github.com/nous-app/notebook-sync/internal/credentials"
	"github.com/nous-app/notebook-sync/internal/events"
	"github.com/nous-app/notebook-sync/internal/localstate"
	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/queue"
	"github.com/nous-app/notebook-sync/internal/remotemeta"
	"github.com/nous-app/notebook-sync/internal/storage"
)

// testHarness wires a Manager against a temp-dir local layout, leaving the
// caller to point it at an httptest WebDAV server.
type testHarness struct {
	mgr   *Manager
	store storage.Store
	dir   string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ClientID = "client-a"

	store := storage.NewFileStore(dir)
	ls := localstate.NewStore(filepath.Join(dir, "state"))
	creds := credentials.NewStore(dir, credentials.NopKeyring{})
	q, err := queue.Open(filepath.Join(dir, "sync_queue.json"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	mgr := New(cfg, filepath.Join(dir, "config.yaml"), store, ls, creds, q, events.NopSink{})
	return &testHarness{mgr: mgr, store: store, dir: dir}
}

// davServer is a minimal in-memory WebDAV-like server tracking requests by
// method+path, used the way webdav.client_test.go's newTestClient does but
// with enough routing to drive a full notebook sync.
type davServer struct {
	t      *testing.T
	files  map[string][]byte
	etags  map[string]string
	mkcols []string
	seq    int
}

func newDavServer(t *testing.T) *davServer {
	return &davServer{t: t, files: make(map[string][]byte), etags: make(map[string]string)}
}

func (d *davServer) etagFor(p string) string {
	d.seq++
	etag := "etag" + strconv.Itoa(d.seq)
	d.etags[p] = etag
	return etag
}

func (d *davServer) handler() http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		p := r.URL.Path
		switch r.Method {
		case "MKCOL":
			d.mkcols = append(d.mkcols, p)
			w.WriteHeader(http.StatusCreated)
		case "PROPFIND":
			w.Header().Set("Content-Type", "application/xml")
			if _, ok := d.files[p]; !ok && !d.hasChildren(p) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(`<?xml version="1.0"?><D:multistatus xmlns:D="DAV:"></D:multistatus>`))
		case http.MethodHead:
			data, ok := d.files[p]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"`+d.etags[p]+`"`)
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := d.files[p]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"`+d.etags[p]+`"`)
			_, _ = w.Write(data)
		case http.MethodPut:
			body := readAll(r)
			d.files[p] = body
			w.Header().Set("ETag", `"`+d.etagFor(p)+`"`)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			delete(d.files, p)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (d *davServer) hasChildren(prefix string) bool {
	for p := range d.files {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func readAll(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	return data
}

func TestConfigureNotebookPersistsSyncConfigAndCreatesRemoteDir(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}

	dav := newDavServer(t)
	srv := httptest.NewServer(dav.handler())
	defer srv.Close()

	err := h.mgr.ConfigureNotebook(ctx, "nb1", NotebookInput{
		ServerURL:  srv.URL,
		RemotePath: "/nous/nb1",
		Username:   "u",
		Password:   "p",
		SyncMode:   model.SyncModeManual,
	})
	if err != nil {
		t.Fatalf("ConfigureNotebook: %v", err)
	}

	got, err := h.store.GetNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.SyncConfig == nil || !got.SyncConfig.Enabled {
		t.Fatalf("expected sync config to be enabled, got %+v", got.SyncConfig)
	}
	if got.SyncConfig.RemotePath != "/nous/nb1" {
		t.Fatalf("unexpected remote path: %+v", got.SyncConfig)
	}

	found := false
	for _, p := range dav.mkcols {
		if p == "/nous/nb1/pages" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected MKCOL on /nous/nb1/pages, got %v", dav.mkcols)
	}
}

func TestConfigureNotebookFailsWithoutReachableServer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}

	err := h.mgr.ConfigureNotebook(ctx, "nb1", NotebookInput{
		ServerURL:  "http://127.0.0.1:1", // nothing listens here
		RemotePath: "/nous/nb1",
		Username:   "u",
		Password:   "p",
	})
	if err == nil {
		t.Fatalf("expected error when the server is unreachable")
	}

	got, err := h.store.GetNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.SyncConfig != nil {
		t.Fatalf("expected sync config to remain unset after a failed configure, got %+v", got.SyncConfig)
	}
}

func TestSyncNotebookFirstSyncPushesNewPage(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	blocks := `[{"id":"b1","type":"paragraph","text":"hello","position":0}]`
	p := &model.Page{ID: "p1", NotebookID: "nb1", Title: "First", Type: model.PageTypeStandard, Content: []byte(blocks), UpdatedAt: time.Now()}
	if err := h.store.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}

	dav := newDavServer(t)
	srv := httptest.NewServer(dav.handler())
	defer srv.Close()

	if err := h.mgr.ConfigureNotebook(ctx, "nb1", NotebookInput{
		ServerURL: srv.URL, RemotePath: "/nous/nb1", Username: "u", Password: "p", SyncMode: model.SyncModeManual,
	}); err != nil {
		t.Fatalf("ConfigureNotebook: %v", err)
	}

	result, err := h.mgr.SyncNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("SyncNotebook: %v", err)
	}
	if result.Pushed == 0 {
		t.Fatalf("expected SyncResult to report a push, got %+v", result)
	}

	if _, ok := dav.files["/nous/nb1/pages/p1.crdt"]; !ok {
		t.Fatalf("expected page p1 to be pushed, remote files: %v", keys(dav.files))
	}
	if _, ok := dav.files["/nous/nb1/.sync-manifest.json"]; !ok {
		t.Fatalf("expected manifest to be pushed")
	}
	if _, ok := dav.files["/nous/nb1/.sync-sentinel"]; !ok {
		t.Fatalf("expected sentinel to be written after a push")
	}
}

func TestSyncNotebookRefusesConcurrentRun(t *testing.T) {
	h := newTestHarness(t)
	if !h.mgr.acquireGuard("nb1") {
		t.Fatalf("expected first acquire to succeed")
	}
	if h.mgr.acquireGuard("nb1") {
		t.Fatalf("expected second acquire on the same notebook to fail")
	}
	h.mgr.releaseGuard("nb1")
	if !h.mgr.acquireGuard("nb1") {
		t.Fatalf("expected acquire to succeed again after release")
	}
}

func TestDisableSyncClearsConfigAndCredentials(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}

	dav := newDavServer(t)
	srv := httptest.NewServer(dav.handler())
	defer srv.Close()

	if err := h.mgr.ConfigureNotebook(ctx, "nb1", NotebookInput{
		ServerURL: srv.URL, RemotePath: "/nous/nb1", Username: "u", Password: "p",
	}); err != nil {
		t.Fatalf("ConfigureNotebook: %v", err)
	}

	if err := h.mgr.DisableSync(ctx, "nb1"); err != nil {
		t.Fatalf("DisableSync: %v", err)
	}

	got, err := h.store.GetNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.SyncConfig != nil {
		t.Fatalf("expected sync config cleared, got %+v", got.SyncConfig)
	}
	if _, err := h.mgr.credentialsFor(got); err == nil {
		t.Fatalf("expected credentials to be gone after DisableSync")
	}
}

func TestResolveRemoteStandaloneVsLibraryManaged(t *testing.T) {
	h := newTestHarness(t)
	creds := credentials.Credentials{Username: "u", Password: "p"}
	if err := h.mgr.creds.Save(credentials.ScopeNotebook, "nb1", creds); err != nil {
		t.Fatalf("save credentials: %v", err)
	}
	if err := h.mgr.creds.Save(credentials.ScopeNotebook, "nb2", creds); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	standalone := &model.Notebook{ID: "nb1", SyncConfig: &model.SyncConfig{
		Enabled: true, ServerURL: "http://example.test", RemotePath: "/nous/nb1",
	}}
	remote, err := h.mgr.resolveRemote(standalone)
	if err != nil {
		t.Fatalf("resolveRemote: %v", err)
	}
	if remote.libraryBase != "/nous/nb1" || remote.notebookDir != "/nous/nb1" {
		t.Fatalf("expected standalone layout to collapse library base and notebook dir, got %+v", remote)
	}

	managed := &model.Notebook{ID: "nb2", SyncConfig: &model.SyncConfig{
		Enabled: true, ServerURL: "http://example.test", RemoteBasePath: "/nous", ManagedByLibrary: true,
	}}
	remote, err = h.mgr.resolveRemote(managed)
	if err != nil {
		t.Fatalf("resolveRemote: %v", err)
	}
	if remote.libraryBase != "/nous" || remote.notebookDir != path.Join("/nous", "nb2") {
		t.Fatalf("expected library-managed layout to nest under the library base, got %+v", remote)
	}
}

func TestPlanPageSyncFallsBackToManifestOnChangelogGap(t *testing.T) {
	h := newTestHarness(t)

	manifest := remotemeta.NewManifest()
	manifest.Pages["p-old"] = remotemeta.PageManifestEntry{ETag: "e1"}
	changelog := remotemeta.NewChangelog()

	// A brand-new local client has LastChangelogSeq == 0, which HasGap
	// always treats as a gap (first sync): every manifest page must be
	// assumed changed rather than relying on an empty changelog.
	needsSync, remoteChanged := h.mgr.planPageSync("nb1", nil, manifest, changelog)
	_ = needsSync
	if !remoteChanged["p-old"] {
		t.Fatalf("expected a changelog gap to fall back to treating every manifest page as changed, got %+v", remoteChanged)
	}
}

func TestSyncNotebookAppendsChangelogEntryForPushedPage(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	blocks := `[{"id":"b1","type":"paragraph","text":"hello","position":0}]`
	p := &model.Page{ID: "p1", NotebookID: "nb1", Title: "First", Type: model.PageTypeStandard, Content: []byte(blocks), UpdatedAt: time.Now()}
	if err := h.store.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}

	dav := newDavServer(t)
	srv := httptest.NewServer(dav.handler())
	defer srv.Close()

	if err := h.mgr.ConfigureNotebook(ctx, "nb1", NotebookInput{
		ServerURL: srv.URL, RemotePath: "/nous/nb1", Username: "u", Password: "p", SyncMode: model.SyncModeManual,
	}); err != nil {
		t.Fatalf("ConfigureNotebook: %v", err)
	}
	if _, err := h.mgr.SyncNotebook(ctx, "nb1"); err != nil {
		t.Fatalf("SyncNotebook: %v", err)
	}

	raw, ok := dav.files["/nous/nb1/.changelog.json"]
	if !ok {
		t.Fatalf("expected changelog to be pushed")
	}
	var changelog remotemeta.Changelog
	if err := json.Unmarshal(raw, &changelog); err != nil {
		t.Fatalf("unmarshal changelog: %v", err)
	}
	if len(changelog.Entries) != 1 || changelog.Entries[0].PageID != "p1" {
		t.Fatalf("expected one changelog entry for p1, got %+v", changelog.Entries)
	}
	if changelog.Entries[0].Operation != remotemeta.OpUpdated {
		t.Fatalf("expected an updated operation, got %q", changelog.Entries[0].Operation)
	}
}

func TestApplyPagesMetaSoftDeletesFromNewerRemoteTombstone(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := h.store.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	p := &model.Page{ID: "p1", NotebookID: "nb1", Title: "First", Type: model.PageTypeStandard, Content: []byte("[]"), UpdatedAt: time.Now()}
	if err := h.store.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}

	pagesMeta := remotemeta.PagesMeta{
		"p1": remotemeta.PageMeta{Title: "First", Deleted: true, DeletedAt: time.Now()},
	}
	if err := h.mgr.applyPagesMeta(ctx, "nb1", pagesMeta); err != nil {
		t.Fatalf("applyPagesMeta: %v", err)
	}

	got, err := h.store.GetPage(ctx, "nb1", "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !got.IsTombstone() {
		t.Fatalf("expected page to be soft-deleted from a newer remote tombstone")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

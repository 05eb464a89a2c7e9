package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nous-app/notebook-sync/internal/localstate"
	"github.com/nous-app/notebook-sync/internal/storage"
	"github.com/nous-app/notebook-sync/internal/syncutil"
	"github.com/nous-app/notebook-sync/internal/webdav"
)

func writeLocalAsset(t *testing.T, dataDir, notebookID, relPath string, data []byte) {
	t.Helper()
	store := storage.NewFileStore(dataDir)
	full := store.AssetPath(notebookID, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
}

func newSyncer(t *testing.T, dataDir string, handler http.HandlerFunc) (*Syncer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client, err := webdav.New(srv.URL, webdav.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("webdav.New: %v", err)
	}
	return &Syncer{
		Client:      client,
		Store:       storage.NewFileStore(dataDir),
		LocalState:  localstate.NewStore(filepath.Join(dataDir, "state")),
		Pool:        syncutil.NewWorkerPool(2),
		LibraryBase: "lib1",
	}, srv
}

// No asset-manifest.json on the server at all means the library predates
// the CAS layout; Sync must fall back to the legacy per-notebook mirror
// instead of erroring.
func TestSyncFallsBackToLegacyWithoutManifest(t *testing.T) {
	dataDir := t.TempDir()
	writeLocalAsset(t, dataDir, "nb1", "img/a.png", []byte("pixels"))

	var putCount int
	syncer, srv := newSyncer(t, dataDir, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/lib1/asset-manifest.json":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			putCount++
			w.Header().Set("ETag", `"v1"`)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	result, err := syncer.Sync(context.Background(), "nb1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Mode != "legacy" {
		t.Fatalf("expected legacy mode, got %q", result.Mode)
	}
	if result.Pushed != 1 {
		t.Fatalf("expected 1 pushed asset, got %d", result.Pushed)
	}
	if putCount != 1 {
		t.Fatalf("expected exactly one PUT, got %d", putCount)
	}
}

// When the CAS object for a local asset's hash already exists remotely,
// Sync must dedup: no PUT of the object body, but the manifest still gets
// an entry and the asset is marked pushed.
func TestSyncCASDedupsExistingObject(t *testing.T) {
	dataDir := t.TempDir()
	writeLocalAsset(t, dataDir, "nb1", "img/a.png", []byte("pixels"))

	var objectPuts, manifestPuts int
	syncer, srv := newSyncer(t, dataDir, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/lib1/asset-manifest.json":
			w.Header().Set("ETag", `"m0"`)
			w.Write([]byte("{}"))
		case r.Method == http.MethodHead:
			w.Header().Set("Content-Length", "6")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/lib1/asset-manifest.json":
			manifestPuts++
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut:
			objectPuts++
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	result, err := syncer.Sync(context.Background(), "nb1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Mode != "cas" {
		t.Fatalf("expected cas mode, got %q", result.Mode)
	}
	if result.Pushed != 1 {
		t.Fatalf("expected 1 pushed asset, got %d", result.Pushed)
	}
	if objectPuts != 0 {
		t.Fatalf("expected no object PUT when CAS object already exists, got %d", objectPuts)
	}
	if manifestPuts != 1 {
		t.Fatalf("expected manifest to be rewritten once, got %d", manifestPuts)
	}
}

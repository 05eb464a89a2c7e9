package webdav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c, err := New(srv.URL, Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestHeadNotFoundIsNotAnError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	res, err := c.Head(context.Background(), "notebook/pages/x.crdt")
	if err != nil {
		t.Fatalf("Head returned error for 404: %v", err)
	}
	if res.Exists {
		t.Fatalf("expected Exists=false")
	}
}

func TestGetNotFoundIsAnError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := c.Get(context.Background(), "missing.json")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestPutConflictIsNotAnError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") == "" {
			t.Fatalf("expected If-Match header")
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	})
	defer srv.Close()

	res, err := c.Put(context.Background(), "pages/p1.crdt", []byte("data"), "stale-etag")
	if err != nil {
		t.Fatalf("Put returned error for 412: %v", err)
	}
	if !res.Conflict || res.Success {
		t.Fatalf("expected conflict result, got %+v", res)
	}
}

func TestPutSuccessReturnsETag(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	res, err := c.Put(context.Background(), "pages/p1.crdt", []byte("data"), "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !res.Success || res.ETag != "abc123" {
		t.Fatalf("expected success with etag abc123, got %+v", res)
	}
}

func TestMkcolMethodNotAllowedIsSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	defer srv.Close()

	if err := c.Mkcol(context.Background(), "pages"); err != nil {
		t.Fatalf("expected 405 to be treated as success, got %v", err)
	}
}

func TestAuthFailureSurfacesAsAuthFailed(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	_, err := c.Head(context.Background(), "x")
	if !IsAuthFailed(err) {
		t.Fatalf("expected auth failed error, got %v", err)
	}
}

func TestGetToFileStreamsBody(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"deadbeef"`)
		_, _ = w.Write([]byte("hello world"))
	})
	defer srv.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "sub", "out.bin")
	etag, err := c.GetToFile(context.Background(), "asset.bin", local)
	if err != nil {
		t.Fatalf("GetToFile: %v", err)
	}
	if etag != "deadbeef" {
		t.Fatalf("expected etag deadbeef, got %q", etag)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read local file: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestParsePropfindResponseToleratesLowercasePrefix(t *testing.T) {
	xml := `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/remote.php/dav/files/user/notebook/pages/p1.crdt</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"etag-1"</d:getetag>
        <d:getcontentlength>42</d:getcontentlength>
        <d:getlastmodified>Mon, 01 Jan 2024 00:00:00 GMT</d:getlastmodified>
        <d:resourcetype/>
      </d:prop>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/dav/files/user/notebook/pages/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/></d:resourcetype>
      </d:prop>
    </d:propstat>
  </d:response>
</d:multistatus>`

	resources, err := parsePropfindResponse(xml, "https://cloud.example.com/remote.php/dav/files/user")
	if err != nil {
		t.Fatalf("parsePropfindResponse: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d: %+v", len(resources), resources)
	}
	if resources[0].Path != "notebook/pages/p1.crdt" {
		t.Fatalf("unexpected path: %q", resources[0].Path)
	}
	if resources[0].ETag != "etag-1" {
		t.Fatalf("unexpected etag: %q", resources[0].ETag)
	}
	if resources[0].ContentLength != 42 {
		t.Fatalf("unexpected length: %d", resources[0].ContentLength)
	}
	if !resources[1].IsCollection {
		t.Fatalf("expected second resource to be a collection")
	}
}

func TestListFilesRecursiveDetectsCycles(t *testing.T) {
	calls := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/pages/</D:href>
    <D:propstat><D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop></D:propstat>
  </D:response>
</D:multistatus>`))
	})
	defer srv.Close()

	files, err := c.ListFilesRecursive(context.Background(), "pages")
	if err != nil {
		t.Fatalf("ListFilesRecursive: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
	if calls != 1 {
		t.Fatalf("expected exactly one PROPFIND call (cycle must be detected), got %d", calls)
	}
}

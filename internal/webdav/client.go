// Package webdav implements the thin WebDAV client the sync engine uses to
// talk to a library's remote object store: PROPFIND/GET/PUT/HEAD/MKCOL/DELETE
// over HTTP Basic auth, with ETag-based optimistic concurrency on PUT.
package webdav

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Error kinds surfaced by the client. Transport errors are returned wrapped
// and are not one of these sentinels; callers that care use errors.Is.
type Error struct {
	Kind    Kind
	Path    string
	Status  int
	Message string
}

// Kind classifies a webdav Error.
type Kind int

const (
	KindAuthFailed Kind = iota
	KindNotFound
	KindServer
	KindXMLParse
	KindInvalidURL
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindAuthFailed:
		return "webdav: authentication failed"
	case KindNotFound:
		return fmt.Sprintf("webdav: resource not found: %s", e.Path)
	case KindServer:
		return fmt.Sprintf("webdav: server error %d on %s: %s", e.Status, e.Path, e.Message)
	case KindXMLParse:
		return fmt.Sprintf("webdav: xml parse error: %s", e.Message)
	case KindInvalidURL:
		return fmt.Sprintf("webdav: invalid url: %s", e.Message)
	default:
		return "webdav: error"
	}
}

// IsNotFound reports whether err is a webdav 404.
func IsNotFound(err error) bool {
	var e *Error
	return asWebdavErr(err, &e) && e.Kind == KindNotFound
}

// IsAuthFailed reports whether err is a webdav auth failure.
func IsAuthFailed(err error) bool {
	var e *Error
	return asWebdavErr(err, &e) && e.Kind == KindAuthFailed
}

func asWebdavErr(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Credentials is the HTTP Basic auth pair used against the remote.
type Credentials struct {
	Username string
	Password string
}

// HeadResult is the outcome of a HEAD probe.
type HeadResult struct {
	Exists        bool
	ETag          string
	ContentLength int64
}

// PutResult is the outcome of a conditional PUT.
type PutResult struct {
	Success  bool
	ETag     string
	Conflict bool
}

// ResourceInfo describes one entry returned by PROPFIND.
type ResourceInfo struct {
	Path          string
	IsCollection  bool
	ETag          string
	LastModified  string
	ContentLength int64
}

// Client is a WebDAV client bound to a single library base URL.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials Credentials
	limiter     *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit throttles outbound requests to at most requestsPerSecond,
// independent of the caller's own WebDAV semaphore (§5 of the spec bounds
// concurrency; this bounds rate).
func WithRateLimit(requestsPerSecond float64) Option {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
		}
	}
}

// New creates a client for the given library base URL.
func New(baseURL string, creds Credentials, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, &Error{Kind: KindInvalidURL, Message: "URL must start with http:// or https://"}
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
		baseURL:     baseURL,
		credentials: creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + p
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(p), body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
	return req, nil
}

func trimETag(v string) string {
	return strings.Trim(v, `"`)
}

// TestConnection issues a depth-0 PROPFIND against the library root.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.Propfind(ctx, "", 0)
	return err
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getlastmodified/>
    <D:getetag/>
    <D:getcontentlength/>
    <D:resourcetype/>
  </D:prop>
</D:propfind>`

// Propfind lists the given path (depth 0 or 1).
func (c *Client) Propfind(ctx context.Context, p string, depth int) ([]ResourceInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, "PROPFIND", p, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("propfind %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuthFailed}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Path: p}
	case resp.StatusCode != http.StatusMultiStatus && resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Kind: KindServer, Path: p, Status: resp.StatusCode, Message: string(body)}
	}

	xmlBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("propfind %s: read body: %w", p, err)
	}
	return parsePropfindResponse(string(xmlBody), c.baseURL)
}

// Get downloads the full resource body.
func (c *Client) Get(ctx context.Context, p string) ([]byte, error) {
	data, _, err := c.GetWithETag(ctx, p)
	return data, err
}

// GetWithETag downloads the resource and reports its ETag.
func (c *Client) GetWithETag(ctx context.Context, p string) ([]byte, string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", &Error{Kind: KindAuthFailed}
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", &Error{Kind: KindNotFound, Path: p}
	case resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &Error{Kind: KindServer, Path: p, Status: resp.StatusCode, Message: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: read body: %w", p, err)
	}
	return data, trimETag(resp.Header.Get("ETag")), nil
}

// GetToFile streams the remote resource to a local file path, returning its ETag.
func (c *Client) GetToFile(ctx context.Context, remotePath, localPath string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, remotePath, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Kind: KindAuthFailed}
	case resp.StatusCode == http.StatusNotFound:
		return "", &Error{Kind: KindNotFound, Path: remotePath}
	case resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(resp.Body)
		return "", &Error{Kind: KindServer, Path: remotePath, Status: resp.StatusCode, Message: string(body)}
	}

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create local dir: %w", err)
		}
	}
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("stream download: %w", err)
	}
	return trimETag(resp.Header.Get("ETag")), nil
}

// Head probes a resource's existence, ETag, and size without downloading it.
// A missing resource is reported as HeadResult{Exists: false}, not an error.
func (c *Client) Head(ctx context.Context, p string) (HeadResult, error) {
	if err := c.wait(ctx); err != nil {
		return HeadResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodHead, p, nil)
	if err != nil {
		return HeadResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HeadResult{}, fmt.Errorf("head %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return HeadResult{}, &Error{Kind: KindAuthFailed}
	case resp.StatusCode == http.StatusNotFound:
		return HeadResult{Exists: false}, nil
	case resp.StatusCode/100 != 2:
		return HeadResult{}, &Error{Kind: KindServer, Path: p, Status: resp.StatusCode}
	}

	length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return HeadResult{
		Exists:        true,
		ETag:          trimETag(resp.Header.Get("ETag")),
		ContentLength: length,
	}, nil
}

// Put uploads data, optionally conditioned on an If-Match ETag. A 412
// response is not an error: it is reported as PutResult{Conflict: true}.
func (c *Client) Put(ctx context.Context, p string, data []byte, ifMatch string) (PutResult, error) {
	return c.putBody(ctx, p, bytes.NewReader(data), int64(len(data)), ifMatch)
}

// PutFile streams a local file to a remote path under the same If-Match rules as Put.
func (c *Client) PutFile(ctx context.Context, remotePath, localPath string, ifMatch string) (PutResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return PutResult{}, fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return PutResult{}, fmt.Errorf("stat local file: %w", err)
	}
	return c.putBody(ctx, remotePath, f, info.Size(), ifMatch)
}

func (c *Client) putBody(ctx context.Context, p string, body io.Reader, size int64, ifMatch string) (PutResult, error) {
	if err := c.wait(ctx); err != nil {
		return PutResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPut, p, body)
	if err != nil {
		return PutResult{}, err
	}
	req.ContentLength = size
	if ifMatch != "" {
		req.Header.Set("If-Match", `"`+ifMatch+`"`)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PutResult{}, fmt.Errorf("put %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return PutResult{Success: true, ETag: trimETag(resp.Header.Get("ETag"))}, nil
	case http.StatusPreconditionFailed:
		return PutResult{Conflict: true}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return PutResult{}, &Error{Kind: KindAuthFailed}
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return PutResult{}, &Error{Kind: KindServer, Path: p, Status: resp.StatusCode, Message: string(respBody)}
	}
}

// Mkcol creates a single collection. A 405 (already exists) is success.
func (c *Client) Mkcol(ctx context.Context, p string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, "MKCOL", p, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mkcol %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusMethodNotAllowed:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthFailed}
	default:
		body, _ := io.ReadAll(resp.Body)
		return &Error{Kind: KindServer, Path: p, Status: resp.StatusCode, Message: string(body)}
	}
}

// MkdirP creates every path segment in order, idempotently. Each per-segment
// failure is swallowed: the original implementation this is grounded on
// treats mkdir_p as best-effort, since a segment already existing as a
// collection is the overwhelmingly common case.
func (c *Client) MkdirP(ctx context.Context, p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	current := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if current == "" {
			current = part
		} else {
			current = current + "/" + part
		}
		_ = c.Mkcol(ctx, current)
	}
	return nil
}

// Delete removes a resource. A 404 is treated as success (already gone).
func (c *Client) Delete(ctx context.Context, p string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodDelete, p, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthFailed}
	default:
		body, _ := io.ReadAll(resp.Body)
		return &Error{Kind: KindServer, Path: p, Status: resp.StatusCode, Message: string(body)}
	}
}

// ListFilesRecursive performs an iterative depth-first PROPFIND walk, returning every
// non-collection resource under p. Cycle detection guards against malformed
// or adversarial servers reporting a collection that loops back on itself.
func (c *Client) ListFilesRecursive(ctx context.Context, p string) ([]ResourceInfo, error) {
	var files []ResourceInfo
	toVisit := []string{p}
	visited := make(map[string]bool)

	for len(toVisit) > 0 {
		dir := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]

		dirNorm := strings.Trim(dir, "/")
		if visited[dirNorm] {
			continue
		}
		visited[dirNorm] = true

		entries, err := c.Propfind(ctx, dir, 1)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}

		for _, entry := range entries {
			entryNorm := strings.Trim(entry.Path, "/")
			if entryNorm == dirNorm {
				continue
			}
			if entry.IsCollection {
				toVisit = append(toVisit, entry.Path)
			} else {
				files = append(files, entry)
			}
		}
	}

	return files, nil
}

// ServerType classifies the remote WebDAV server. Detection is advisory
// only; the sync algorithm is server-agnostic regardless of the result.
type ServerType struct {
	Product          string
	Version          string
	NextcloudNotify  bool
	IsNextcloud      bool
}

// DetectServerType probes status.php and, for Nextcloud, the capabilities
// endpoint for notify_push support.
func (c *Client) DetectServerType(ctx context.Context) ServerType {
	data, err := c.Get(ctx, "status.php")
	if err != nil {
		return ServerType{Product: "generic"}
	}

	var status struct {
		ProductName string `json:"productname"`
		Version     string `json:"version"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return ServerType{Product: "generic"}
	}
	if !strings.Contains(strings.ToLower(status.ProductName), "nextcloud") {
		return ServerType{Product: "generic"}
	}

	st := ServerType{Product: "nextcloud", Version: status.Version, IsNextcloud: true}

	req, err := c.newRequest(ctx, http.MethodGet, "ocs/v1.php/cloud/capabilities", nil)
	if err != nil {
		return st
	}
	req.Header.Set("OCS-APIRequest", "true")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return st
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return st
	}
	st.NextcloudNotify = bytes.Contains(body, []byte("notify_push"))
	return st
}

// JoinPath joins WebDAV path segments, tolerating leading/trailing slashes.
func JoinPath(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return path.Join(cleaned...)
}

// Package assets syncs notebook-relative binary files (images, embedded
// PDFs, attachments). The preferred path is content-addressable: files are
// hashed with SHA-256 and stored under cas/<hash[:2]>/<hash>.<ext> at the
// library root, deduplicating identical content across every notebook that
// references it. When the library exposes no asset-manifest.json, the
// engine falls back to a legacy per-notebook assets/ mirror whose pushes
// and pulls are not ETag-guarded.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/nous-app/notebook-sync/internal/localstate"
	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/remotemeta"
	"github.com/nous-app/notebook-sync/internal/storage"
	"github.com/nous-app/notebook-sync/internal/syncutil"
	"github.com/nous-app/notebook-sync/internal/webdav"
)

// Result summarizes one notebook's asset sync.
type Result struct {
	Pushed int
	Pulled int
	Mode   string // "cas" or "legacy"
}

// Syncer syncs a single notebook's assets against a library base path.
type Syncer struct {
	Client       *webdav.Client
	Store        storage.Store
	LocalState   *localstate.Store
	Pool         *syncutil.WorkerPool
	LibraryBase  string // remote path of the library root
}

// hashStreamed computes the SHA-256 of a file without loading it fully into
// memory, per §4.7 step 3's "streamed ... never load whole file into memory".
func hashStreamed(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func casPath(hash, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join("cas", hash[:2], hash+ext)
}

// Sync reconciles notebookID's local assets/ directory against the remote
// library, preferring the content-addressable path and falling back to the
// legacy per-notebook mirror when no asset-manifest.json exists remotely.
func (s *Syncer) Sync(ctx context.Context, notebookID string) (Result, error) {
	remoteManifestPath := path.Join(s.LibraryBase, "asset-manifest.json")
	manifestBytes, err := s.Client.Get(ctx, remoteManifestPath)
	if err != nil && !webdav.IsNotFound(err) {
		return Result{}, fmt.Errorf("fetch asset manifest: %w", err)
	}

	casAvailable := err == nil
	if !casAvailable {
		return s.syncLegacy(ctx, notebookID)
	}

	manifest := remotemeta.NewAssetManifest()
	if len(manifestBytes) > 0 {
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			manifest = remotemeta.NewAssetManifest()
		}
	}
	return s.syncCAS(ctx, notebookID, manifest)
}

func (s *Syncer) syncCAS(ctx context.Context, notebookID string, manifest remotemeta.AssetManifest) (Result, error) {
	localAssets, err := s.Store.ListAssets(ctx, notebookID)
	if err != nil {
		return Result{}, fmt.Errorf("list local assets: %w", err)
	}

	result := Result{Mode: "cas"}
	changed := false

	type pushTask struct {
		asset *model.Asset
	}
	var toPush []pushTask
	for _, a := range localAssets {
		_, inManifest := manifest[a.RelativePath]
		if !s.LocalState.AssetNeedsPush(notebookID, a.RelativePath, a.Size, a.ModTime) && inManifest {
			continue
		}
		toPush = append(toPush, pushTask{asset: a})
	}

	pushResults := syncutil.Process(ctx, s.Pool, toPush, func(ctx context.Context, t pushTask) (remotemeta.AssetManifestEntry, error) {
		localPath := s.Store.AssetPath(notebookID, t.asset.RelativePath)
		hash, size, err := hashStreamed(localPath)
		if err != nil {
			return remotemeta.AssetManifestEntry{}, fmt.Errorf("hash %s: %w", t.asset.RelativePath, err)
		}
		ext := path.Ext(t.asset.RelativePath)
		remotePath := casPath(hash, ext)

		head, err := s.Client.Head(ctx, remotePath)
		if err != nil {
			return remotemeta.AssetManifestEntry{}, fmt.Errorf("head cas object: %w", err)
		}
		if !head.Exists {
			data, err := os.ReadFile(localPath)
			if err != nil {
				return remotemeta.AssetManifestEntry{}, fmt.Errorf("read %s: %w", localPath, err)
			}
			if _, err := s.Client.Put(ctx, remotePath, data, ""); err != nil {
				return remotemeta.AssetManifestEntry{}, fmt.Errorf("put cas object: %w", err)
			}
		}
		entry := remotemeta.AssetManifestEntry{Hash: hash, Size: size, Ext: strings.TrimPrefix(ext, ".")}
		if err := s.LocalState.MarkAssetSynced(notebookID, t.asset.RelativePath, "", hash, t.asset.Size, t.asset.ModTime); err != nil {
			return entry, err
		}
		return entry, nil
	})

	for i, task := range toPush {
		r := pushResults[i]
		if r.Err != nil {
			continue // individual asset failures don't abort the sync (§7 Storage)
		}
		manifest[task.asset.RelativePath] = r.Result
		result.Pushed++
		changed = true
	}

	// Pull: remote entries missing, differently-hashed, or differently-sized
	// locally.
	localByPath := make(map[string]*model.Asset, len(localAssets))
	for _, a := range localAssets {
		localByPath[a.RelativePath] = a
	}
	for relPath, entry := range manifest {
		local, ok := localByPath[relPath]
		needsPull := !ok || local.Size != entry.Size
		if !needsPull {
			hash, _, err := hashStreamed(s.Store.AssetPath(notebookID, relPath))
			needsPull = err != nil || hash != entry.Hash
		}
		if !needsPull {
			continue
		}
		remotePath := casPath(entry.Hash, entry.Ext)
		localPath := s.Store.AssetPath(notebookID, relPath)
		if _, err := s.Client.GetToFile(ctx, remotePath, localPath); err != nil {
			continue
		}
		info, statErr := os.Stat(localPath)
		var mtime time.Time
		if statErr == nil {
			mtime = info.ModTime()
		}
		_ = s.LocalState.MarkAssetSynced(notebookID, relPath, "", entry.Hash, entry.Size, mtime)
		result.Pulled++
	}

	if changed {
		data, err := remotemeta.Marshal(manifest)
		if err != nil {
			return result, fmt.Errorf("marshal asset manifest: %w", err)
		}
		remotePath := path.Join(s.LibraryBase, "asset-manifest.json")
		if _, err := s.Client.Put(ctx, remotePath, data, ""); err != nil {
			return result, fmt.Errorf("push asset manifest: %w", err)
		}
	}

	return result, nil
}

// syncLegacy mirrors assets/ under the notebook's own remote path with the
// same bounded fan-out used for pages. Pushes are PUTs without If-Match and
// pulls are plain GETs of remote files missing locally; the returned ETag is
// only recorded.
func (s *Syncer) syncLegacy(ctx context.Context, notebookID string) (Result, error) {
	localAssets, err := s.Store.ListAssets(ctx, notebookID)
	if err != nil {
		return Result{}, fmt.Errorf("list local assets: %w", err)
	}
	result := Result{Mode: "legacy"}

	notebookRemoteBase := path.Join(s.LibraryBase, notebookID, "assets")

	type task struct {
		asset *model.Asset
	}
	var toPush []task
	for _, a := range localAssets {
		if s.LocalState.AssetNeedsPush(notebookID, a.RelativePath, a.Size, a.ModTime) {
			toPush = append(toPush, task{asset: a})
		}
	}

	results := syncutil.Process(ctx, s.Pool, toPush, func(ctx context.Context, t task) (bool, error) {
		localPath := s.Store.AssetPath(notebookID, t.asset.RelativePath)
		data, err := os.ReadFile(localPath)
		if err != nil {
			return false, err
		}
		remotePath := path.Join(notebookRemoteBase, t.asset.RelativePath)
		put, err := s.Client.Put(ctx, remotePath, data, "")
		if err != nil {
			return false, err
		}
		if !put.Success {
			return false, nil
		}
		return true, s.LocalState.MarkAssetSynced(notebookID, t.asset.RelativePath, put.ETag, "", t.asset.Size, t.asset.ModTime)
	})
	for _, r := range results {
		if r.Err == nil && r.Result {
			result.Pushed++
		}
	}

	remoteFiles, err := s.Client.ListFilesRecursive(ctx, notebookRemoteBase)
	if err != nil && !webdav.IsNotFound(err) {
		return result, fmt.Errorf("list remote assets: %w", err)
	}
	localByPath := make(map[string]bool, len(localAssets))
	for _, a := range localAssets {
		localByPath[a.RelativePath] = true
	}
	for _, rf := range remoteFiles {
		if rf.IsCollection {
			continue
		}
		relPath := strings.TrimPrefix(rf.Path, notebookID+"/assets/")
		if localByPath[relPath] {
			continue
		}
		localPath := s.Store.AssetPath(notebookID, relPath)
		if _, err := s.Client.GetToFile(ctx, rf.Path, localPath); err != nil {
			continue
		}
		result.Pulled++
	}

	return result, nil
}

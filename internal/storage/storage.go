// Package storage defines the interface the sync engine uses to read and
// write notebook content, and a file-backed implementation of it rooted at
// the local layout described by the app's data directory (§6.3). External
// collaborators (importers, the search index, the front-end) own the rest
// of that data directory's shape; the sync engine only ever goes through
// this interface.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nous-app/notebook-sync/internal/atomicfile"
	"github.com/nous-app/notebook-sync/internal/model"
)

// Store is the narrow surface the sync core consumes (§6.4). A mutex inside
// the file-backed implementation is held only for brief synchronous
// operations and never across network I/O.
type Store interface {
	ListNotebooks(ctx context.Context) ([]*model.Notebook, error)
	GetNotebook(ctx context.Context, id string) (*model.Notebook, error)
	UpdateNotebook(ctx context.Context, n *model.Notebook) error
	CreateNotebook(ctx context.Context, n *model.Notebook) error

	ListAllPages(ctx context.Context, notebookID string) ([]*model.Page, error)
	GetPage(ctx context.Context, notebookID, pageID string) (*model.Page, error)
	CreatePageWithID(ctx context.Context, p *model.Page) error
	UpdatePage(ctx context.Context, p *model.Page) error
	UpdatePageMetadata(ctx context.Context, p *model.Page) error
	UpdatePageContent(ctx context.Context, notebookID, pageID string, content []byte) error
	DeletePage(ctx context.Context, notebookID, pageID string) error

	ListFolders(ctx context.Context, notebookID string) ([]*model.Folder, error)
	SaveFoldersForSync(ctx context.Context, notebookID string, folders []*model.Folder) error
	ListSections(ctx context.Context, notebookID string) ([]*model.Section, error)
	SaveSectionsForSync(ctx context.Context, notebookID string, sections []*model.Section) error
	RepairOrphanedSections(ctx context.Context, notebookID string) error

	AssetPath(notebookID, relativePath string) string
	ListAssets(ctx context.Context, notebookID string) ([]*model.Asset, error)
}

// FileStore is a Store backed by the local filesystem layout:
//
//	<data_dir>/notebooks/<nb_id>/notebook.json
//	<data_dir>/notebooks/<nb_id>/pages/<page_id>.json
//	<data_dir>/notebooks/<nb_id>/folders.json
//	<data_dir>/notebooks/<nb_id>/sections.json
//	<data_dir>/notebooks/<nb_id>/assets/<relative path>
type FileStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

func (s *FileStore) notebookDir(id string) string {
	return filepath.Join(s.dataDir, "notebooks", id)
}

func (s *FileStore) notebookPath(id string) string {
	return filepath.Join(s.notebookDir(id), "notebook.json")
}

func (s *FileStore) pagePath(notebookID, pageID string) string {
	return filepath.Join(s.notebookDir(notebookID), "pages", pageID+".json")
}

func (s *FileStore) foldersPath(notebookID string) string {
	return filepath.Join(s.notebookDir(notebookID), "folders.json")
}

func (s *FileStore) sectionsPath(notebookID string) string {
	return filepath.Join(s.notebookDir(notebookID), "sections.json")
}

// AssetPath returns the local filesystem path for a notebook-relative asset.
func (s *FileStore) AssetPath(notebookID, relativePath string) string {
	return filepath.Join(s.notebookDir(notebookID), "assets", relativePath)
}

func (s *FileStore) ListNotebooks(ctx context.Context) ([]*model.Notebook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.dataDir, "notebooks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list notebooks: %w", err)
	}

	var out []*model.Notebook
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n model.Notebook
		if err := atomicfile.ReadJSON(s.notebookPath(e.Name()), &n); err != nil {
			continue // skip entries without a valid notebook.json
		}
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) GetNotebook(ctx context.Context, id string) (*model.Notebook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n model.Notebook
	if err := atomicfile.ReadJSON(s.notebookPath(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *FileStore) UpdateNotebook(ctx context.Context, n *model.Notebook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicfile.WriteJSON(s.notebookPath(n.ID), n, 0o644)
}

func (s *FileStore) CreateNotebook(ctx context.Context, n *model.Notebook) error {
	return s.UpdateNotebook(ctx, n)
}

func (s *FileStore) ListAllPages(ctx context.Context, notebookID string) ([]*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.notebookDir(notebookID), "pages")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pages: %w", err)
	}

	var out []*model.Page
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var p model.Page
		if err := atomicfile.ReadJSON(filepath.Join(dir, e.Name()), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) GetPage(ctx context.Context, notebookID, pageID string) (*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p model.Page
	if err := atomicfile.ReadJSON(s.pagePath(notebookID, pageID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *FileStore) CreatePageWithID(ctx context.Context, p *model.Page) error {
	return s.UpdatePage(ctx, p)
}

func (s *FileStore) UpdatePage(ctx context.Context, p *model.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicfile.WriteJSON(s.pagePath(p.NotebookID, p.ID), p, 0o644)
}

// UpdatePageMetadata rewrites everything about a page except its content,
// used by the remote-only pull path and pages-meta application so a
// metadata-only sync never touches a page's block document.
func (s *FileStore) UpdatePageMetadata(ctx context.Context, p *model.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pagePath(p.NotebookID, p.ID)
	var existing model.Page
	if err := atomicfile.ReadJSON(path, &existing); err != nil {
		return atomicfile.WriteJSON(path, p, 0o644)
	}
	content := existing.Content
	merged := *p
	merged.Content = content
	return atomicfile.WriteJSON(path, &merged, 0o644)
}

// UpdatePageContent rewrites only a page's content, leaving title, tags,
// position, and every other field untouched. This is the counterpart to
// UpdatePageMetadata, used when a CRDT merge or pull produces new block
// content but no metadata has changed.
func (s *FileStore) UpdatePageContent(ctx context.Context, notebookID, pageID string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pagePath(notebookID, pageID)
	var existing model.Page
	if err := atomicfile.ReadJSON(path, &existing); err != nil {
		return fmt.Errorf("load page for content update: %w", err)
	}
	existing.Content = content
	return atomicfile.WriteJSON(path, &existing, 0o644)
}

// DeletePage removes a page's file entirely, used by tombstone purge once a
// deletion is old enough that no peer can still need the tombstone.
func (s *FileStore) DeletePage(ctx context.Context, notebookID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.pagePath(notebookID, pageID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete page: %w", err)
	}
	return nil
}

func (s *FileStore) ListFolders(ctx context.Context, notebookID string) ([]*model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var folders []*model.Folder
	if err := atomicfile.ReadJSON(s.foldersPath(notebookID), &folders); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return folders, nil
}

func (s *FileStore) SaveFoldersForSync(ctx context.Context, notebookID string, folders []*model.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicfile.WriteJSON(s.foldersPath(notebookID), folders, 0o644)
}

func (s *FileStore) ListSections(ctx context.Context, notebookID string) ([]*model.Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sections []*model.Section
	if err := atomicfile.ReadJSON(s.sectionsPath(notebookID), &sections); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return sections, nil
}

func (s *FileStore) SaveSectionsForSync(ctx context.Context, notebookID string, sections []*model.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicfile.WriteJSON(s.sectionsPath(notebookID), sections, 0o644)
}

// RepairOrphanedSections reassigns any section whose ParentID points at a
// section that no longer exists back to the root (empty ParentID), so a
// structure merge that dropped an intermediate section never strands its
// children unreachable in the UI tree.
func (s *FileStore) RepairOrphanedSections(ctx context.Context, notebookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sections []*model.Section
	if err := atomicfile.ReadJSON(s.sectionsPath(notebookID), &sections); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	ids := make(map[string]bool, len(sections))
	for _, sec := range sections {
		ids[sec.ID] = true
	}
	changed := false
	for _, sec := range sections {
		if sec.ParentID != "" && !ids[sec.ParentID] {
			sec.ParentID = ""
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return atomicfile.WriteJSON(s.sectionsPath(notebookID), sections, 0o644)
}

func (s *FileStore) ListAssets(ctx context.Context, notebookID string) ([]*model.Asset, error) {
	root := filepath.Join(s.notebookDir(notebookID), "assets")
	var out []*model.Asset
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, &model.Asset{
			NotebookID:   notebookID,
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
			ModTime:      info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return out, nil
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nous-app/notebook-sync/internal/model"
)

func TestCreateAndGetNotebook(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	n := &model.Notebook{ID: "nb1", Name: "Work", UpdatedAt: time.Now()}
	if err := s.CreateNotebook(ctx, n); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	got, err := s.GetNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.Name != "Work" {
		t.Fatalf("unexpected notebook: %+v", got)
	}
}

func TestListNotebooksEmptyDirReturnsNoError(t *testing.T) {
	s := NewFileStore(t.TempDir())
	notebooks, err := s.ListNotebooks(context.Background())
	if err != nil {
		t.Fatalf("ListNotebooks: %v", err)
	}
	if len(notebooks) != 0 {
		t.Fatalf("expected no notebooks, got %d", len(notebooks))
	}
}

func TestUpdatePageMetadataPreservesContent(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	p := &model.Page{ID: "p1", NotebookID: "nb1", Title: "Original", Content: []byte("block-data")}
	if err := s.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}

	update := &model.Page{ID: "p1", NotebookID: "nb1", Title: "Renamed"}
	if err := s.UpdatePageMetadata(ctx, update); err != nil {
		t.Fatalf("UpdatePageMetadata: %v", err)
	}

	got, err := s.GetPage(ctx, "nb1", "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Title != "Renamed" {
		t.Fatalf("expected title to update, got %q", got.Title)
	}
	if string(got.Content) != "block-data" {
		t.Fatalf("expected content preserved, got %q", got.Content)
	}
}

func TestUpdatePageContentPreservesMetadata(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	p := &model.Page{ID: "p1", NotebookID: "nb1", Title: "Original", Tags: []string{"a"}, Content: []byte("old")}
	if err := s.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}

	if err := s.UpdatePageContent(ctx, "nb1", "p1", []byte("new")); err != nil {
		t.Fatalf("UpdatePageContent: %v", err)
	}

	got, err := s.GetPage(ctx, "nb1", "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if string(got.Content) != "new" {
		t.Fatalf("expected content updated, got %q", got.Content)
	}
	if got.Title != "Original" || len(got.Tags) != 1 {
		t.Fatalf("expected metadata preserved, got %+v", got)
	}
}

func TestDeletePageRemovesFile(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	p := &model.Page{ID: "p1", NotebookID: "nb1"}
	if err := s.CreatePageWithID(ctx, p); err != nil {
		t.Fatalf("CreatePageWithID: %v", err)
	}
	if err := s.DeletePage(ctx, "nb1", "p1"); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if _, err := s.GetPage(ctx, "nb1", "p1"); err == nil {
		t.Fatalf("expected page to be gone")
	}
	if err := s.DeletePage(ctx, "nb1", "p1"); err != nil {
		t.Fatalf("DeletePage on already-missing page should be a no-op: %v", err)
	}
}

func TestRepairOrphanedSectionsClearsDanglingParent(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	sections := []*model.Section{
		{ID: "s1", NotebookID: "nb1", Name: "root"},
		{ID: "s2", NotebookID: "nb1", Name: "child", ParentID: "missing"},
	}
	if err := s.SaveSectionsForSync(ctx, "nb1", sections); err != nil {
		t.Fatalf("SaveSectionsForSync: %v", err)
	}
	if err := s.RepairOrphanedSections(ctx, "nb1"); err != nil {
		t.Fatalf("RepairOrphanedSections: %v", err)
	}
	got, err := s.ListSections(ctx, "nb1")
	if err != nil {
		t.Fatalf("ListSections: %v", err)
	}
	for _, sec := range got {
		if sec.ID == "s2" && sec.ParentID != "" {
			t.Fatalf("expected orphaned parent to be cleared, got %+v", sec)
		}
	}
}

func TestListAssetsWalksAssetDir(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	assetDir := filepath.Join(dir, "notebooks", "nb1", "assets", "img")
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assetDir, "a.png"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	assets, err := s.ListAssets(context.Background(), "nb1")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].RelativePath != "img/a.png" {
		t.Fatalf("unexpected assets: %+v", assets)
	}
}

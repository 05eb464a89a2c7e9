// Package model defines the notebook content entities the sync engine
// reconciles: notebooks, pages, folders, sections, assets, goals, and inbox
// items. These are the types storage.Store reads and writes; the sync
// engine never interprets page content beyond what PageDocument needs.
package model

import "time"

// PageType enumerates the kinds of content a Page can hold.
type PageType string

const (
	PageTypeStandard PageType = "standard"
	PageTypeMarkdown PageType = "markdown"
	PageTypePDF      PageType = "pdf"
	PageTypeJupyter  PageType = "jupyter"
	PageTypeEPUB     PageType = "epub"
	PageTypeCalendar PageType = "calendar"
	PageTypeChat     PageType = "chat"
	PageTypeCanvas   PageType = "canvas"
	PageTypeDatabase PageType = "database"
)

// Notebook is the top-level container owning pages, folders, sections, and
// assets. It is owned exclusively by a library.
type Notebook struct {
	ID         string     `json:"id"`
	LibraryID  string     `json:"library_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Icon       string     `json:"icon,omitempty"`
	Color      string     `json:"color,omitempty"`
	Archived   bool       `json:"archived"`
	SortOrder  int        `json:"sort_order"`
	SyncConfig *SyncConfig `json:"sync_config,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Page is a content leaf inside a notebook.
type Page struct {
	ID         string     `json:"id"`
	NotebookID string     `json:"notebook_id"`
	Title      string     `json:"title"`
	Content    []byte     `json:"content"` // structured block document, engine-opaque
	Tags       []string   `json:"tags,omitempty"`
	FolderID   string     `json:"folder_id,omitempty"`
	SectionID  string     `json:"section_id,omitempty"`
	ParentID   string     `json:"parent_page_id,omitempty"`
	Position   int        `json:"position"`
	Archived   bool       `json:"archived"`
	Favorite   bool       `json:"favorite"`
	Type       PageType   `json:"type"`
	SourcePath string     `json:"source_path,omitempty"`
	StorageMode string    `json:"storage_mode,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// IsTombstone reports whether the page has been soft-deleted.
func (p *Page) IsTombstone() bool {
	return p.DeletedAt != nil
}

// Folder is a hierarchical organizational container inside a notebook.
type Folder struct {
	ID         string `json:"id"`
	NotebookID string `json:"notebook_id"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_folder_id,omitempty"`
	Position   int    `json:"position"`
}

// Section is a hierarchical organizational container inside a notebook,
// siblings of Folder.
type Section struct {
	ID         string `json:"id"`
	NotebookID string `json:"notebook_id"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_section_id,omitempty"`
	Position   int    `json:"position"`
}

// Asset is an immutable binary file referenced by pages via
// asset://<notebook-id>/<relative-path> URLs.
type Asset struct {
	NotebookID   string `json:"notebook_id"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	ModTime      time.Time `json:"mod_time"`
}

// Goal is a library-scoped user task record.
type Goal struct {
	ID        string    `json:"id"`
	LibraryID string    `json:"library_id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GoalProgress records per-date progress toward a Goal.
type GoalProgress struct {
	GoalID       string    `json:"goal_id"`
	Date         string    `json:"date"` // YYYY-MM-DD
	Completed    bool      `json:"completed"`
	Value        float64   `json:"value"`
	AutoDetected bool      `json:"auto_detected"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InboxItem is a library-scoped quick-capture record.
type InboxItem struct {
	ID        string    `json:"id"`
	LibraryID string    `json:"library_id"`
	Text      string    `json:"text"`
	Processed bool      `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthType enumerates supported remote authentication schemes.
type AuthType string

const (
	AuthTypeBasic AuthType = "basic"
)

// SyncMode controls when a notebook or library is synced.
type SyncMode string

const (
	SyncModeManual   SyncMode = "manual"
	SyncModeOnSave   SyncMode = "on_save"
	SyncModeInterval SyncMode = "interval"
)

// ServerTypeHint records the advisory result of server-type detection (§6.5).
type ServerTypeHint string

const (
	ServerTypeGeneric   ServerTypeHint = "generic"
	ServerTypeNextcloud ServerTypeHint = "nextcloud"
)

// SyncConfig is the per-notebook or per-library sync configuration (§6.7).
type SyncConfig struct {
	Enabled            bool           `json:"enabled"`
	ServerURL          string         `json:"server_url"`
	RemotePath         string         `json:"remote_path,omitempty"`     // per-notebook
	RemoteBasePath     string         `json:"remote_base_path,omitempty"` // per-library
	AuthType           AuthType       `json:"auth_type"`
	SyncMode           SyncMode       `json:"sync_mode"`
	SyncIntervalSecs   int            `json:"sync_interval_seconds,omitempty"`
	ManagedByLibrary   bool           `json:"managed_by_library,omitempty"`
	ServerType         ServerTypeHint `json:"server_type,omitempty"`
	TombstoneRetentionDays int        `json:"tombstone_retention_days,omitempty"`
}

// Package config handles configuration loading and management for
// notebook-sync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nous-app/notebook-sync/internal/model"
)

// Config is the complete app-level configuration: where notebook data
// lives, concurrency caps, and per-library sync settings.
type Config struct {
	// DataDir is the root of the local layout (§6.3): notebooks/, the sync
	// queue, and the credential store.
	DataDir string `yaml:"data_dir"`

	// ClientID identifies this installation in changelog entries and CRDT
	// writer stamps. Generated once and persisted; never regenerated.
	ClientID string `yaml:"client_id"`

	Concurrency ConcurrencyConfig          `yaml:"concurrency"`
	Libraries   map[string]*LibraryConfig  `yaml:"libraries"`
}

// ConcurrencyConfig holds the tunable bounds from §4.9/§5.
type ConcurrencyConfig struct {
	// WebDAVConcurrency bounds in-flight WebDAV requests across all
	// concurrent syncs and phases. Default DEFAULT_WEBDAV_CONCURRENCY = 8.
	WebDAVConcurrency int `yaml:"webdav_concurrency"`

	// NotebookConcurrency bounds concurrent notebook syncs within one
	// library sync. Default MAX_NOTEBOOK_CONCURRENCY = 4.
	NotebookConcurrency int `yaml:"notebook_concurrency"`

	// OnSaveDebounceSeconds collapses repeated on-save triggers for the same
	// notebook into one.
	OnSaveDebounceSeconds int `yaml:"onsave_debounce_seconds"`
}

// LibraryConfig is the per-library sync configuration (§6.7), plus
// per-notebook overrides keyed by notebook id.
type LibraryConfig struct {
	ServerURL              string                      `yaml:"server_url"`
	RemoteBasePath         string                      `yaml:"remote_base_path"`
	AuthType               model.AuthType              `yaml:"auth_type"`
	SyncMode               model.SyncMode              `yaml:"sync_mode"`
	SyncIntervalSeconds    int                         `yaml:"sync_interval_seconds,omitempty"`
	ServerType             model.ServerTypeHint        `yaml:"server_type,omitempty"`
	TombstoneRetentionDays int                         `yaml:"tombstone_retention_days,omitempty"`
	Notebooks              map[string]*NotebookOverride `yaml:"notebooks,omitempty"`
}

// NotebookOverride holds per-notebook sync settings when a notebook is not
// managed by its library (ManagedByLibrary = false in model.SyncConfig).
type NotebookOverride struct {
	ServerURL  string         `yaml:"server_url,omitempty"`
	RemotePath string         `yaml:"remote_path,omitempty"`
	SyncMode   model.SyncMode `yaml:"sync_mode,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{
			WebDAVConcurrency:     8,
			NotebookConcurrency:   4,
			OnSaveDebounceSeconds: 5,
		},
		Libraries: make(map[string]*LibraryConfig),
	}
}

// DefaultLocations lists the paths Load searches, in order, when called
// with an empty path.
func DefaultLocations() []string {
	locations := []string{
		".notebook-sync.yaml",
		".notebook-sync.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, ".config", "notebook-sync", "config.yaml"),
			filepath.Join(home, ".config", "notebook-sync", "config.yml"),
		)
	}
	return locations
}

// ResolvePath returns the file Load(path) would read: path itself if
// non-empty, otherwise the first existing entry in DefaultLocations(). It
// lets a caller that needs to Save back to the same file (the CLI)
// recover which location was actually used.
func ResolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	locations := DefaultLocations()
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no configuration file found (tried: %s)", strings.Join(locations, ", "))
}

// Load loads configuration from a file or default locations.
func Load(path string) (*Config, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return loadFromFile(resolved)
}

// loadFromFile loads configuration from a specific file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandEnvVars()

	if strings.HasPrefix(cfg.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, cfg.DataDir[1:])
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars expands ${ENV_VAR} references in config values that may
// reasonably carry secrets or host-specific paths.
func (c *Config) expandEnvVars() {
	c.DataDir = expandEnv(c.DataDir)
	for _, lib := range c.Libraries {
		lib.ServerURL = expandEnv(lib.ServerURL)
	}
}

// expandEnv expands ${VAR} or $VAR references.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		return os.Getenv(envVar)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return os.ExpandEnv(s)
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.Concurrency.WebDAVConcurrency <= 0 {
		return fmt.Errorf("concurrency.webdav_concurrency must be positive")
	}
	if c.Concurrency.NotebookConcurrency <= 0 {
		return fmt.Errorf("concurrency.notebook_concurrency must be positive")
	}
	for id, lib := range c.Libraries {
		if lib.ServerURL == "" {
			return fmt.Errorf("libraries.%s.server_url is required", id)
		}
		switch lib.SyncMode {
		case model.SyncModeManual, model.SyncModeOnSave, model.SyncModeInterval, "":
		default:
			return fmt.Errorf("libraries.%s.sync_mode %q is invalid", id, lib.SyncMode)
		}
		if lib.SyncMode == model.SyncModeInterval && lib.SyncIntervalSeconds <= 0 {
			return fmt.Errorf("libraries.%s.sync_interval_seconds must be positive for interval mode", id)
		}
	}
	return nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Library returns the named library's config, creating an empty entry if
// none exists yet (used by configure_library before the fields are filled in).
func (c *Config) Library(id string) *LibraryConfig {
	if c.Libraries == nil {
		c.Libraries = make(map[string]*LibraryConfig)
	}
	lib, ok := c.Libraries[id]
	if !ok {
		lib = &LibraryConfig{Notebooks: make(map[string]*NotebookOverride)}
		c.Libraries[id] = lib
	}
	return lib
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

var (
	cfgNotebookID   string
	cfgServerURL    string
	cfgRemotePath   string
	cfgUsername     string
	cfgPassword     string
	cfgSyncMode     string

	cfgLibraryID       string
	cfgRemoteBasePath  string
	cfgSyncIntervalSec int
)

// configureNotebookCmd represents the configure-notebook command.
var configureNotebookCmd = &cobra.Command{
	Use:   "configure-notebook",
	Short: "Configure standalone WebDAV sync for one notebook",
	Long: `Point a single notebook at a WebDAV server and enable sync.

The notebook is synced standalone: its remote directory is its own, not
nested under any library base.

Example:
  notebook-sync configure-notebook --notebook nb1 \
    --server-url https://dav.example.com --remote-path /nous/nb1 \
    --username me --password "$WEBDAV_PASSWORD" --sync-mode manual`,
	RunE: runConfigureNotebook,
}

// configureLibraryCmd represents the configure-library command.
var configureLibraryCmd = &cobra.Command{
	Use:   "configure-library",
	Short: "Configure WebDAV sync for a whole library",
	Long: `Point a library at a WebDAV server, enabling sync for every notebook
it owns and bringing future notebooks under library-managed sync
automatically.

Example:
  notebook-sync configure-library --library lib1 \
    --server-url https://dav.example.com --remote-base-path /nous \
    --username me --password "$WEBDAV_PASSWORD" --sync-mode interval \
    --sync-interval-secs 300`,
	RunE: runConfigureLibrary,
}

func init() {
	configureNotebookCmd.Flags().StringVar(&cfgNotebookID, "notebook", "", "notebook id (required)")
	configureNotebookCmd.Flags().StringVar(&cfgServerURL, "server-url", "", "WebDAV server URL (required)")
	configureNotebookCmd.Flags().StringVar(&cfgRemotePath, "remote-path", "", "remote directory for this notebook (required)")
	configureNotebookCmd.Flags().StringVar(&cfgUsername, "username", "", "WebDAV Basic auth username")
	configureNotebookCmd.Flags().StringVar(&cfgPassword, "password", "", "WebDAV Basic auth password")
	configureNotebookCmd.Flags().StringVar(&cfgSyncMode, "sync-mode", "manual", "sync mode (manual|on_save|interval)")
	_ = configureNotebookCmd.MarkFlagRequired("notebook")
	_ = configureNotebookCmd.MarkFlagRequired("server-url")
	_ = configureNotebookCmd.MarkFlagRequired("remote-path")

	configureLibraryCmd.Flags().StringVar(&cfgLibraryID, "library", "", "library id (required)")
	configureLibraryCmd.Flags().StringVar(&cfgServerURL, "server-url", "", "WebDAV server URL (required)")
	configureLibraryCmd.Flags().StringVar(&cfgRemoteBasePath, "remote-base-path", "", "remote directory under which every notebook's folder is nested (required)")
	configureLibraryCmd.Flags().StringVar(&cfgUsername, "username", "", "WebDAV Basic auth username")
	configureLibraryCmd.Flags().StringVar(&cfgPassword, "password", "", "WebDAV Basic auth password")
	configureLibraryCmd.Flags().StringVar(&cfgSyncMode, "sync-mode", "manual", "sync mode (manual|on_save|interval)")
	configureLibraryCmd.Flags().IntVar(&cfgSyncIntervalSec, "sync-interval-secs", 0, "poll interval in seconds, required for --sync-mode interval")
	_ = configureLibraryCmd.MarkFlagRequired("library")
	_ = configureLibraryCmd.MarkFlagRequired("server-url")
	_ = configureLibraryCmd.MarkFlagRequired("remote-base-path")
}

func parseSyncMode(s string) (model.SyncMode, error) {
	switch model.SyncMode(s) {
	case model.SyncModeManual, model.SyncModeOnSave, model.SyncModeInterval:
		return model.SyncMode(s), nil
	default:
		return "", fmt.Errorf("invalid --sync-mode %q (must be manual, on_save, or interval)", s)
	}
}

func runConfigureNotebook(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	mode, err := parseSyncMode(cfgSyncMode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.ConfigureNotebook(ctx, cfgNotebookID, syncmanager.NotebookInput{
		ServerURL: cfgServerURL, RemotePath: cfgRemotePath,
		Username: cfgUsername, Password: cfgPassword, SyncMode: mode,
	}); err != nil {
		return fmt.Errorf("configure notebook %s: %w", cfgNotebookID, err)
	}

	fmt.Printf("Notebook %s is now syncing to %s%s (mode: %s)\n", cfgNotebookID, cfgServerURL, cfgRemotePath, mode)
	return nil
}

func runConfigureLibrary(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	mode, err := parseSyncMode(cfgSyncMode)
	if err != nil {
		return err
	}
	if mode == model.SyncModeInterval && cfgSyncIntervalSec <= 0 {
		return fmt.Errorf("--sync-interval-secs must be positive for --sync-mode interval")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.ConfigureLibrary(ctx, cfgLibraryID, syncmanager.LibraryInput{
		ServerURL: cfgServerURL, RemoteBasePath: cfgRemoteBasePath,
		Username: cfgUsername, Password: cfgPassword,
		SyncMode: mode, SyncIntervalSecs: cfgSyncIntervalSec,
	}); err != nil {
		return fmt.Errorf("configure library %s: %w", cfgLibraryID, err)
	}

	fmt.Printf("Library %s is now syncing to %s%s (mode: %s)\n", cfgLibraryID, cfgServerURL, cfgRemoteBasePath, mode)
	return nil
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// syncNotebookCmd represents the sync-notebook command.
var syncNotebookCmd = &cobra.Command{
	Use:   "sync-notebook <notebook-id>",
	Short: "Run one reconciliation pass for a single notebook",
	Long: `Run a full sync pass for one notebook: fetch remote metadata, push
local changes, pull remote-only pages, merge pages that changed on both
sides, and sync assets.

There is no conflict-resolution strategy to choose: pages that changed
on both sides are merged deterministically by the CRDT (see
'notebook-sync conflicts').`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncNotebook,
}

// syncLibraryCmd represents the sync-library command.
var syncLibraryCmd = &cobra.Command{
	Use:   "sync-library <library-id>",
	Short: "Run one reconciliation pass for every notebook in a library",
	Long: `Discover remote-only notebooks, sync every enabled notebook in the
library with bounded concurrency, then merge the library's shared goals
and inbox.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncLibrary,
}

func runSyncNotebook(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	notebookID := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	result, err := m.SyncNotebook(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("sync notebook %s: %w", notebookID, err)
	}
	printSyncResult(notebookID, result)
	return nil
}

func runSyncLibrary(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	libraryID := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	result, err := m.SyncLibrary(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("sync library %s: %w", libraryID, err)
	}
	printSyncResult(libraryID, result)
	return nil
}

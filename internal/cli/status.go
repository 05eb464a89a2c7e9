package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

var statusShowAll bool

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured notebooks",
	Long: `Show every known notebook's sync mode and whether sync is enabled,
without contacting the WebDAV server.

Example output:
  nb1                  manual     enabled
  nb2                  on_save    enabled
  nb3                  -          disabled`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusShowAll, "all", "a", false, "include archived notebooks")
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	notebooks, err := m.ListNotebooks(ctx)
	if err != nil {
		return fmt.Errorf("list notebooks: %w", err)
	}

	if len(notebooks) == 0 {
		fmt.Println("No notebooks found.")
		return nil
	}

	for _, n := range notebooks {
		if n.Archived && !statusShowAll {
			continue
		}
		if n.SyncConfig == nil || !n.SyncConfig.Enabled {
			fmt.Printf("  %-20s %-10s disabled\n", n.ID, "-")
			continue
		}
		fmt.Printf("  %-20s %-10s enabled\n", n.ID, n.SyncConfig.SyncMode)

		merges := m.RecentMerges(n.ID)
		if len(merges) > 0 {
			fmt.Printf("    %d page(s) auto-merged recently (see 'notebook-sync conflicts %s')\n", len(merges), n.ID)
		}
	}
	return nil
}

// printSyncResult renders a SyncResult the way the CLI reports every
// sync-notebook/sync-library run.
func printSyncResult(id string, r syncmanager.SyncResult) {
	fmt.Printf("%s: pushed %d, pulled %d, merged %d\n", id, r.Pushed, r.Pulled, r.Merged)
}

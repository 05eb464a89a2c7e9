package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var disableLibrary bool

// disableSyncCmd represents the disable-sync command.
var disableSyncCmd = &cobra.Command{
	Use:   "disable-sync <id>",
	Short: "Turn off sync for a notebook or library",
	Long: `Disable sync for a notebook, or (with --library) for an entire library
and every notebook it manages. Local content is left untouched; stored
credentials for the target are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisableSync,
}

func init() {
	disableSyncCmd.Flags().BoolVar(&disableLibrary, "library", false, "treat <id> as a library id instead of a notebook id")
}

func runDisableSync(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	id := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if disableLibrary {
		if err := m.DisableLibrarySync(ctx, id); err != nil {
			return fmt.Errorf("disable library sync %s: %w", id, err)
		}
		fmt.Printf("Sync disabled for library %s\n", id)
		return nil
	}

	if err := m.DisableSync(ctx, id); err != nil {
		return fmt.Errorf("disable notebook sync %s: %w", id, err)
	}
	fmt.Printf("Sync disabled for notebook %s\n", id)
	return nil
}

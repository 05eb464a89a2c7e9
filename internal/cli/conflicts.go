package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// conflictsCmd represents the conflicts command.
var conflictsCmd = &cobra.Command{
	Use:   "conflicts <notebook-id>",
	Short: "List pages auto-merged by the CRDT",
	Long: `List the pages in a notebook where both the local and remote copy had
changed since the last sync.

There is nothing to resolve here: the engine is an operational CRDT, not
a locking sync — a page edited on both sides is merged deterministically
the next time the notebook syncs (§4.5), using Lamport timestamps and a
client-id tie-break so every client converges on the same result. This
command is a read-only report of which pages that happened to, not a
queue waiting on a decision.`,
	Args: cobra.ExactArgs(1),
	RunE: runConflicts,
}

func runConflicts(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	notebookID := args[0]

	merges := m.RecentMerges(notebookID)
	if len(merges) == 0 {
		fmt.Println("No auto-merged pages recorded for this notebook.")
		return nil
	}

	fmt.Printf("%d auto-merged page(s) for %s:\n\n", len(merges), notebookID)
	for _, e := range merges {
		fmt.Printf("  %s    merged at %s\n", e.PageID, e.MergedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

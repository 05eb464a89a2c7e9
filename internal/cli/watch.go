package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-app/notebook-sync/internal/model"
	"github.com/nous-app/notebook-sync/internal/onsave"
	"github.com/nous-app/notebook-sync/internal/scheduler"
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch on-save notebooks and poll interval libraries continuously",
	Long: `Run continuously: start a debounced filesystem watcher for every
notebook configured with --sync-mode on_save, and a poll ticker for every
library configured with --sync-mode interval (each short-circuited by the
library's sentinel, so an idle library costs one HEAD request per tick
instead of a full sync).

Press Ctrl+C to stop watching.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, err := getManager()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notebooks, err := m.ListNotebooks(ctx)
	if err != nil {
		return fmt.Errorf("list notebooks: %w", err)
	}

	onError := func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		}
	}

	var watchers []*onsave.Watcher
	for _, n := range notebooks {
		if !onsave.ShouldWatch(n) {
			continue
		}
		pagesDir := onsave.PagesDirFor(cfg.DataDir, n.ID)
		debounce := time.Duration(cfg.Concurrency.OnSaveDebounceSeconds) * time.Second
		w := onsave.New(n.ID, pagesDir, m, debounce, onError)
		watchers = append(watchers, w)
		go func(w *onsave.Watcher, notebookID string) {
			if err := w.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "watch: notebook %s: %v\n", notebookID, err)
			}
		}(w, n.ID)
	}

	var libraries []scheduler.Library
	for id, lib := range cfg.Libraries {
		if lib.SyncMode == model.SyncModeInterval && lib.SyncIntervalSeconds > 0 {
			libraries = append(libraries, scheduler.Library{
				ID:       id,
				Interval: time.Duration(lib.SyncIntervalSeconds) * time.Second,
			})
		}
	}

	sched := scheduler.New(m, representativeNotebookLister{m}, func(libraryID string, err error) {
		fmt.Fprintf(os.Stderr, "watch: library %s: %v\n", libraryID, err)
	})
	sched.Start(ctx, libraries)
	defer sched.Stop()

	if len(watchers) == 0 && len(libraries) == 0 {
		fmt.Println("No on-save notebooks or interval libraries configured; nothing to watch.")
		return nil
	}
	fmt.Printf("Watching %d notebook(s) and %d librar(y/ies). Press Ctrl+C to stop.\n", len(watchers), len(libraries))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nStopping...")
	cancel()

	for _, w := range watchers {
		<-w.Done()
	}
	return nil
}

// representativeNotebookLister adapts syncmanager.Manager's notebook
// listing into scheduler.NotebookLister: any enabled notebook owned by
// the library is as good as any other for a sentinel check, since the
// sentinel is library-wide (§4.8).
type representativeNotebookLister struct {
	m interface {
		ListNotebooks(ctx context.Context) ([]*model.Notebook, error)
	}
}

func (l representativeNotebookLister) RepresentativeNotebook(ctx context.Context, libraryID string) (*model.Notebook, error) {
	notebooks, err := l.m.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range notebooks {
		if n.LibraryID == libraryID && n.SyncConfig != nil && n.SyncConfig.Enabled {
			return n, nil
		}
	}
	return nil, nil
}

// Package cli implements the Cobra-based command-line interface for
// notebook-sync.
//
// The CLI provides commands for initializing sync configuration,
// configuring notebooks and libraries, running notebook/library sync,
// watching for on-save triggers, and inspecting sync status.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nous-app/notebook-sync/internal/config"
	"github.com/nous-app/notebook-sync/internal/credentials"
	"github.com/nous-app/notebook-sync/internal/events"
	"github.com/nous-app/notebook-sync/internal/localstate"
	"github.com/nous-app/notebook-sync/internal/queue"
	"github.com/nous-app/notebook-sync/internal/storage"
	"github.com/nous-app/notebook-sync/internal/syncmanager"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags.
	cfgFile string
	verbose bool

	// Loaded configuration and the manager built on top of it, shared by
	// every subcommand's RunE.
	cfg          *config.Config
	resolvedPath string
	mgr          *syncmanager.Manager
)

// SetVersion sets the version information for the CLI.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "notebook-sync",
	Short: "WebDAV-backed notebook sync engine",
	Long: `notebook-sync synchronizes local notebooks against a plain WebDAV
server, reconciling concurrent edits with an operational CRDT instead of
locking or failing the sync.

Use 'notebook-sync init' to set up a new data directory, then
'notebook-sync configure-notebook' or 'notebook-sync configure-library'
to point it at a WebDAV server.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init creates the config; everything else requires it to exist.
		if cmd.Name() == "init" {
			return nil
		}

		resolved, err := config.ResolvePath(cfgFile)
		if err != nil {
			if verbose {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return ErrNoConfig
		}
		resolvedPath = resolved

		cfg, err = config.Load(cfgFile)
		if err != nil {
			if verbose {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return ErrNoConfig
		}
		mgr, err = buildManager(cfg)
		if err != nil {
			return fmt.Errorf("build sync manager: %w", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .notebook-sync.yaml/.yml in the working directory, then $HOME/.config/notebook-sync/config.yaml/.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("notebook-sync %s (commit: %s, built: %s)\n", version, commit, date))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configureNotebookCmd)
	rootCmd.AddCommand(configureLibraryCmd)
	rootCmd.AddCommand(syncNotebookCmd)
	rootCmd.AddCommand(syncLibraryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(disableSyncCmd)
}

// ErrNoConfig is returned when no configuration is available.
var ErrNoConfig = fmt.Errorf("no configuration found - run 'notebook-sync init' first")

// getConfig returns the loaded configuration or an error if not available.
func getConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg, nil
}

// getManager returns the Manager built against the loaded configuration.
func getManager() (*syncmanager.Manager, error) {
	if mgr == nil {
		return nil, ErrNoConfig
	}
	return mgr, nil
}

// buildManager wires a Manager the same way notebook-sync always does:
// a FileStore and local-state cache rooted at cfg.DataDir, a credential
// store with no OS-keyring mirror on the CLI (best-effort, per
// credentials.NopKeyring's doc comment), and a queue file sitting
// alongside them. Local CRDT bookkeeping lives under DataDir/state so it
// never mixes with the user-visible notebooks/ tree.
func buildManager(cfg *config.Config) (*syncmanager.Manager, error) {
	store := storage.NewFileStore(cfg.DataDir)
	ls := localstate.NewStore(filepath.Join(cfg.DataDir, "state"))
	creds := credentials.NewStore(cfg.DataDir, credentials.NopKeyring{})
	q, err := queue.Open(filepath.Join(cfg.DataDir, "sync_queue.json"))
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	return syncmanager.New(cfg, resolvedPath, store, ls, creds, q, events.NopSink{}), nil
}

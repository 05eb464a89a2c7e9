package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nous-app/notebook-sync/internal/config"
)

var (
	initDataDir    string
	initConfigPath string
)

// initCmd represents the init command.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a notebook-sync data directory",
	Long: `Initialize a new notebook-sync data directory and configuration file.

This creates the local notebooks/ tree, a fresh client id (used to
attribute CRDT edits and changelog entries to this installation), and a
config file for configure-notebook/configure-library to fill in.

Example:
  notebook-sync init --data-dir ~/notebooks`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "path to the local notebook data directory (required)")
	initCmd.Flags().StringVar(&initConfigPath, "config-path", "", "path to write config file (default: data-dir/.notebook-sync.yaml)")
	_ = initCmd.MarkFlagRequired("data-dir")
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println("Initializing notebook-sync...")

	dataDir, err := expandAndValidateDataDir(initDataDir)
	if err != nil {
		return err
	}
	fmt.Printf("  ✓ Data directory: %s\n", dataDir)

	configPath := initConfigPath
	if configPath == "" {
		configPath = filepath.Join(dataDir, ".notebook-sync.yaml")
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s (use --config-path to specify a different location)", configPath)
	}

	clientID, err := newClientID()
	if err != nil {
		return fmt.Errorf("generate client id: %w", err)
	}

	newCfg := config.DefaultConfig()
	newCfg.DataDir = dataDir
	newCfg.ClientID = clientID

	if err := newCfg.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("  ✓ Client id: %s\n", clientID)
	fmt.Printf("  ✓ Config file: %s\n", configPath)

	fmt.Println("\nInitialization complete!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. notebook-sync configure-notebook --notebook <id> --server-url <url> --remote-path <path>")
	fmt.Println("     or: notebook-sync configure-library --library <id> --server-url <url> --remote-base-path <path>")
	fmt.Println("  2. notebook-sync sync-notebook <id>  (or sync-library <id>)")

	return nil
}

// expandAndValidateDataDir expands ~ and ensures the directory exists,
// creating it if necessary.
func expandAndValidateDataDir(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return absPath, nil
}

// newClientID generates a random hex identifier, stable for the lifetime
// of this installation, used to attribute CRDT writes and changelog
// entries to this client (§6.3).
func newClientID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

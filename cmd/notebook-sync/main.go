// Package main provides the entry point for the notebook-sync CLI tool.
//
// notebook-sync synchronizes local notebooks against a plain WebDAV server,
// reconciling concurrent edits with an operational CRDT instead of locking
// or failing the sync.
package main

import (
	"os"

	"github.com/nous-app/notebook-sync/internal/cli"
)

// Version information set by build flags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersion(version, commit, date)
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

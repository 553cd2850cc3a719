// Command treesync runs and inspects a treesync authority: one Master that
// optimistic replicas flush their edits to.
package main

import (
	"fmt"
	"os"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("treesync", version)
		return
	}

	a := newApp()
	code := a.run(os.Args[1], os.Args[2:])
	a.Close()
	os.Exit(code)
}

func (a *app) run(cmd string, args []string) int {
	switch cmd {
	// Authority
	case "serve":
		return a.cmdServe(args)

	// Inspection and maintenance
	case "status":
		return a.cmdStatus(args)
	case "log":
		return a.cmdLog(args)
	case "prune":
		return a.cmdPrune(args)

	// Replica side
	case "snapshot":
		return a.cmdSnapshot(args)
	case "submit":
		return a.cmdSubmit(args)

	default:
		fmt.Fprintf(os.Stderr, "treesync: unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'treesync --help' for usage.")
		return 1
	}
}

func printUsage() {
	fmt.Print(`treesync: optimistic replication for a versioned tree document

One authority orders every edit. Replicas apply edits locally at once and
flush them in batches; stale batches are rebased and answered with a sync.

Usage:
  treesync <command> [flags]

Authority:
  serve [--listen ADDR]     Run the authority (HTTP + websocket)
        [--config FILE]     TOML config: listen, history, bolt_path,
                            sequential_ids, checkpoint_every, log_level
        [--history KIND]    sqlite | bolt | memory | none

Maintenance (reads the authority's database):
  status                    History bounds, checkpoints, replica cursors
  log [--since N]           Committed commands in order
  prune [--before N]        Drop history no active replica still needs

Replica:
  snapshot                  Fetch the current document from the server
  submit <json|->           Apply commands as a fresh replica and flush them

Environment:
  TREESYNC_DB        SQLite database path (default: .treesync/treesync.db)
  TREESYNC_SERVER    Server URL for replica commands (default: http://localhost:7420)
  TREESYNC_REPLICA   Replica id reported with flushes (default: random UUID)

All inspection and replica commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  prune refused (an active replica still needs the history)
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

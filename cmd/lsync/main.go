// Command lsync runs and inspects a local-first sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lsync",
	Short: "Local-first record sync",
	Long: `lsync keeps a local SQLite cache of record collections in sync with an
authoritative remote store.

Writes are applied locally first and queued; a running 'lsync run' pushes
them when the remote is reachable and follows the remote change feed.
'lsync serve' runs the authoritative store itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default <data-dir>/config.yaml)")
	flags.String("data-dir", ".localsync", "Directory holding the local cache")
	flags.String("remote-url", "http://127.0.0.1:8700", "Base URL of the remote store")
	flags.StringSlice("collections", []string{"users"}, "Collections to synchronize")
	flags.Bool("multi-process", true, "Coordinate with other lsync processes on the same data directory")
	flags.BoolP("verbose", "v", false, "Log engine activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command vetsync keeps a clinic workstation in sync with the shared
// consultation, lab and surgery queues.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vetsync",
	Short: "Realtime sync for the clinic's ticket queues",
	Long: `vetsync mirrors the clinic's consultation, lab and surgery queues from
the shared store, applies edits optimistically and keeps them in an offline
queue while the connection is down.

Configuration is read from vetsync.yaml (or .toml) in the working directory
or ~/.config/vetsync, or from the file given with --config. Every setting can
be overridden with a VETSYNC_ environment variable, e.g.
VETSYNC_STORE_BACKEND=firebase.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: vetsync.yaml in . or ~/.config/vetsync)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

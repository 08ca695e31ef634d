// Command imsync runs the bidirectional issue-tracker sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "imsync",
	Short: "Bidirectional issue-tracker synchronization engine",
	Long: `imsync mirrors remote issue trackers into a local graph and pushes
local changes back upstream.

Remote data is staged in a local SQLite mirror, projected onto a canonical
graph, and local edits are reconciled against already-synced history so only
the minimal set of mutations goes upstream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default imsync.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ghastats",
	Short: "ghastats - CI workflow run statistics",
	Long: `ghastats collects workflow runs of a repository into a local store,
skipping history it already holds, and reports run statistics per period.

Available commands:
  sync     - Sync a repository and stream the result as JSON lines
  stats    - Aggregate stored runs per day, week or month
  sessions - List recent syncs of a repository
  reset    - Forget everything stored for a repository
  serve    - Run the HTTP and websocket server

Examples:
  ghastats sync octo/hello
  ghastats stats octo/hello --period month --start 2025-01-01
  ghastats serve --config ghastats.toml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML or YAML)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

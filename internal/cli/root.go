// Package cli implements the research command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "research",
	Short: "research — benefit program research pipeline",
	Long: `research runs benefit programs through a staged content pipeline:
link gathering, screener field discovery, criteria extraction, test
generation, schema conversion, config generation and ticket creation.
QA-gated stages loop through bounded fix rounds before moving on.

All state is stored in ~/.research-pipeline/ (SQLite for the run ledger,
JSON for run state and artifacts).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./research.yaml, ~/.research-pipeline/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

// Command treeline is the multi-device sync tool for hierarchical
// outlines: a background daemon that moves outline records between the
// local tree and a shared per-record store, plus maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"treeline/internal/config"
)

var version = "0.3.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "treeline",
	Short:   "Multi-device sync for hierarchical outlines",
	Version: version,
	Long: `treeline keeps a hierarchical outline consistent across devices.

Edits are tracked per node, uploaded as individual records into weekly
zones, and merged field by field when two devices change the same node.
Run 'treeline sync' to start the daemon; the other commands inspect and
maintain its state.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default "+config.DefaultDir()+"/config.yaml)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(zoneCmd)
	rootCmd.AddCommand(resetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

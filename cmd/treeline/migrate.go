package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"treeline/internal/migrate"
	"treeline/internal/remote"
	"treeline/internal/state"
	"treeline/internal/track"
	"treeline/internal/tree"
	"treeline/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the one-time remote bootstrap check",
	Long: `Probe the current week's zone and resolve the migration state.

If another device already seeded the remote store, this defers to it and
the next sync pulls everything down. If the zone is absent, this device
becomes the seeder and queues its tree for upload. Once resolved, the
check never runs again (see 'treeline reset').`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := remote.OpenSQLite(cfg.RemotePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening remote store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		st, err := state.Open(cfg.StatePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctrl := migrate.New(tree.New(), store, st, track.New(), nil)
		outcome, err := ctrl.Run(context.Background(), time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Migration: %s\n", ui.RenderPass("✓"), outcome)
	},
}

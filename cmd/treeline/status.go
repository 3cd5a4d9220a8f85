package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"treeline/internal/record"
	"treeline/internal/remote"
	"treeline/internal/state"
	"treeline/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the sync state for the current week's zone.

Shows:
  - Migration state
  - Pending upload count
  - Resumption token presence
  - Remote store reachability`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		zone := record.ZoneForTime(time.Now())

		st, err := state.Open(cfg.StatePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		fmt.Printf("\n%s\n\n", ui.RenderHeader("treeline sync status"))
		fmt.Printf("   Zone:      %s\n", ui.RenderAccent(zone))

		done, err := st.MigrationDone(ctx)
		switch {
		case err != nil:
			fmt.Printf("   Migration: %s %v\n", ui.RenderError("✗"), err)
		case done:
			fmt.Printf("   Migration: %s complete\n", ui.RenderPass("✓"))
		default:
			fmt.Printf("   Migration: %s pending (runs on next sync)\n", ui.RenderWarn("⚠"))
		}

		dirty, err := st.LoadDirty(ctx)
		if err != nil {
			fmt.Printf("   Pending:   %s %v\n", ui.RenderError("✗"), err)
		} else if len(dirty) > 0 {
			fmt.Printf("   Pending:   %s %d uploads queued\n", ui.RenderWarn("⚠"), len(dirty))
		} else {
			fmt.Printf("   Pending:   %s nothing queued\n", ui.RenderPass("✓"))
		}

		token, err := st.LoadToken(ctx, zone)
		switch {
		case err != nil:
			fmt.Printf("   Token:     %s %v\n", ui.RenderError("✗"), err)
		case len(token) > 0:
			fmt.Printf("   Token:     %s saved (incremental fetch)\n", ui.RenderPass("✓"))
		default:
			fmt.Printf("   Token:     %s none (next fetch is a full resync)\n", ui.RenderMuted("-"))
		}

		store, err := remote.OpenSQLite(cfg.RemotePath)
		if err != nil {
			fmt.Printf("   Remote:    %s unreachable: %v\n\n", ui.RenderError("✗"), err)
			return
		}
		defer store.Close()

		_, err = store.HasRecords(ctx, zone, record.TypeOutlineNode)
		switch {
		case err == nil:
			fmt.Printf("   Remote:    %s %s\n\n", ui.RenderPass("✓"), cfg.RemotePath)
		case errors.Is(err, remote.ErrZoneNotFound):
			fmt.Printf("   Remote:    %s reachable, zone not created yet\n\n", ui.RenderWarn("⚠"))
		default:
			fmt.Printf("   Remote:    %s probe failed: %v\n\n", ui.RenderError("✗"), err)
		}
	},
}

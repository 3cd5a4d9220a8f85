package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"treeline/internal/engine"
	"treeline/internal/migrate"
	"treeline/internal/record"
	"treeline/internal/remote"
	"treeline/internal/state"
	"treeline/internal/track"
	"treeline/internal/tree"
	"treeline/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync daemon",
	Long: `Start the sync daemon for the current week's zone.

The daemon:
  1. Runs the one-time migration check against the remote store
  2. Hydrates the outline from the zone's records
  3. Uploads pending changes on the flush interval
  4. Applies inbound changes on the poll interval or on push notification
  5. Watches the backup directory for external markdown edits`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[treeline] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

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

		outline := tree.New()
		tracker := track.New()
		now := time.Now()
		zone := record.ZoneForTime(now)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outcome, err := migrate.New(outline, store, st, tracker, logger).Run(ctx, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during migration: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("Migration: %s", outcome)

		engCfg := &engine.Config{
			FlushInterval:    cfg.FlushInterval,
			PollInterval:     cfg.PollInterval,
			DebounceInterval: cfg.DebounceInterval,
			BackupDir:        cfg.BackupDir,
			Logger:           logger,
		}
		if cfg.NotifyURL != "" {
			engCfg.Notifier = remote.NewNotifier(cfg.NotifyURL, logger)
		}
		eng := engine.New(outline, store, st, tracker, zone, engCfg)

		// Pull the zone's current records before entering the loops so
		// status and uploads start from a hydrated tree.
		if err := eng.FetchOnce(ctx); err != nil {
			logger.Printf("Warning: initial fetch failed: %v", err)
		}

		fmt.Printf("%s Syncing zone %s (%d nodes, ctrl-c to stop)\n",
			ui.RenderAccent("↻"), zone, outline.Len())

		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

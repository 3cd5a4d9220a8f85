package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"treeline/internal/state"
	"treeline/internal/ui"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard local sync state",
	Long: `Clear the resumption tokens, the migration flag, and the pending
upload queue.

Remote data is untouched. The next sync re-runs the migration check and
performs a full resync, which is safe: uploads are idempotent upserts
keyed by stable identifiers.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !resetForce {
			confirmed := false
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title("Discard local sync state?").
					Description("The next sync will be a full resync.").
					Affirmative("Reset").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return
			}
		}

		st, err := state.Open(cfg.StatePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.Reset(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting state: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Local sync state cleared\n", ui.RenderPass("✓"))
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip the confirmation prompt")
}

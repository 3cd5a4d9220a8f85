package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"treeline/internal/record"
	"treeline/internal/ui"
)

var zoneCmd = &cobra.Command{
	Use:   "zone [date]",
	Short: "Show the zone name for a date",
	Long: `Resolve a calendar date to the weekly zone its records live in.

Accepts natural language or an ISO date:
  treeline zone                 # today
  treeline zone next friday
  treeline zone 2026-01-01`,
	Run: func(cmd *cobra.Command, args []string) {
		day := time.Now()
		text := strings.Join(args, " ")

		if text != "" {
			if parsed, err := time.Parse("2006-01-02", text); err == nil {
				day = parsed
			} else {
				w := when.New(nil)
				w.Add(en.All...)
				w.Add(common.All...)

				result, err := w.Parse(text, time.Now())
				if err != nil || result == nil {
					fmt.Fprintf(os.Stderr, "Error: could not understand %q as a date\n", text)
					os.Exit(1)
				}
				day = result.Time
			}
		}

		fmt.Printf("%s %s %s\n",
			day.Format("2006-01-02"),
			ui.RenderMuted("→"),
			ui.RenderAccent(record.ZoneForTime(day)))
	},
}

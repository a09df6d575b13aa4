package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtavner/calsync/internal/conflict"
	"github.com/dtavner/calsync/internal/schedule"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Recompute conflicts for a user's day",
	Long: `Recompute the conflict report of every entry on one calendar day.

Example usage:
  calsyncd check --user alice --date 2026-09-01`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		userID, _ := cmd.Flags().GetString("user")
		dateStr, _ := cmd.Flags().GetString("date")

		day := time.Now()
		if dateStr != "" {
			parsed, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid --date (want YYYY-MM-DD): %v\n", err)
				os.Exit(1)
			}
			day = parsed
		}

		store, err := schedule.OpenStore(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx := cmd.Context()
		if err := store.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		entries, err := store.SameDayEntries(ctx, userID, day)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading entries: %v\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			fmt.Printf("No entries for %s on %s\n", userID, day.Format("2006-01-02"))
			return
		}

		conflicted := 0
		for _, e := range entries {
			report := conflict.Detect(e, entries)
			marker := " "
			if report.HasConflict {
				marker = "!"
				conflicted++
			}
			fmt.Printf("%s %s–%s  %-30s %s\n", marker,
				e.StartTime.Format("15:04"), e.EndTime.Format("15:04"),
				e.Title, e.Priority)
			if report.HasConflict {
				printReport(report)
			}
		}
		fmt.Printf("\n%d of %d entries conflicted\n", conflicted, len(entries))
	},
}

func init() {
	checkCmd.Flags().String("user", "", "Owning user id")
	checkCmd.Flags().String("date", "", "Calendar day (YYYY-MM-DD, default today)")
	_ = checkCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(checkCmd)
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtavner/calsync/internal/calsync"
	"github.com/dtavner/calsync/internal/conflict"
	"github.com/dtavner/calsync/internal/schedule"
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a schedule entry and report its conflicts",
	Long: `Create a schedule entry through the full write path: priority
assignment, persistence, and conflict detection against the same-day
entries.

Times are RFC 3339, e.g. 2026-09-01T10:00:00+02:00.

Example usage:
  calsyncd add "Design review" --user alice \
      --from 2026-09-01T10:00:00Z --to 2026-09-01T11:00:00Z`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		userID, _ := cmd.Flags().GetString("user")
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")
		location, _ := cmd.Flags().GetString("location")
		remarks, _ := cmd.Flags().GetString("remarks")
		prio, _ := cmd.Flags().GetString("priority")

		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --from time: %v\n", err)
			os.Exit(1)
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --to time: %v\n", err)
			os.Exit(1)
		}
		if prio != "" && !schedule.Priority(prio).Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown priority %q (high|normal|low)\n", prio)
			os.Exit(1)
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

		service := calsync.NewService(store, newOracle(cfg), nil, nil, newLogger(cfg, "[calsync] "))

		entry, report, err := service.Create(ctx, schedule.Entry{
			UserID:    userID,
			Title:     args[0],
			StartTime: from,
			EndTime:   to,
			Location:  location,
			Remarks:   remarks,
			Priority:  schedule.Priority(prio),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating entry: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Created %s (%s, priority %s)\n", entry.ID, entry.Title, entry.Priority)
		printReport(report)
	},
}

func init() {
	addCmd.Flags().String("user", "", "Owning user id")
	addCmd.Flags().String("from", "", "Start time (RFC 3339)")
	addCmd.Flags().String("to", "", "End time (RFC 3339)")
	addCmd.Flags().String("location", "", "Location")
	addCmd.Flags().String("remarks", "", "Remarks")
	addCmd.Flags().String("priority", "", "Priority (high|normal|low); empty asks the oracle")
	_ = addCmd.MarkFlagRequired("user")
	_ = addCmd.MarkFlagRequired("from")
	_ = addCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(addCmd)
}

// printReport renders a conflict report for the terminal.
func printReport(report conflict.Report) {
	if !report.HasConflict {
		fmt.Println("No conflicts")
		return
	}

	fmt.Printf("Conflicts (severity %s):\n", report.Severity)
	for _, o := range report.ConflictingEntries {
		fmt.Printf("  - %s (%s–%s, %s priority): %d minutes overlap\n",
			o.Title,
			o.StartTime.Format("15:04"), o.EndTime.Format("15:04"),
			o.Priority, o.OverlapMinutes)
	}
	for _, line := range strings.Split(report.Suggestion, "\n") {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}
	if len(report.AlternativeSlots) > 0 {
		fmt.Println("Alternative slots:")
		for _, s := range report.AlternativeSlots {
			fmt.Printf("  - %s–%s (%s)\n",
				s.StartTime.Format("15:04"), s.EndTime.Format("15:04"), s.Benefit)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dtavner/calsync/internal/calsync"
	"github.com/dtavner/calsync/internal/config"
	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/priority"
	"github.com/dtavner/calsync/internal/registry"
	"github.com/dtavner/calsync/internal/schedule"
	"github.com/dtavner/calsync/internal/server"
	syncer "github.com/dtavner/calsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Start the calendar sync server.

Devices connect over WebSocket (ws://host/ws?token=...), identify
themselves with a sync_request, and from then on receive:
  - sync_response: their missed entries since last sync
  - sync_update:   changes made on other devices
  - notifications: styled create/update/delete/reminder/sync toasts

Example usage:
  calsyncd serve                         # defaults (:8787, calsync.db)
  calsyncd serve --config calsync.yaml   # explicit config`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		store, err := schedule.OpenStore(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := store.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		reg := registry.New(newLogger(cfg, "[registry] "))
		notifier := notify.NewBroadcaster(reg, newLogger(cfg, "[notify] "))
		notifier.SetStyleDefaults(cfg.Notifications.Sound, cfg.Notifications.Position, cfg.Notifications.DurationMs)

		coordinator := syncer.New(reg, store, notifier, &syncer.Config{
			QueryTimeout: cfg.SyncTimeout(),
			HistoryDepth: cfg.ChangeHistory,
			Logger:       newLogger(cfg, "[sync] "),
		})

		srv := server.New(coordinator, &server.Config{
			Addr:   cfg.Listen,
			Logger: newLogger(cfg, "[server] "),
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}

		// Reminder scan for entries starting soon.
		reminders := calsync.NewReminders(store, notifier, calsync.ReminderConfig{
			Logger: newLogger(cfg, "[reminder] "),
		})
		go reminders.Run(ctx)

		// Live reload of notification style defaults.
		if configPath != "" {
			go func() {
				err := config.Watch(ctx, configPath, newLogger(cfg, "[config] "), func(next *config.Config) {
					notifier.SetStyleDefaults(next.Notifications.Sound, next.Notifications.Position, next.Notifications.DurationMs)
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "Config watch error: %v\n", err)
				}
			}()
		}

		fmt.Printf("Sync server listening on %s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newOracle builds the configured priority oracle, wrapped in the
// timeout-and-default policy. A missing model yields the static default.
func newOracle(cfg *config.Config) priority.Oracle {
	var inner priority.Oracle
	if cfg.Priority.Model != "" {
		inner = priority.NewClaude(cfg.Priority.APIKey, cfg.Priority.Model)
	} else {
		inner = priority.Static{Priority: schedule.PriorityNormal}
	}
	return priority.NewFallback(inner, cfg.PriorityTimeout(), nil)
}

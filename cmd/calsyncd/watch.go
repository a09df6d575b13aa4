package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dtavner/calsync/internal/client"
	"github.com/dtavner/calsync/internal/notify"
)

var (
	watchURL      string
	watchDeviceID string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect as a device and print live schedule activity",
	Long: `Attach to a running sync server as a device.

The command keeps a WebSocket connection (reconnecting with backoff),
prints every notification as it arrives, and re-renders the synced
schedule after each change. Useful for tailing what connected devices
see.

Example usage:
  calsyncd watch --url "ws://localhost:8787/ws?token=u1"`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		if watchDeviceID == "" {
			watchDeviceID = "cli-" + uuid.NewString()[:8]
		}

		agent, err := client.New(client.Config{
			URL:      watchURL,
			DeviceID: watchDeviceID,
			Platform: "cli",
			Logger:   newLogger(cfg, "[agent] "),
			OnNotification: func(p notify.Payload) {
				fmt.Printf("[%s] %s: %s\n", p.Type, p.Title, p.Message)
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Watching as device %s\n", watchDeviceID)
		fmt.Println("Press Ctrl+C to stop...")

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Agent stopped: %v\n", err)
			}
		}()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastShown time.Time
		for {
			select {
			case <-ctx.Done():
				<-done
				fmt.Println("\nStopped")
				return
			case <-ticker.C:
				last := agent.LastSync()
				if last.IsZero() || last.Equal(lastShown) {
					continue
				}
				lastShown = last
				entries := agent.Entries()
				fmt.Printf("\nSchedule (%d entries, synced %s):\n", len(entries), last.Format("15:04:05"))
				for _, e := range entries {
					fmt.Printf("  %s - %s  %s [%s]\n",
						e.StartTime.Format("15:04"), e.EndTime.Format("15:04"), e.Title, e.Priority)
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:8787/ws?token=default", "Sync server WebSocket URL (including token)")
	watchCmd.Flags().StringVar(&watchDeviceID, "device", "", "Device id (default: generated)")
	rootCmd.AddCommand(watchCmd)
}

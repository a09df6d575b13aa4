// Command calsyncd keeps one user's calendar consistent across devices:
// it persists schedule entries, detects temporal conflicts, and fans
// changes out to every connected device over WebSocket.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dtavner/calsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "calsyncd",
	Short: "Multi-device calendar sync server",
	Long: `calsyncd synchronizes one user's schedule across devices.

A mutation (create/update/delete) is persisted, checked for temporal
conflicts against its same-day siblings, announced to every open device
as a styled notification, and fanned out as a sync change to peers.
Devices reconcile on (re)connect via sync_request/sync_response.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
}

// mustLoadConfig loads the config file or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds a prefixed logger, routed through a rotating file when
// the config names one.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

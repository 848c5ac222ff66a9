package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rendersync/internal/config"
	"rendersync/internal/logging"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rendersync",
	Short: "Chunked, resumable file transfer between render nodes",
	Long: `rendersync moves scene files, textures and caches between workstations and
render farm nodes over QUIC, in fixed-size chunks verified with BLAKE2b.`,
	SilenceUsage: true,
}

var nodeFlags *config.Flags

func init() {
	nodeFlags = config.RegisterFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rendersync:", err)
		os.Exit(1)
	}
}

// setup résout la configuration et installe le logger du processus.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Resolve(nodeFlags, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New("rendersync", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.With("node_id", cfg.NodeID), nil
}

// signalContext est annulé au premier SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

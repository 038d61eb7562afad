package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/mcpserver"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sandbox tools to an agent over MCP stdio",
	Long: `Run Sanduku as an MCP server on stdin/stdout. Agents get tools for
provisioning sandboxes, running commands, transferring files, and driving
browser sessions. Logs go to stderr; stdout carries the protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "use the in-memory backend (no containers)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout is the MCP transport, keep all logging on stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if serveDryRun {
		cfg.Backend.Kind = "memory"
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expiry still applies while the agent session is alive.
	sweeper := sandbox.NewSweeper(sc.Service.Manager, logger, cfg.Sweeper.Interval())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if sc.Service.Pool != nil {
		sc.Service.Pool.Fill(ctx)
	}

	srv := mcpserver.New(sc.Service, sc.Browser, logger)
	return srv.ServeStdio(ctx)
}

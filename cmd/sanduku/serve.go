package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/httpapi"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveDryRun     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator (HTTP gateway mode)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override gateway listen address (e.g. :8090)")
		cmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "use the in-memory backend (no containers)")
	}
}

// loadConfig resolves the config path from flag or env and loads it. A
// missing file at the default path falls back to the built-in defaults so
// `sanduku --dry-run` works without any setup.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := goutils.Env("SANDUKU_CONFIG", serveConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath() {
			logger.Info("no config file found, using defaults", slog.String("path", path))
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// runServe starts Sanduku in server mode: sweeper, warm pool, and HTTP
// gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveDryRun {
		cfg.Backend.Kind = "memory"
	}
	if serveListenAddr != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = serveListenAddr
	}

	logger.Info("starting sanduku",
		slog.String("backend", cfg.Backend.BackendKind()),
		slog.String("storage", cfg.StorageDriverName()),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expiry sweeper.
	sweeper := sandbox.NewSweeper(sc.Service.Manager, logger, cfg.Sweeper.Interval())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	// Pre-provision warm slots.
	if sc.Service.Pool != nil {
		sc.Service.Pool.Fill(ctx)
	}

	if cfg.Gateway == nil || !cfg.Gateway.Enabled {
		logger.Info("gateway disabled, running until signal")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	gw := buildGateway(cfg, sc)

	// Start the gateway in a goroutine; wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// buildGateway assembles the HTTP gateway from config and shared
// components.
func buildGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	// API keys from config, plus env override.
	apiKeys := append([]string(nil), cfg.Gateway.APIKeys...)
	if envKeys := os.Getenv("SANDUKU_API_KEYS"); envKeys != "" {
		for _, k := range strings.Split(envKeys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				apiKeys = append(apiKeys, k)
			}
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return httpapi.NewGateway(gwCfg, sc.Service, sc.Sessions, limiter, sc.Logger)
}

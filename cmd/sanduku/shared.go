package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/browser"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
)

// SharedComponents holds all initialized subsystems that both server and
// MCP modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   storage.Store // Unified store (SQLite or PostgreSQL).
	Obs     *observability.Observability
	Adapter backend.Adapter

	Service  *sandbox.Service
	Sessions *session.Registry
	Browser  *browser.Client // nil = browser sessions disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between server and
// MCP modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Isolation backend.
	adapter, err := initAdapter(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing backend: %w", err)
	}
	sc.Adapter = adapter
	logger.Debug("backend initialized", slog.String("kind", adapter.Name()))

	// Sandbox manager.
	mgr := sandbox.NewManager(adapter, buildTemplates(cfg), store.Sandboxes(), obs.MetricsOrNil(), logger, sandbox.ManagerConfig{
		DefaultLifetime:    cfg.Sandbox.DefaultLifetime(),
		DefaultExecTimeout: cfg.Sandbox.DefaultExecTimeout(),
		StartupWindow:      dockerStartupWindow(cfg),
	})
	if err := mgr.Restore(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("restoring sandbox records: %w", err)
	}

	// Session registry with port leases.
	alloc := ports.NewAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, logger)
	sessions := session.NewRegistry(alloc, store.Sessions(), logger).WithMetrics(obs.MetricsOrNil())
	if err := sessions.Restore(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("restoring session leases: %w", err)
	}
	sc.Sessions = sessions

	// A terminated sandbox takes its sessions down with it.
	mgr.OnTerminate(func(sandboxID string) {
		sessions.CloseBySandbox(context.Background(), sandboxID)
	})

	execClient := sandbox.NewExecClient(mgr, obs.MetricsOrNil(), logger).WithTracer(obs.TracerOrNil())
	files := sandbox.NewFileService(mgr, execClient, logger)
	resolver := sandbox.NewHostResolver(mgr, logger)

	// Warm pool (optional).
	var pool *sandbox.Pool
	if cfg.Pool != nil && len(cfg.Pool.Targets) > 0 {
		pool = sandbox.NewPool(mgr, obs.MetricsOrNil(), logger, sandbox.PoolConfig{
			Targets:          cfg.Pool.Targets,
			WarmLifetime:     cfg.Pool.WarmLifetime(),
			ReplenishRetries: cfg.Pool.ReplenishRetries,
		})
		sc.addCleanup(pool.Close)
		logger.Debug("warm pool initialized", slog.Int("templates", len(cfg.Pool.Targets)))
	}

	sc.Service = sandbox.NewService(mgr, pool, execClient, files, resolver, logger)

	// Browser automation (optional).
	if cfg.Browser != nil {
		sc.Browser = browser.NewClient(sc.Service, sessions, browser.Config{
			DriverCommand: cfg.Browser.DriverCommand,
			StartupWindow: cfg.Browser.StartupWindow(),
		}, logger)
		logger.Debug("browser client initialized")
	}

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeBackend {
			obs.Health.AddCheck("backend", adapter.Ping)
		}
	}

	return sc, nil
}

// buildTemplates converts config templates into sandbox templates. An
// empty config gets a single default template; the backend fills in its
// default image.
func buildTemplates(cfg *config.Config) map[string]sandbox.Template {
	templates := make(map[string]sandbox.Template, len(cfg.Templates))
	for name, t := range cfg.Templates {
		templates[name] = sandbox.Template{
			Name:         name,
			Image:        t.Image,
			PublishPorts: t.PublishPorts,
			Env:          t.Env,
		}
	}
	if len(templates) == 0 {
		templates["base"] = sandbox.Template{Name: "base"}
	}
	return templates
}

// initAdapter creates the isolation backend from config.
func initAdapter(cfg *config.Config, logger *slog.Logger) (backend.Adapter, error) {
	switch kind := cfg.Backend.BackendKind(); kind {
	case "docker":
		dockerCfg := backend.DockerConfig{}
		if dc := cfg.Backend.Docker; dc != nil {
			dockerCfg = backend.DockerConfig{
				DefaultImage:  dc.DefaultImage,
				MemoryMB:      dc.MemoryMB,
				CPUCores:      dc.CPUCores,
				PIDsLimit:     dc.PIDsLimit,
				StartupWindow: dockerStartupWindow(cfg),
			}
		}
		return backend.NewDocker(dockerCfg, logger), nil
	case "remote":
		rc := cfg.Backend.Remote
		if rc == nil {
			return nil, fmt.Errorf("backend.remote section is required for the remote backend")
		}
		return backend.NewRemote(backend.RemoteConfig{
			Endpoint: rc.Endpoint,
			APIKey:   rc.APIKey,
		}, logger), nil
	case "memory":
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %q (supported: docker, remote, memory)", kind)
	}
}

func dockerStartupWindow(cfg *config.Config) time.Duration {
	if dc := cfg.Backend.Docker; dc != nil && dc.StartupWindowSeconds > 0 {
		return time.Duration(dc.StartupWindowSeconds) * time.Second
	}
	return 0
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}

	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDUKU_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	return pgstore.Open(pgCfg, logger)
}

// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Backend       BackendConfig        `json:"backend" yaml:"backend"`
	Templates     map[string]Template  `json:"templates,omitempty" yaml:"templates,omitempty"` // Template name → profile. Empty = single default template.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Pool          *PoolConfig          `json:"pool,omitempty" yaml:"pool,omitempty"`                   // nil = warm pool disabled
	Sweeper       SweeperConfig        `json:"sweeper" yaml:"sweeper"`
	Ports         PortsConfig          `json:"ports" yaml:"ports"`
	Browser       *BrowserConfig       `json:"browser,omitempty" yaml:"browser,omitempty"` // nil = browser sessions disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = HTTP gateway disabled
}

// BackendConfig selects and configures the isolation substrate.
type BackendConfig struct {
	Kind   string        `json:"kind" yaml:"kind"` // "docker" (default), "remote", or "memory" (dry-run/testing).
	Docker *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// BackendKind returns the configured substrate kind, defaulting to "docker".
func (b *BackendConfig) BackendKind() string {
	if b != nil && b.Kind != "" {
		return b.Kind
	}
	return "docker"
}

// DockerConfig configures the Docker CLI backend.
type DockerConfig struct {
	DefaultImage         string  `json:"default_image" yaml:"default_image"`                   // Default: "sanduku-runtime:latest".
	MemoryMB             int     `json:"memory_mb" yaml:"memory_mb"`                           // Default: 1024.
	CPUCores             float64 `json:"cpu_cores" yaml:"cpu_cores"`                           // Default: 1.0.
	PIDsLimit            int     `json:"pids_limit" yaml:"pids_limit"`                         // Default: 256.
	StartupWindowSeconds int     `json:"startup_window_seconds" yaml:"startup_window_seconds"` // Default: 30.
}

// RemoteConfig configures a hosted sandbox service backend. The API key
// can be set here or via the SANDUKU_API_KEY env var; the env var takes
// precedence. A missing key is a startup error, not a per-call one.
type RemoteConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: SANDUKU_API_KEY env var.
}

// Template describes a base environment profile.
type Template struct {
	Image        string            `json:"image" yaml:"image"`
	PublishPorts []int             `json:"publish_ports,omitempty" yaml:"publish_ports,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// SandboxConfig sets lifecycle defaults.
type SandboxConfig struct {
	DefaultLifetimeMinutes int `json:"default_lifetime_minutes" yaml:"default_lifetime_minutes"` // Default: 30.
	DefaultExecSeconds     int `json:"default_exec_seconds" yaml:"default_exec_seconds"`         // Default: 60.
}

// DefaultLifetime returns the sandbox lifetime with a default of 30m.
func (s *SandboxConfig) DefaultLifetime() time.Duration {
	if s != nil && s.DefaultLifetimeMinutes > 0 {
		return time.Duration(s.DefaultLifetimeMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// DefaultExecTimeout returns the exec timeout with a default of 60s.
func (s *SandboxConfig) DefaultExecTimeout() time.Duration {
	if s != nil && s.DefaultExecSeconds > 0 {
		return time.Duration(s.DefaultExecSeconds) * time.Second
	}
	return 60 * time.Second
}

// PoolConfig configures warm sandbox slots per template.
type PoolConfig struct {
	Targets             map[string]int `json:"targets" yaml:"targets"` // Template name → warm slot count.
	WarmLifetimeMinutes int            `json:"warm_lifetime_minutes" yaml:"warm_lifetime_minutes"` // Default: 10.
	ReplenishRetries    int            `json:"replenish_retries" yaml:"replenish_retries"`         // Default: 5.
}

// WarmLifetime returns how long an unclaimed warm sandbox lives.
func (p *PoolConfig) WarmLifetime() time.Duration {
	if p != nil && p.WarmLifetimeMinutes > 0 {
		return time.Duration(p.WarmLifetimeMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// SweeperConfig configures the expiry sweep.
type SweeperConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"` // Default: 30.
}

// Interval returns the sweep interval with a default of 30s.
func (s *SweeperConfig) Interval() time.Duration {
	if s != nil && s.IntervalSeconds > 0 {
		return time.Duration(s.IntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// PortsConfig bounds the session port allocator's range.
type PortsConfig struct {
	RangeStart int `json:"range_start" yaml:"range_start"` // Default: 20000.
	RangeEnd   int `json:"range_end" yaml:"range_end"`     // Default: 40000. Exclusive.
}

// BrowserConfig configures UI-automation sessions.
type BrowserConfig struct {
	DriverCommand        []string `json:"driver_command,omitempty" yaml:"driver_command,omitempty"` // Default: ["browserd"].
	StartupWindowSeconds int      `json:"startup_window_seconds" yaml:"startup_window_seconds"`     // Default: 20.
	Template             string   `json:"template,omitempty" yaml:"template,omitempty"`             // Template used by `browser start` when provisioning.
}

// StartupWindow returns the driver startup bound with a default of 20s.
func (b *BrowserConfig) StartupWindow() time.Duration {
	if b != nil && b.StartupWindowSeconds > 0 {
		return time.Duration(b.StartupWindowSeconds) * time.Second
	}
	return 20 * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeBackend bool `json:"include_backend" yaml:"include_backend"`
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"` // At least one required when enabled.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8090".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8090"
}

// RateLimitConfig configures per-key rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Credentials can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a runnable configuration without a config file: Docker
// backend, SQLite storage, no gateway.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides applies environment variable precedence.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("SANDUKU_API_KEY"); envKey != "" {
		if c.Backend.Remote == nil {
			c.Backend.Remote = &RemoteConfig{}
		}
		c.Backend.Remote.APIKey = envKey
	}
	if envDD := os.Getenv("SANDUKU_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Backend.BackendKind() {
	case "docker", "memory":
		// no credentials required
	case "remote":
		if c.Backend.Remote == nil || c.Backend.Remote.Endpoint == "" {
			return fmt.Errorf("backend.remote.endpoint is required for the remote backend")
		}
		if c.Backend.Remote.APIKey == "" {
			return fmt.Errorf("backend.remote.api_key is required (set SANDUKU_API_KEY env var)")
		}
	default:
		return fmt.Errorf("backend.kind %q is not supported (use docker, remote, or memory)", c.Backend.Kind)
	}

	if c.Backend.Docker != nil {
		if c.Backend.Docker.MemoryMB < 0 {
			return fmt.Errorf("backend.docker.memory_mb must not be negative")
		}
		if c.Backend.Docker.CPUCores < 0 {
			return fmt.Errorf("backend.docker.cpu_cores must not be negative")
		}
	}

	for name, tmpl := range c.Templates {
		if tmpl.Image == "" {
			return fmt.Errorf("templates.%s.image is required", name)
		}
		for _, p := range tmpl.PublishPorts {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("templates.%s: publish port %d out of range", name, p)
			}
		}
	}

	if c.Pool != nil {
		for name, n := range c.Pool.Targets {
			if n < 0 {
				return fmt.Errorf("pool.targets.%s must not be negative", name)
			}
			if _, ok := c.Templates[name]; !ok && len(c.Templates) > 0 {
				return fmt.Errorf("pool.targets.%s references an unknown template", name)
			}
		}
	}

	if c.Ports.RangeStart != 0 || c.Ports.RangeEnd != 0 {
		if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd <= c.Ports.RangeStart {
			return fmt.Errorf("ports.range_start/range_end must describe a non-empty range")
		}
		if c.Ports.RangeEnd > 65535 {
			return fmt.Errorf("ports.range_end must not exceed 65535")
		}
	}

	if c.Gateway != nil && c.Gateway.Enabled && len(c.Gateway.APIKeys) == 0 {
		return fmt.Errorf("gateway.api_keys must contain at least one key when the gateway is enabled")
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}

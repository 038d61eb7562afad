package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
backend:
  kind: memory
templates:
  base:
    image: sanduku/base:latest
    publish_ports: [8080]
sandbox:
  default_lifetime_minutes: 5
  default_exec_seconds: 20
pool:
  targets:
    base: 2
gateway:
  enabled: true
  listen_addr: ":9000"
  api_keys: ["k1"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BackendKind() != "memory" {
		t.Errorf("backend kind = %q", cfg.Backend.BackendKind())
	}
	if got := cfg.Sandbox.DefaultLifetime(); got != 5*time.Minute {
		t.Errorf("default lifetime = %s", got)
	}
	if got := cfg.Sandbox.DefaultExecTimeout(); got != 20*time.Second {
		t.Errorf("default exec timeout = %s", got)
	}
	if cfg.Pool == nil || cfg.Pool.Targets["base"] != 2 {
		t.Errorf("pool targets = %+v", cfg.Pool)
	}
	if cfg.Gateway.Addr() != ":9000" {
		t.Errorf("gateway addr = %q", cfg.Gateway.Addr())
	}
}

func TestDefaultsWhenSectionsOmitted(t *testing.T) {
	cfg := Default()

	if cfg.Backend.BackendKind() != "docker" {
		t.Errorf("backend kind = %q, want docker", cfg.Backend.BackendKind())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("storage driver = %q, want sqlite", cfg.StorageDriverName())
	}
	if got := cfg.Sandbox.DefaultLifetime(); got != 30*time.Minute {
		t.Errorf("default lifetime = %s, want 30m", got)
	}
	if got := cfg.Sweeper.Interval(); got != 30*time.Second {
		t.Errorf("sweep interval = %s, want 30s", got)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "sanduku.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown backend kind",
			yaml:    "backend:\n  kind: firecracker\n",
			wantErr: "not supported",
		},
		{
			name:    "remote without endpoint",
			yaml:    "backend:\n  kind: remote\n",
			wantErr: "endpoint is required",
		},
		{
			name:    "template without image",
			yaml:    "backend:\n  kind: memory\ntemplates:\n  base: {}\n",
			wantErr: "image is required",
		},
		{
			name:    "publish port out of range",
			yaml:    "backend:\n  kind: memory\ntemplates:\n  base:\n    image: x\n    publish_ports: [70000]\n",
			wantErr: "out of range",
		},
		{
			name:    "gateway enabled without keys",
			yaml:    "backend:\n  kind: memory\ngateway:\n  enabled: true\n",
			wantErr: "api_keys",
		},
		{
			name:    "inverted port range",
			yaml:    "backend:\n  kind: memory\nports:\n  range_start: 30000\n  range_end: 20000\n",
			wantErr: "non-empty range",
		},
		{
			name:    "pool target for unknown template",
			yaml:    "backend:\n  kind: memory\ntemplates:\n  base:\n    image: x\npool:\n  targets:\n    other: 1\n",
			wantErr: "unknown template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRemoteAPIKeyEnvPrecedence(t *testing.T) {
	t.Setenv("SANDUKU_API_KEY", "env-key")

	path := writeConfig(t, "config.yaml", `
backend:
  kind: remote
  remote:
    endpoint: https://sandboxes.example.com
    api_key: file-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Remote.APIKey != "env-key" {
		t.Errorf("api key = %q, want env override", cfg.Backend.Remote.APIKey)
	}
}

func TestDataDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SANDUKU_DATA_DIR", dir)

	cfg := Default()
	if cfg.ResolvedDataDir() != dir {
		t.Errorf("data dir = %q, want %q", cfg.ResolvedDataDir(), dir)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "sanduku.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

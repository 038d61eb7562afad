// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (multi-process deployments).
package storage

import (
	"context"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

// Store is the unified persistence interface for Sanduku. It persists
// sandbox records and session port leases; the in-process registries stay
// authoritative while the process runs, the store is what a restart
// rehydrates from.
type Store interface {
	// Sandboxes returns the sandbox record store.
	Sandboxes() sandbox.RecordStore

	// Sessions returns the session lease store.
	Sessions() session.Store

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestSandboxRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sb := &sandbox.Sandbox{
		ID:        "sbx-1",
		Template:  "base",
		State:     sandbox.StateReady,
		BackendID: "sanduku-sbx-abc",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.Sandboxes().SaveSandbox(ctx, sb); err != nil {
		t.Fatalf("SaveSandbox: %v", err)
	}

	// Upsert: a state change on the same id must not insert a second row.
	sb.State = sandbox.StateTerminated
	if err := s.Sandboxes().SaveSandbox(ctx, sb); err != nil {
		t.Fatalf("SaveSandbox upsert: %v", err)
	}

	records, err := s.Sandboxes().ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	got := records[0]
	if got.State != sandbox.StateTerminated || got.Template != "base" || got.BackendID != "sanduku-sbx-abc" {
		t.Fatalf("record = %+v", got)
	}
	if !got.ExpiresAt.Equal(sb.ExpiresAt) {
		t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, sb.ExpiresAt)
	}

	if err := s.Sandboxes().DeleteSandbox(ctx, "sbx-1"); err != nil {
		t.Fatalf("DeleteSandbox: %v", err)
	}
	records, _ = s.Sandboxes().ListSandboxes(ctx)
	if len(records) != 0 {
		t.Fatalf("records after delete = %d, want 0", len(records))
	}
}

func TestSessionLeaseUniquePort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lease := &session.Session{
		ID:        "sess-1",
		SandboxID: "sbx-1",
		Port:      31111,
		StartedAt: time.Now().UTC(),
	}
	if err := s.Sessions().SaveSession(ctx, lease); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	dup := &session.Session{
		ID:        "sess-2",
		SandboxID: "sbx-2",
		Port:      31111,
		StartedAt: time.Now().UTC(),
	}
	err := s.Sessions().SaveSession(ctx, dup)
	if !sandbox.IsKind(err, sandbox.KindPortConflict) {
		t.Fatalf("err = %v, want KindPortConflict", err)
	}

	// Releasing frees the port for a new lease.
	if err := s.Sessions().DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.Sessions().SaveSession(ctx, dup); err != nil {
		t.Fatalf("SaveSession after release: %v", err)
	}

	leases, err := s.Sessions().ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(leases) != 1 || leases[0].ID != "sess-2" {
		t.Fatalf("leases = %+v", leases)
	}
}

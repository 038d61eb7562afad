package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// SandboxRepository persists sandbox records.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// SaveSandbox upserts the record keyed by sandbox id.
func (r *SandboxRepository) SaveSandbox(ctx context.Context, sb *sandbox.Sandbox) error {
	model := SandboxModel{
		ID:         sb.ID,
		Template:   sb.Template,
		State:      string(sb.State),
		BackendID:  sb.BackendID,
		PoolOrigin: sb.PoolOrigin,
		CreatedAt:  sb.CreatedAt,
		ExpiresAt:  sb.ExpiresAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"template", "state", "backend_id", "pool_origin", "expires_at", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// DeleteSandbox removes the record. Deleting a missing record is not an error.
func (r *SandboxRepository) DeleteSandbox(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error
}

// ListSandboxes returns all persisted sandbox records.
func (r *SandboxRepository) ListSandboxes(ctx context.Context) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	out := make([]*sandbox.Sandbox, 0, len(models))
	for _, m := range models {
		out = append(out, &sandbox.Sandbox{
			ID:         m.ID,
			Template:   m.Template,
			State:      sandbox.State(m.State),
			BackendID:  m.BackendID,
			PoolOrigin: m.PoolOrigin,
			CreatedAt:  m.CreatedAt,
			ExpiresAt:  m.ExpiresAt,
		})
	}
	return out, nil
}

// SessionRepository persists session port leases.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SaveSession inserts the lease. A port held by another process surfaces
// the unique violation as a PortConflict so the caller re-allocates.
func (r *SessionRepository) SaveSession(ctx context.Context, s *session.Session) error {
	model := SessionModel{
		ID:        s.ID,
		SandboxID: s.SandboxID,
		Port:      s.Port,
		StartedAt: s.StartedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return &sandbox.Error{
				Kind:      sandbox.KindPortConflict,
				SandboxID: s.SandboxID,
				Msg:       fmt.Sprintf("port %d leased by another session", s.Port),
				Err:       err,
			}
		}
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// DeleteSession removes the lease. Deleting a missing lease is not an error.
func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&SessionModel{}, "id = ?", id).Error
}

// ListSessions returns all persisted leases.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]*session.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*session.Session, 0, len(models))
	for _, m := range models {
		out = append(out, &session.Session{
			ID:        m.ID,
			SandboxID: m.SandboxID,
			Port:      m.Port,
			StartedAt: m.StartedAt,
		})
	}
	return out, nil
}

// isUniqueViolation matches a PostgreSQL unique constraint error. SQLite
// reports constraint failures in the error text instead of a pg code.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package postgres

import "time"

// SandboxModel is the persisted form of a sandbox record.
type SandboxModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Template  string    `gorm:"size:128;index"`
	State     string    `gorm:"size:32;index"`
	BackendID string    `gorm:"size:128"`
	PoolOrigin bool
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName overrides GORM's pluralization.
func (SandboxModel) TableName() string { return "sandboxes" }

// SessionModel is the persisted form of a session port lease. The unique
// index on port backs the no-two-live-sessions-share-a-port invariant for
// multi-process deployments.
type SessionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SandboxID string `gorm:"size:64;index"`
	Port      int    `gorm:"uniqueIndex"`
	StartedAt time.Time
	CreatedAt time.Time
}

// TableName overrides GORM's pluralization.
func (SessionModel) TableName() string { return "sessions" }

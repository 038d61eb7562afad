package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// Service bundles the orchestration components behind one handle for the
// CLI, HTTP gateway, and MCP server. Init prefers a warm pool claim and
// falls back to a cold provision on a miss.
type Service struct {
	Manager  *Manager
	Pool     *Pool
	Exec     *ExecClient
	Files    *FileService
	Resolver *HostResolver

	logger *slog.Logger
}

// NewService wires a Service. pool may be nil when pooling is disabled.
func NewService(m *Manager, pool *Pool, exec *ExecClient, files *FileService, resolver *HostResolver, logger *slog.Logger) *Service {
	return &Service{
		Manager:  m,
		Pool:     pool,
		Exec:     exec,
		Files:    files,
		Resolver: resolver,
		logger:   logger,
	}
}

// Init returns a ready sandbox for the template: a warm one when the pool
// has stock, freshly provisioned otherwise. A claimed warm sandbox gets
// its lifetime rebased to the requested value so the short warm deadline
// does not carry over.
func (s *Service) Init(ctx context.Context, template string, lifetime time.Duration) (*Sandbox, error) {
	if lifetime <= 0 {
		lifetime = s.Manager.cfg.DefaultLifetime
	}

	if s.Pool != nil {
		if sb, ok := s.Pool.Claim(ctx, template); ok {
			target := time.Now().UTC().Add(lifetime)
			extended, err := s.Manager.Extend(ctx, sb.ID, target.Sub(sb.ExpiresAt))
			if err == nil {
				return extended, nil
			}
			// The warm sandbox died between claim and extend; fall
			// through to a cold provision.
			s.logger.WarnContext(ctx, "claimed warm sandbox unusable, provisioning cold",
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return s.Manager.Create(ctx, template, lifetime)
}

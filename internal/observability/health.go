package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const checkTimeout = 3 * time.Second

// HealthChecker aggregates readiness across the orchestrator's
// dependencies, typically the record store and the isolation backend.
// Checks run concurrently under one timeout so a hung Docker daemon
// cannot delay the storage verdict.
type HealthChecker struct {
	logger *slog.Logger

	mu     sync.Mutex
	checks map[string]func(ctx context.Context) error
	order  []string
}

// HealthStatus is the JSON shape of the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		checks: make(map[string]func(ctx context.Context) error),
	}
}

// AddCheck registers a named dependency check. Registering the same name
// again replaces the earlier check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckHealth is process liveness: running means live. Dependency state
// belongs to readiness, not liveness — a gateway whose backend died can
// still list sandboxes and serve kills.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady fans all registered checks out concurrently and aggregates:
// "ok" only when every dependency answers in time, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	names := append([]string{}, h.order...)
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			start := time.Now()
			err := checks[name](checkCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", name),
						slog.String("error", err.Error()),
					)
				}
			}
			results[i] = res
		}(i, name)
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(names)),
	}
	for i, name := range names {
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[name] = results[i]
	}
	return status
}

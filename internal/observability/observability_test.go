package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

// --- Metrics ---

func TestMetrics_Created(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Verify some metrics are registered by gathering.
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	// Counters with no observations don't appear; gauges do.
	found := false
	for _, f := range families {
		if f.GetName() == "sanduku_sandbox_active" {
			found = true
		}
	}
	if !found {
		t.Error("sanduku_sandbox_active gauge not registered")
	}
}

func TestMetrics_SandboxLifecycleCounters(t *testing.T) {
	m := NewMetrics()

	m.SandboxesCreated.WithLabelValues("base", "ok").Inc()
	m.SandboxesCreated.WithLabelValues("base", "ok").Inc()
	m.SandboxesCreated.WithLabelValues("base", "error").Inc()
	m.SandboxesTerminated.WithLabelValues("expired").Inc()

	if got := counterValue(t, m, "sanduku_sandbox_created_total", map[string]string{"template": "base", "status": "ok"}); got != 2 {
		t.Errorf("created{ok} = %v, want 2", got)
	}
	if got := counterValue(t, m, "sanduku_sandbox_created_total", map[string]string{"template": "base", "status": "error"}); got != 1 {
		t.Errorf("created{error} = %v, want 1", got)
	}
	if got := counterValue(t, m, "sanduku_sandbox_terminated_total", map[string]string{"reason": "expired"}); got != 1 {
		t.Errorf("terminated{expired} = %v, want 1", got)
	}
}

func TestMetrics_PoolClaims(t *testing.T) {
	m := NewMetrics()

	m.PoolClaims.WithLabelValues("base", "hit").Inc()
	m.PoolClaims.WithLabelValues("base", "miss").Inc()
	m.PoolClaims.WithLabelValues("base", "miss").Inc()
	m.PoolWarm.WithLabelValues("base").Set(3)

	if got := counterValue(t, m, "sanduku_pool_claims_total", map[string]string{"template": "base", "result": "miss"}); got != 2 {
		t.Errorf("claims{miss} = %v, want 2", got)
	}
}

func TestMetrics_ExecHistogram(t *testing.T) {
	m := NewMetrics()

	m.ExecsTotal.WithLabelValues("ok").Inc()
	m.ExecDuration.Observe(0.2)
	m.ExecDuration.Observe(1.5)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "sanduku_exec_duration_seconds" {
			h := f.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("histogram sample count = %d, want 2", h.GetSampleCount())
			}
			return
		}
	}
	t.Fatal("sanduku_exec_duration_seconds not found")
}

// counterValue gathers the registry and returns the counter value matching
// the given family name and label set.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// --- HealthChecker ---

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

func TestHealthChecker_ReadinessAggregates(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("backend", func(context.Context) error { return nil })
	h.AddCheck("db", func(context.Context) error { return errors.New("down") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("readiness = %q, want degraded", status.Status)
	}
	if status.Checks["backend"].Status != "ok" {
		t.Error("backend check should pass")
	}
	if status.Checks["db"].Status != "fail" {
		t.Error("db check should fail")
	}
}

func TestHealthChecker_ReplacesCheckByName(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(context.Context) error { return errors.New("down") })
	h.AddCheck("db", func(context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("readiness = %q, want ok after replacement", status.Status)
	}
	if len(status.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(status.Checks))
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(150 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.AddCheck("backend", slow)
	h.AddCheck("db", slow)

	start := time.Now()
	status := h.CheckReady(context.Background())
	elapsed := time.Since(start)

	if status.Status != "ok" {
		t.Errorf("readiness = %q, want ok", status.Status)
	}
	if elapsed >= 290*time.Millisecond {
		t.Errorf("checks took %s, want concurrent fan-out", elapsed)
	}
	if status.Checks["db"].LatencyMS < 100 {
		t.Errorf("db latency = %dms, want >= 100", status.Checks["db"].LatencyMS)
	}
}

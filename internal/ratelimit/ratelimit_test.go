package ratelimit

import (
	"errors"
	"testing"
)

func TestUnlimitedWhenRateZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("key"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("key"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := l.Allow("key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestWeightedCharges(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 4})

	// One provisioning-weight charge drains the whole budget.
	if err := l.AllowN("key", 4); err != nil {
		t.Fatalf("AllowN: %v", err)
	}
	if err := l.Allow("key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestChargeAboveBudgetNeverAfforded(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	if err := l.AllowN("key", 3); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	// The failed charge must not have drained the budget.
	if err := l.AllowN("key", 2); err != nil {
		t.Fatalf("AllowN after refusal: %v", err)
	}
}

func TestZeroCostBilledAsOne(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.AllowN("key", 0); err != nil {
		t.Fatalf("AllowN: %v", err)
	}
	if err := l.Allow("key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestClientsIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatalf("Allow a: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("a should be limited, got %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("b should have its own bucket, got %v", err)
	}
}

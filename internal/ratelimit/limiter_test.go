package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestEffectiveRPS(t *testing.T) {
	t.Run("per-second binds when it is the tightest window", func(t *testing.T) {
		l := Limits{PerSecond: 2, PerMinute: 300, PerHour: 36000}
		if got := l.EffectiveRPS(); got != 2 {
			t.Errorf("expected 2, got %v", got)
		}
	})

	t.Run("per-minute binds when tighter than per-second", func(t *testing.T) {
		l := Limits{PerSecond: 10, PerMinute: 60}
		if got := l.EffectiveRPS(); got != 1 {
			t.Errorf("expected 1, got %v", got)
		}
	})

	t.Run("per-hour binds when tighter than the others", func(t *testing.T) {
		l := Limits{PerSecond: 10, PerMinute: 600, PerHour: 3600}
		if got := l.EffectiveRPS(); got != 1 {
			t.Errorf("expected 1, got %v", got)
		}
	})
}

func TestCanMakeRequest(t *testing.T) {
	t.Run("allows initial burst", func(t *testing.T) {
		l := New()
		l.Configure("alchemy", Limits{PerSecond: 1, Burst: 2})

		if !l.CanMakeRequest("alchemy") {
			t.Error("first request should be allowed")
		}
	})

	t.Run("different keys are independent", func(t *testing.T) {
		l := New()
		l.Configure("alchemy", Limits{PerSecond: 0.001, Burst: 1})
		l.Configure("infura", Limits{PerSecond: 100, Burst: 100})

		if err := l.WaitToken(context.Background(), "alchemy"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !l.CanMakeRequest("infura") {
			t.Error("infura should still have capacity independent of alchemy")
		}
	})
}

func TestWaitToken(t *testing.T) {
	t.Run("blocks until a token is available", func(t *testing.T) {
		l := New()
		l.Configure("kraken", Limits{PerSecond: 10, Burst: 1})

		ctx := context.Background()
		if err := l.WaitToken(ctx, "kraken"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		start := time.Now()
		if err := l.WaitToken(ctx, "kraken"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("expected to wait for replenishment, waited only %v", elapsed)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		l := New()
		l.Configure("slow", Limits{PerSecond: 0.001, Burst: 1})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_ = l.WaitToken(ctx, "slow") // consume the single burst token
		if err := l.WaitToken(ctx, "slow"); err == nil {
			t.Error("expected context deadline error")
		}
	})
}

func TestReset(t *testing.T) {
	l := New()
	l.Configure("alchemy", Limits{PerSecond: 1, Burst: 1})
	_ = l.WaitToken(context.Background(), "alchemy")

	l.Reset("alchemy")

	status := l.GetStatus("alchemy")
	if status.EffectiveRPS != 0 {
		t.Errorf("expected reset limiter to report no configured rate, got %v", status.EffectiveRPS)
	}
}

func TestWithScopedLimit(t *testing.T) {
	l := New()
	l.Configure("kraken", Limits{PerSecond: 1, Burst: 1})

	ran := false
	err := l.WithScopedLimit("kraken", Limits{PerSecond: 100, Burst: 100}, func() error {
		ran = true
		if !l.CanMakeRequest("kraken") {
			t.Error("scoped limit should allow the burst during fn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("fn should have run")
	}

	restored := l.GetStatus("kraken")
	if restored.EffectiveRPS != 1 {
		t.Errorf("expected original rate restored, got %v", restored.EffectiveRPS)
	}
}

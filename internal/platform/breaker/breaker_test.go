package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/clock"
	"github.com/yungbote/vidforge-backend/internal/platform/logger"
)

func testBreaker(t *testing.T, cfg Config) (*Breaker, *clock.Fake) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New("dep", cfg, log, clk), clk
}

func fail(context.Context) error { return errors.New("down") }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(t, Config{FailureThreshold: 3, OpenTimeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}

	err := b.Do(ctx, ok)
	if apierr.KindOf(err) != apierr.KindDependencyUnavailable {
		t.Fatalf("kind = %v, want dependency_unavailable", apierr.KindOf(err))
	}
	if hint := apierr.RetryAfterFrom(err); hint <= 0 || hint > 30*time.Second {
		t.Fatalf("retry hint = %s, want within open interval", hint)
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b, clk := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	if s := b.Snapshot(); s.State != StateOpen {
		t.Fatalf("state = %s, want open", s.State)
	}

	clk.Advance(11 * time.Second)
	if s := b.Snapshot(); s.State != StateHalfOpen {
		t.Fatalf("state = %s, want half_open after interval", s.State)
	}

	// Two probe successes close the breaker.
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if s := b.Snapshot(); s.State != StateClosed {
		t.Fatalf("state = %s, want closed", s.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := testBreaker(t, Config{
		FailureThreshold:   1,
		OpenTimeout:        10 * time.Second,
		MaxOpenTimeout:     15 * time.Second,
		ExponentialBackoff: true,
	})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clk.Advance(11 * time.Second)
	_ = b.Do(ctx, fail) // probe fails, interval doubles capped at 15s

	err := b.Do(ctx, ok)
	if apierr.KindOf(err) != apierr.KindDependencyUnavailable {
		t.Fatalf("kind = %v, want dependency_unavailable", apierr.KindOf(err))
	}
	if hint := apierr.RetryAfterFrom(err); hint > 15*time.Second {
		t.Fatalf("hint %s exceeds the backoff cap", hint)
	}
}

func TestBreakerCancellationNotCountedAsFailure(t *testing.T) {
	b, _ := testBreaker(t, Config{FailureThreshold: 1})
	ctx := context.Background()

	err := b.Do(ctx, func(context.Context) error {
		return apierr.Ef(apierr.KindCancelled, "", "caller went away")
	})
	if apierr.KindOf(err) != apierr.KindCancelled {
		t.Fatalf("kind = %v, want cancelled", apierr.KindOf(err))
	}
	if s := b.Snapshot(); s.State != StateClosed {
		t.Fatalf("cancellation opened the breaker")
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	r := NewRegistry(log, clock.System())

	a := r.Get("llm_planner", Config{})
	b := r.Get("llm_planner", Config{FailureThreshold: 99})
	if a != b {
		t.Fatalf("registry must return one breaker per name")
	}
	if len(r.Snapshots()) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(r.Snapshots()))
	}
}

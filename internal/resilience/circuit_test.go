package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusErr int

func (e statusErr) Error() string   { return "status" }
func (e statusErr) HTTPStatus() int { return int(e) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("zeopp", BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	g := &Guard{Breaker: b, Policy: NoRetry()}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = Call(ctx, g, func(context.Context) (int, error) { return 0, errors.New("connection refused") })
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	_, err := Call(ctx, g, func(context.Context) (int, error) {
		t.Error("should not be called while open")
		return 0, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	g := &Guard{Breaker: b, Policy: NoRetry()}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = Call(ctx, g, func(context.Context) (int, error) { return 0, errors.New("boom") })
	}
	if b.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", b.Failures())
	}
	_, _ = Call(ctx, g, func(context.Context) (int, error) { return 1, nil })
	if b.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", b.Failures())
	}
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	g := &Guard{Breaker: b, Policy: NoRetry()}

	_, err := Call(context.Background(), g, func(context.Context) (int, error) { return 0, statusErr(422) })
	if err == nil {
		t.Fatal("expected error to pass through")
	}
	if b.State() != Closed {
		t.Errorf("a 422 should not open the breaker, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)
	g := &Guard{Breaker: b, Policy: NoRetry()}
	ctx := context.Background()

	_, _ = Call(ctx, g, func(context.Context) (int, error) { return 0, statusErr(503) })
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	*now = now.Add(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// Failed probe reopens.
	_, _ = Call(ctx, g, func(context.Context) (int, error) { return 0, statusErr(500) })
	if b.State() != Open {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}

	*now = now.Add(31 * time.Second)
	v, err := Call(ctx, g, func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("probe: v=%d err=%v", v, err)
	}
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestCall_NilGuard(t *testing.T) {
	v, err := Call(context.Background(), nil, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Errorf("got %q, %v", v, err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/sells-group/mof-screen/internal/config"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterConnectionFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("v=%d calls=%d", v, calls)
	}
}

func TestRetry_DefaultIsSingleAttempt(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_TimeoutIsFinal(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("optimize: %w", context.DeadlineExceeded)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("timeouts must not be retried, got %d calls", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, statusErr(503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_, _ = Retry(context.Background(), p, func(context.Context) (int, error) { return 0, statusErr(429) })
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected retry attempts %v", attempts)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}.normalize()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.backoff(i); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i, got, w)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", fmt.Errorf("post: %w", syscall.ECONNREFUSED), true},
		{"reset text", errors.New("read: connection reset by peer"), true},
		{"503", statusErr(503), true},
		{"429", statusErr(429), true},
		{"500", statusErr(500), false},
		{"400", statusErr(400), false},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled", fmt.Errorf("x: %w", context.Canceled), false},
		{"plain", errors.New("malformed response"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 250, MaxBackoffMs: 1000, Multiplier: 3, JitterFraction: 0.1})
	if p.MaxAttempts != 2 || p.InitialBackoff != 250*time.Millisecond || p.MaxBackoff != time.Second {
		t.Errorf("unexpected policy %+v", p)
	}

	bc := BreakerFromConfig(config.CircuitConfig{FailureThreshold: 4, ResetTimeoutSecs: 10})
	if bc.FailureThreshold != 4 || bc.Cooldown != 10*time.Second {
		t.Errorf("unexpected breaker config %+v", bc)
	}
}

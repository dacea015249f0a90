package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return taskerr.New(taskerr.CodeTimeout, "operation timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d want 3", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	boom := taskerr.New(taskerr.CodeNetwork, "connection refused")
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return boom
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	// MaxRetries 3 means 4 invocations total.
	if calls != 4 {
		t.Fatalf("calls: got %d want 4", calls)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("final error must wrap the last failure: %v", err)
	}
	if !strings.Contains(err.Error(), "retry budget exhausted") {
		t.Fatalf("error: got %v", err)
	}
}

func TestDoFatalNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return taskerr.New(taskerr.CodeProcess, "claude: not authenticated")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("fatal error must not be retried: %d calls", calls)
	}
}

func TestDoNonRetryableCodeNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return taskerr.New(taskerr.CodeValidation, "bad input")
	})
	if err == nil || calls != 1 {
		t.Fatalf("validation error retried: calls=%d err=%v", calls, err)
	}
}

func TestDoCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(ctx context.Context) error {
		return taskerr.New(taskerr.CodeTimeout, "operation timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v want context.Canceled", err)
	}
}

func TestDoOnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
	}
	calls := 0
	Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return taskerr.New(taskerr.CodeTimeout, "operation timeout")
		}
		return nil
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("OnRetry attempts: %v", attempts)
	}
}

func TestDelayForAttemptGrowthAndCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := p.DelayForAttempt(tc.attempt, false); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayForAttemptRateLimitDoubles(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}
	if got := p.DelayForAttempt(1, true); got != 200*time.Millisecond {
		t.Fatalf("rate-limited attempt 1: got %v want 200ms", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.DelayForAttempt(1, false)
		if d < 100*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}

func TestDelayJitterDeterministicWithSeed(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Jitter: true, JitterSeed: "run-1:task-1"}
	first := p.DelayForAttempt(1, false)
	for i := 0; i < 5; i++ {
		if got := p.DelayForAttempt(1, false); got != first {
			t.Fatalf("seeded jitter not stable: %v vs %v", got, first)
		}
	}
	if p.DelayForAttempt(1, false) == p.DelayForAttempt(2, false) {
		t.Fatalf("seeded jitter should vary across attempts")
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", taskerr.New(taskerr.CodeTimeout, "operation timeout")
		}
		return "done", nil
	})
	if err != nil || v != "done" {
		t.Fatalf("DoValue: v=%q err=%v", v, err)
	}
}

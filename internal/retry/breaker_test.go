package retry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

func testBreaker(reset time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: reset, HalfOpenMax: 2}, nil)
}

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	b := testBreaker(time.Hour)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("after %d failures: state %s", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("after 3 failures: state %s want OPEN", b.State())
	}

	err := b.Admit()
	if err == nil {
		t.Fatalf("open breaker must refuse")
	}
	if !IsOpen(err) {
		t.Fatalf("refusal must be an OpenError: %v", err)
	}
	if !strings.Contains(err.Error(), "circuit breaker open") || !strings.Contains(err.Error(), "retry in") {
		t.Fatalf("refusal message: %v", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := testBreaker(time.Hour)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.ConsecutiveFailures() != 0 {
		t.Fatalf("streak: got %d want 0", b.ConsecutiveFailures())
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("streak must restart after success: %s", b.State())
	}
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	b := testBreaker(30 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if err := b.Admit(); err == nil {
		t.Fatalf("must refuse inside cooldown")
	}

	time.Sleep(40 * time.Millisecond)
	if err := b.Admit(); err != nil {
		t.Fatalf("trial after cooldown refused: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state: got %s want HALF_OPEN", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed || b.ConsecutiveFailures() != 0 {
		t.Fatalf("after trial success: state=%s failures=%d", b.State(), b.ConsecutiveFailures())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	if err := b.Admit(); err != nil {
		t.Fatalf("trial refused: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after trial failure: %s want OPEN", b.State())
	}
	if err := b.Admit(); err == nil {
		t.Fatalf("reopened breaker must refuse")
	}
}

func TestBreakerHalfOpenTrialBudget(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)

	if err := b.Admit(); err != nil {
		t.Fatalf("trial 1 refused: %v", err)
	}
	if err := b.Admit(); err != nil {
		t.Fatalf("trial 2 refused: %v", err)
	}
	if err := b.Admit(); err == nil {
		t.Fatalf("trial 3 must be refused")
	}
	if b.State() != StateOpen {
		t.Fatalf("state after exhausted trials: %s want OPEN", b.State())
	}
}

func TestBreakerWaitForConnectionRestore(t *testing.T) {
	b := testBreaker(30 * time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	start := time.Now()
	if err := b.WaitForConnectionRestore(context.Background(), time.Second, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForConnectionRestore: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("wait returned before cooldown: %v", elapsed)
	}
}

func TestBreakerWaitTimesOut(t *testing.T) {
	b := testBreaker(time.Hour)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	err := b.WaitForConnectionRestore(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "not restored") {
		t.Fatalf("error: got %v", err)
	}
}

func TestDoWithBreakerShortCircuits(t *testing.T) {
	b := testBreaker(50 * time.Millisecond)
	p := fastPolicy()
	p.Breaker = b

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return taskerr.New(taskerr.CodeNetwork, "read: ECONNRESET")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsOpen(err) {
		t.Fatalf("final error should be the breaker refusal: %v", err)
	}
	// Three connection failures open the circuit; the fourth attempt is
	// refused before fn runs.
	if calls != 3 {
		t.Fatalf("calls: got %d want 3", calls)
	}

	// After the cooldown a single successful trial closes the circuit.
	time.Sleep(60 * time.Millisecond)
	err = Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if b.State() != StateClosed || b.ConsecutiveFailures() != 0 {
		t.Fatalf("after trial: state=%s failures=%d", b.State(), b.ConsecutiveFailures())
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// BreakerState is the admission state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// OpenError is returned when the breaker refuses an attempt. Remaining is
// the cooldown left before the next trial window.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: connection failures detected, retry in %s", e.Remaining.Round(time.Second))
}

// IsOpen reports whether err is a breaker refusal.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// BreakerConfig tunes the circuit breaker. Zero values take the defaults:
// 3 consecutive failures to open, 30 s cooldown, 2 half-open trials.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 2
	}
}

// Breaker is a three-state circuit breaker over connection failures. It is
// constructed once at startup and shared by reference; only failures the
// caller classifies as connection failures should be recorded.
type Breaker struct {
	cfg    BreakerConfig
	logger hclog.Logger

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig, logger hclog.Logger) *Breaker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg.defaults()
	return &Breaker{
		cfg:    cfg,
		logger: logger.Named("breaker"),
		state:  StateClosed,
	}
}

// Admit decides whether an attempt may proceed. In OPEN it returns an
// *OpenError carrying the remaining cooldown; once the cooldown elapses the
// breaker moves to HALF_OPEN and admits up to HalfOpenMax trials.
func (b *Breaker) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.lastFailureTime)
		if elapsed < b.cfg.ResetTimeout {
			return &OpenError{Remaining: b.cfg.ResetTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.halfOpenAttempts = 1
		b.logger.Info("circuit half-open, admitting trial")
		return nil
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMax {
			b.state = StateOpen
			b.lastFailureTime = time.Now()
			b.halfOpenAttempts = 0
			return &OpenError{Remaining: b.cfg.ResetTimeout}
		}
		b.halfOpenAttempts++
		return nil
	}
	return nil
}

// CanAttempt reports whether an attempt would currently be admitted,
// without consuming a half-open trial.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(b.lastFailureTime) >= b.cfg.ResetTimeout
	case StateHalfOpen:
		return b.halfOpenAttempts < b.cfg.HalfOpenMax
	}
	return false
}

// RecordSuccess resets the failure streak; a half-open success closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.logger.Info("circuit closed after successful trial")
	}
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
}

// RecordFailure counts a connection failure. The streak opens the circuit
// at FailureThreshold; any half-open failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenAttempts = 0
		b.logger.Warn("circuit reopened: trial failed")
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("circuit opened", "consecutive_failures", b.consecutiveFailures)
		}
	}
}

// State returns the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// WaitForConnectionRestore polls CanAttempt every interval until the
// breaker would admit an attempt, the timeout lapses, or ctx is done. A
// zero timeout waits 5 minutes; a zero interval polls every 5 s.
func (b *Breaker) WaitForConnectionRestore(ctx context.Context, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if b.CanAttempt() {
		return nil
	}
	b.logger.Info("waiting for connection restore", "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("connection not restored within %s", timeout)
		case <-tick.C:
			if b.CanAttempt() {
				return nil
			}
		}
	}
}

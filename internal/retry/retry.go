// Package retry runs operations under an exponential-backoff policy gated
// by a shared circuit breaker. Classification of what is worth retrying is
// delegated to taskerr; only connection failures advance the breaker.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

// Policy configures the retry loop. Zero values take the defaults.
type Policy struct {
	// MaxRetries is how many times an attempt may be repeated after the
	// first failure. Default 3.
	MaxRetries int
	// BaseDelay is the first retry delay. Default 1 s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth. Default 30 s.
	MaxDelay time.Duration
	// Jitter adds up to 25 % on top of the capped delay. Default on;
	// disable for deterministic scheduling.
	Jitter bool
	// JitterSeed makes jitter deterministic when non-empty. The attempt
	// number is mixed in so successive delays still differ.
	JitterSeed string
	// Breaker, when set, gates every attempt and records connection
	// failures.
	Breaker *Breaker
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger hclog.Logger
}

func (p *Policy) defaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}
}

// DelayForAttempt computes the backoff before retry attempt n (1-indexed):
// BaseDelay doubled per attempt, capped at MaxDelay, then up to 25 % jitter.
// Rate-limit failures double the pre-cap delay so they back off longer.
func (p Policy) DelayForAttempt(attempt int, rateLimited bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(p.BaseDelay.Milliseconds()) * math.Pow(2, float64(attempt-1))
	if rateLimited {
		ms *= 2
	}
	ms = math.Min(ms, float64(p.MaxDelay.Milliseconds()))

	if p.Jitter {
		ms *= 1 + 0.25*p.jitterUnit(attempt)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// jitterUnit returns a value in [0,1): seeded and reproducible when
// JitterSeed is set, random otherwise.
func (p Policy) jitterUnit(attempt int) float64 {
	if p.JitterSeed == "" {
		return rand.Float64()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", p.JitterSeed, attempt)))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u>>11) / float64(1<<53)
}

// Do runs fn until it succeeds, exhausts the retry budget, hits a
// non-retryable error, or the breaker refuses. Sleeps are cancellable via
// ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p.defaults()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if p.Breaker != nil {
			if err := p.Breaker.Admit(); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if p.Breaker != nil {
				p.Breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if p.Breaker != nil && taskerr.IsConnection(err) {
			p.Breaker.RecordFailure()
		}
		if !taskerr.Retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt+1, lastErr)
		}

		delay := p.DelayForAttempt(attempt+1, taskerr.IsRateLimit(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		p.Logger.Debug("retrying after failure",
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

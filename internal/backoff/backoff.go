// Package backoff computes jittered exponential delays for retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Policy parameterizes the delay curve.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization fraction in [0,1) added on top of the
	// base delay.
	Jitter float64
}

// Default is the policy used when callers pass a zero Policy:
// 100ms doubling up to 30s with 10% jitter.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

func (p Policy) orDefault() Policy {
	if p.Initial <= 0 {
		return Default()
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	return p
}

// Delay returns the wait before the given attempt. Attempts are 1-indexed;
// the first retry waits roughly Initial.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWith(attempt, rand.Float64())
}

func (p Policy) delayWith(attempt int, random float64) time.Duration {
	p = p.orDefault()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(total, float64(p.Max)))
}

// Sleep waits for the attempt's delay or until the context ends.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. The last error is wrapped under ErrExhausted.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}

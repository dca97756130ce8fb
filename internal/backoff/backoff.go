// Package backoff computes exponential retry delays with jitter and runs
// bounded retry loops against an injectable clock.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy describes exponential backoff. The delay before retry n (n >= 1) is
// Initial * Factor^(n-1), plus up to Jitter of that, capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultPolicy is used by provider retries when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before retry attempt using random in [0, 1) for jitter.
func (p Policy) Delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d on clk, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Unmark strips a top-level Permanent marker so err is retried again.
func Unmark(err error) error {
	if perm, ok := err.(*permanentError); ok {
		return perm.err
	}
	return err
}

// Retrier runs a function up to MaxAttempts times.
type Retrier struct {
	Policy      Policy
	MaxAttempts int
	Clock       clock.Clock
	// Random returns values in [0, 1) for jitter. Defaults to math/rand.
	Random func() float64
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// used up, or ctx is done. It returns the number of attempts made and the
// last error.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.New()
	}
	random := r.Random
	if random == nil {
		random = rand.Float64 // #nosec G404 -- jitter does not need cryptographic randomness
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if IsPermanent(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}
		if err := Sleep(ctx, clk, r.Policy.Delay(attempt, random())); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

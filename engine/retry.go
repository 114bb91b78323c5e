package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines automatic retry behavior for transient node failures.
//
// Delay before attempt k (k >= 1 retries) is
//
//	min(MaxDelay, BaseDelay * ExponentialBase^(k-1)) * factor
//
// where factor is drawn uniformly from [0, Jitter]. Jitter = 0 disables the
// random scaling and uses the raw exponential delay.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff. Must be >= 10ms so a
	// misconfigured pipeline cannot hot-loop against a failing service.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the upper bound of the random scaling factor applied to
	// each delay. Must be >= 0.
	Jitter float64

	// ExponentialBase is the growth rate between attempts. Must be > 1.
	ExponentialBase float64
}

// DefaultRetryConfig matches the engine's built-in policy: three attempts,
// exponential doubling from 200ms capped at 30s, full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Jitter:          1.0,
		ExponentialBase: 2.0,
	}
}

// Validate reports every constraint violation at once.
func (c RetryConfig) Validate() error {
	var problems []error
	if c.MaxAttempts < 1 {
		problems = append(problems, fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.BaseDelay < 10*time.Millisecond {
		problems = append(problems, fmt.Errorf("base_delay must be >= 10ms, got %s", c.BaseDelay))
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		problems = append(problems, fmt.Errorf("max_delay %s is below base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.Jitter < 0 {
		problems = append(problems, fmt.Errorf("jitter must be >= 0, got %g", c.Jitter))
	}
	if c.ExponentialBase <= 1 {
		problems = append(problems, fmt.Errorf("exponential_base must be > 1, got %g", c.ExponentialBase))
	}
	return errors.Join(problems...)
}

// Delay computes the backoff before retry k (1-based) without the jitter
// scaling applied.
func (c RetryConfig) Delay(k int) time.Duration {
	if k < 1 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.ExponentialBase, float64(k-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// MaxRetriesExceeded reports that every attempt failed with a retryable
// error. LastErr is the final attempt's error and is exposed via Unwrap so
// callers can still match the underlying cause.
type MaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceeded) Unwrap() error { return e.LastErr }

// Retrier runs operations under a RetryConfig. The random source and clock
// are injected so backoff behavior is deterministic under test.
type Retrier struct {
	cfg   RetryConfig
	clock Clock
	rng   *rand.Rand
}

// NewRetrier validates the config and builds a Retrier. A nil rng falls
// back to a time-seeded source; tests pass a seeded one.
func NewRetrier(cfg RetryConfig, clock Clock, rng *rand.Rand) (*Retrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if clock == nil {
		clock = RealClock()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- retry jitter, not security
	}
	return &Retrier{cfg: cfg, clock: clock, rng: rng}, nil
}

// Config returns the policy the retrier runs under.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Do runs op up to MaxAttempts times.
//
// isRetryable decides whether a failure is worth another attempt; a nil
// predicate treats every error as final. onRetry(attemptIdx, err) is called
// with the zero-based index of the attempt that just failed, and only when
// another attempt will actually follow, so with MaxAttempts = N it fires at
// most N-1 times. Non-retryable errors propagate unchanged. When every
// attempt fails, Do returns *MaxRetriesExceeded wrapping the last error.
// Context cancellation between attempts aborts with the context's error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool, onRetry func(attemptIdx int, err error)) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if err := r.clock.Sleep(ctx, r.jittered(attempt+1)); err != nil {
			return err
		}
	}
	return &MaxRetriesExceeded{Attempts: r.cfg.MaxAttempts, LastErr: lastErr}
}

func (r *Retrier) jittered(k int) time.Duration {
	d := r.cfg.Delay(k)
	if r.cfg.Jitter == 0 {
		return d
	}
	factor := r.rng.Float64() * r.cfg.Jitter
	return time.Duration(float64(d) * factor)
}

// DefaultRetryable is the engine's stock predicate: context deadline
// overruns and errors advertising a Temporary or Timeout condition are
// retryable, everything else is final. Plugin results override this by
// marking their failures retryable explicitly.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}

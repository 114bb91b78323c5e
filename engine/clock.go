package engine

import (
	"context"
	"time"
)

// Clock abstracts wall time so triggers, retries, and batch ages are
// testable without sleeping.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// Sleep blocks for d or until the context is done, returning the
	// context's error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall-clock implementation used outside tests.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

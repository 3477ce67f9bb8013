package scheduler

import (
	"context"
	"time"
)

// Clock abstracts time so drain loops can be driven deterministically.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx ends, returning ctx's error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

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

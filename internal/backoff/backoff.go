// Package backoff implements the exponential retry schedule shared by the
// request executor and the stream manager.
package backoff

import (
	"context"
	"time"
)

// Schedule computes the delay before re-attempting a failed operation.
// The delay for attempt n is Base doubled n-1 times, clamped to Max.
type Schedule struct {
	Base time.Duration
	Max  time.Duration
}

func Default() Schedule {
	return Schedule{Base: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before the retry that follows failed attempt n
// (n starts at 1).
func (s Schedule) Delay(attempt int) time.Duration {
	base := s.Base
	if base <= 0 {
		base = time.Second
	}
	max := s.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Sleep waits for the given delay or until the context is done, whichever
// comes first. A sleeping retry is interruptible at any moment.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

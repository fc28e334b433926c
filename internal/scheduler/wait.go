package scheduler

import (
	"context"
	"time"
)

// ProbeFunc reports whether the awaited condition holds.
type ProbeFunc func(ctx context.Context) bool

// WaitUntil probes up to attempts times, sleeping interval between probes.
// It returns true as soon as a probe succeeds and false once attempts run
// out. A cancelled context stops the wait with ctx.Err().
func WaitUntil(ctx context.Context, clock Clock, attempts int, interval time.Duration, probe ProbeFunc) (bool, error) {
	if clock == nil {
		clock = RealClock{}
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if probe(ctx) {
			return true, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-clock.After(interval):
		}
	}
	return false, ctx.Err()
}

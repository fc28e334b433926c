package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// TickFunc is one unit of periodic work. A returned error is logged and the
// loop keeps going.
type TickFunc func(ctx context.Context) error

// Loop runs a TickFunc immediately and then once per interval, measured from
// the end of the previous tick, until its context is cancelled.
type Loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
	clock    Clock
	logger   *logging.Logger
}

func NewLoop(name string, interval time.Duration, tick TickFunc, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		clock:    RealClock{},
		logger:   logger,
	}
}

func (l *Loop) WithClock(c Clock) *Loop {
	if c != nil {
		l.clock = c
	}
	return l
}

// Run blocks until ctx is done and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if l.tick == nil {
		return fmt.Errorf("scheduler: loop %q has no tick func", l.name)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runTick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("loop tick failed", "loop", l.name, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.interval):
		}
	}
}

func (l *Loop) runTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: loop %q panicked: %v", l.name, r)
		}
	}()
	return l.tick(ctx)
}

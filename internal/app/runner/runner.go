// Package runner owns the relay process lifecycle: acquire the messaging
// session, confirm it is usable, poll until interrupted, release the session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/kargo-relay/internal/observability/metrics"
	"github.com/wolfman30/kargo-relay/internal/scheduler"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// State is the externally visible lifecycle position.
type State string

const (
	StateStartup      State = "startup"
	StateAwaitingLink State = "awaiting_session_link"
	StateReady        State = "ready"
	StatePolling      State = "polling"
	StateStopped      State = "stopped"
)

var (
	// ErrLinkTimeout aborts link mode when nobody scanned the QR code in time.
	ErrLinkTimeout = errors.New("runner: session was not linked in time")
	// ErrNotReady aborts normal mode; the operator has to link the device first.
	ErrNotReady = errors.New("runner: messaging session not ready, re-run with --link to link this device")
)

// Session is the messaging session the runner acquires and releases.
type Session interface {
	Start(ctx context.Context) error
	Linked(ctx context.Context) bool
	Ready(ctx context.Context) bool
	Close() error
}

// Cycler processes one round of pending records.
type Cycler interface {
	Cycle(ctx context.Context) error
}

// Options holds the cadence and bounded waits.
type Options struct {
	PollInterval  time.Duration
	LinkAttempts  int
	LinkInterval  time.Duration
	ReadyAttempts int
	ReadyInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.LinkAttempts <= 0 {
		o.LinkAttempts = 120
	}
	if o.LinkInterval <= 0 {
		o.LinkInterval = 2 * time.Second
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = 60
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 2 * time.Second
	}
	return o
}

// Runner drives one session from startup to stopped.
type Runner struct {
	session Session
	relay   Cycler
	opts    Options
	clock   scheduler.Clock
	metrics *metrics.RelayMetrics
	logger  *logging.Logger

	mu        sync.RWMutex
	state     State
	ready     bool
	lastCycle time.Time
}

func New(session Session, relay Cycler, opts Options, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		session: session,
		relay:   relay,
		opts:    opts.withDefaults(),
		clock:   scheduler.RealClock{},
		logger:  logger,
		state:   StateStartup,
	}
}

func (r *Runner) WithClock(c scheduler.Clock) *Runner {
	if c != nil {
		r.clock = c
	}
	return r
}

func (r *Runner) WithMetrics(m *metrics.RelayMetrics) *Runner {
	r.metrics = m
	return r
}

// Snapshot returns the current state, readiness and last completed cycle.
func (r *Runner) Snapshot() (State, bool, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.ready, r.lastCycle
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Info("relay state changed", "from", prev, "to", s)
}

func (r *Runner) setReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
	r.metrics.SetSessionReady(ready)
}

// Link starts the session visibly and waits for the device to be linked.
// The session is persisted by the driver and released before returning.
func (r *Runner) Link(ctx context.Context) error {
	if r.session == nil {
		return errors.New("runner: session required")
	}
	defer r.shutdown()

	r.setState(StateStartup)
	if err := r.session.Start(ctx); err != nil {
		return fmt.Errorf("runner: start session: %w", err)
	}

	r.setState(StateAwaitingLink)
	r.logger.Info("waiting for device link", "attempts", r.opts.LinkAttempts, "interval", r.opts.LinkInterval.String())
	linked, err := scheduler.WaitUntil(ctx, r.clock, r.opts.LinkAttempts, r.opts.LinkInterval, r.session.Linked)
	if err != nil {
		return fmt.Errorf("runner: await link: %w", err)
	}
	if !linked {
		return ErrLinkTimeout
	}
	r.logger.Info("device linked; session saved")
	return nil
}

// Run starts the session, waits until it is ready and polls until ctx is
// cancelled. An interrupt is a clean stop and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if r.session == nil || r.relay == nil {
		return errors.New("runner: session and relay required")
	}
	defer r.shutdown()

	r.setState(StateStartup)
	if err := r.session.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	ready, err := scheduler.WaitUntil(ctx, r.clock, r.opts.ReadyAttempts, r.opts.ReadyInterval, r.session.Ready)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("runner: await ready: %w", err)
	}
	if !ready {
		return ErrNotReady
	}
	r.setReady(true)
	r.setState(StateReady)

	r.setState(StatePolling)
	loop := scheduler.NewLoop("relay", r.opts.PollInterval, r.cycle, r.logger).WithClock(r.clock)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("runner: poll loop: %w", err)
	}
	r.logger.Info("interrupt received; shutting down")
	return nil
}

func (r *Runner) cycle(ctx context.Context) error {
	err := r.relay.Cycle(ctx)
	r.mu.Lock()
	r.lastCycle = r.clock.Now()
	r.mu.Unlock()
	return err
}

func (r *Runner) shutdown() {
	if err := r.session.Close(); err != nil {
		r.logger.Warn("session close failed", "error", err)
	}
	r.setReady(false)
	r.setState(StateStopped)
}

// Package browser drives WhatsApp Web in a Chrome instance through chromedp.
// The Chrome profile lives in the session directory, so a device linked by
// scanning the QR code once stays linked across restarts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/internal/scheduler"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

const (
	// Chat search box; only rendered once the device is linked.
	readySelector = `div[contenteditable="true"][data-tab="3"]`
	// Message composer of an open chat.
	composerSelector = `div[contenteditable="true"][data-tab="10"]`

	DefaultBaseURL = "https://web.whatsapp.com"

	openTimeout  = 60 * time.Second
	enterTimeout = 10 * time.Second
)

// Options configures a Session.
type Options struct {
	Dir         string
	BaseURL     string
	Visible     bool
	SendTimeout time.Duration
	// PreSendPause is waited between the composer appearing and Enter.
	PreSendPause time.Duration
	// Settle is waited after Enter so the message leaves the outbox.
	Settle    time.Duration
	ProbeWait time.Duration
}

// Option is a functional option for configuring the Session.
type Option func(*Session)

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used for pauses.
func WithClock(c scheduler.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func withPage(p page) Option {
	return func(s *Session) {
		tabCtx, cancel := context.WithCancel(context.Background())
		s.page = p
		s.tabCtx = tabCtx
		s.cancels = append(s.cancels, cancel)
	}
}

// Session owns one Chrome process and one WhatsApp Web tab.
type Session struct {
	opts   Options
	logger *logging.Logger
	clock  scheduler.Clock
	page   page

	mu      sync.Mutex
	tabCtx  context.Context
	cancels []context.CancelFunc
	started bool
	closed  bool
}

// NewSession prepares a session; Chrome is launched by Start.
func NewSession(opts Options, options ...Option) *Session {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.PreSendPause <= 0 {
		opts.PreSendPause = time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = 3 * time.Second
	}
	if opts.ProbeWait <= 0 {
		opts.ProbeWait = 5 * time.Second
	}
	s := &Session{
		opts:   opts,
		logger: logging.Default(),
		clock:  scheduler.RealClock{},
		page:   chromePage{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

var _ messaging.Dispatcher = (*Session)(nil)

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	return append(opts,
		chromedp.UserDataDir(s.opts.Dir),
		chromedp.Flag("headless", !s.opts.Visible),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(1920, 1080),
	)
}

// Start launches Chrome with the persisted profile and opens WhatsApp Web.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("browser: session closed")
	}
	if s.started {
		return nil
	}
	if s.tabCtx == nil {
		if s.opts.Dir == "" {
			return errors.New("browser: session dir required")
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), s.allocatorOptions()...)
		tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
			s.logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
		}))
		s.tabCtx = tabCtx
		s.cancels = append(s.cancels, tabCancel, allocCancel)
	}
	// Chrome is allocated by the first run on the tab and is killed when that
	// run's context ends, so it must not carry an operation deadline.
	if err := s.page.Launch(s.tabCtx); err != nil {
		return fmt.Errorf("browser: launch chrome: %w", err)
	}

	opCtx, cancel := s.operation(ctx, openTimeout)
	defer cancel()
	if err := s.page.Open(opCtx, s.opts.BaseURL); err != nil {
		return fmt.Errorf("browser: open %s: %w", s.opts.BaseURL, err)
	}
	s.started = true
	return nil
}

// operation derives a deadline-bound context from the tab that is also
// cancelled when ctx is.
func (s *Session) operation(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(s.tabCtx, d)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Linked reports whether the chat list rendered within the probe wait, which
// only happens for a linked device.
func (s *Session) Linked(ctx context.Context) bool {
	if !s.isStarted() {
		return false
	}
	opCtx, cancel := s.operation(ctx, s.opts.ProbeWait)
	defer cancel()
	return s.page.WaitPresent(opCtx, readySelector) == nil
}

// Ready is Linked: the web client can send as soon as the chat list is up.
func (s *Session) Ready(ctx context.Context) bool {
	return s.Linked(ctx)
}

// Send opens the chat deep link with the text prefilled and presses Enter.
func (s *Session) Send(ctx context.Context, recipient, text string) messaging.Result {
	if recipient == "" {
		return messaging.Failed(messaging.ReasonInvalidRecipient, errors.New("recipient required"))
	}
	if !s.isStarted() {
		return messaging.Failed(messaging.ReasonNotConnected, errors.New("browser session not started"))
	}

	opCtx, cancel := s.operation(ctx, s.opts.SendTimeout)
	defer cancel()
	if err := s.page.Open(opCtx, messaging.SendURL(s.opts.BaseURL, recipient, text)); err != nil {
		return messaging.ClassifyContextErr(fmt.Errorf("open chat: %w", err), messaging.ReasonAutomation)
	}
	// WhatsApp Web shows an error dialog instead of a composer for unknown numbers.
	if err := s.page.WaitPresent(opCtx, composerSelector); err != nil {
		return messaging.ClassifyContextErr(fmt.Errorf("wait for composer: %w", err), messaging.ReasonAutomation)
	}

	if err := s.pause(ctx, s.opts.PreSendPause); err != nil {
		return messaging.ClassifyContextErr(err, messaging.ReasonAutomation)
	}
	enterCtx, cancelEnter := s.operation(ctx, enterTimeout)
	defer cancelEnter()
	if err := s.page.PressEnter(enterCtx, composerSelector); err != nil {
		return messaging.ClassifyContextErr(fmt.Errorf("press enter: %w", err), messaging.ReasonAutomation)
	}
	// Enter was pressed; an interrupted settle still counts as sent.
	if err := s.pause(ctx, s.opts.Settle); err != nil {
		s.logger.Warn("settle interrupted after send", "to", recipient, "error", err)
	}
	return messaging.Sent()
}

func (s *Session) pause(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// Close shuts the tab and the Chrome process. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}

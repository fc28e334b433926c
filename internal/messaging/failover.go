package messaging

import (
	"context"

	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// FailoverDispatcher attempts a primary send, then falls back to a secondary
// provider when the primary result matches one of the fallback reasons.
type FailoverDispatcher struct {
	primary       Dispatcher
	secondary     Dispatcher
	primaryName   string
	secondaryName string
	fallbackOn    map[Reason]bool
	logger        *logging.Logger
}

// NewFailoverDispatcher builds a failover dispatcher with named providers.
// With no reasons given it falls back only for recipients the primary cannot reach.
func NewFailoverDispatcher(primary Dispatcher, primaryName string, secondary Dispatcher, secondaryName string, logger *logging.Logger, reasons ...Reason) *FailoverDispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if len(reasons) == 0 {
		reasons = []Reason{ReasonNotRegistered}
	}
	fallbackOn := make(map[Reason]bool, len(reasons))
	for _, r := range reasons {
		fallbackOn[r] = true
	}
	return &FailoverDispatcher{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		fallbackOn:    fallbackOn,
		logger:        logger,
	}
}

var _ Dispatcher = (*FailoverDispatcher)(nil)

// Send tries the primary provider first, then the secondary for eligible failures.
func (f *FailoverDispatcher) Send(ctx context.Context, recipient, text string) Result {
	if f == nil || f.primary == nil {
		return Failed(ReasonNotConnected, nil)
	}
	res := f.primary.Send(ctx, recipient, text)
	if res.OK || f.secondary == nil || !f.fallbackOn[res.Reason] {
		return res
	}
	f.logger.Warn("primary dispatch failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"reason", res.Reason,
		"to", recipient,
	)
	fallback := f.secondary.Send(ctx, recipient, text)
	if !fallback.OK {
		f.logger.Error("fallback dispatch failed",
			"provider", f.secondaryName,
			"reason", fallback.Reason,
			"detail", fallback.Detail,
			"to", recipient,
		)
	}
	return fallback
}

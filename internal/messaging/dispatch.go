package messaging

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies the outcome of a dispatch attempt.
type Reason string

const (
	ReasonSent             Reason = "sent"
	ReasonTimeout          Reason = "timeout"
	ReasonNotRegistered    Reason = "not_registered"
	ReasonNotConnected     Reason = "not_connected"
	ReasonInvalidRecipient Reason = "invalid_recipient"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonAutomation       Reason = "automation_error"
	ReasonRender           Reason = "render_error"
	ReasonUnknownOutcome   Reason = "unknown_outcome"
	ReasonPanic            Reason = "panic"
)

// Result is what a Dispatcher reports for one send. Every failure ends up as
// a "failed" record, but the reason survives for logs, metrics and tests.
type Result struct {
	OK     bool
	Reason Reason
	Detail string
}

// Sent is the successful result.
func Sent() Result {
	return Result{OK: true, Reason: ReasonSent}
}

// Failed builds a failed result; err may be nil.
func Failed(reason Reason, err error) Result {
	res := Result{Reason: reason}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}

// Err converts a failed result into an error, nil on success.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Detail == "" {
		return fmt.Errorf("messaging: dispatch failed: %s", r.Reason)
	}
	return fmt.Errorf("messaging: dispatch failed: %s: %s", r.Reason, r.Detail)
}

// Dispatcher turns (recipient, text) into an attempted send. Recipients are
// canonical international digits without a plus.
type Dispatcher interface {
	Send(ctx context.Context, recipient, text string) Result
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, recipient, text string) Result

func (f DispatcherFunc) Send(ctx context.Context, recipient, text string) Result {
	return f(ctx, recipient, text)
}

// ClassifyContextErr maps context expiry to a timeout and anything else to
// fallback.
func ClassifyContextErr(err error, fallback Reason) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(ReasonTimeout, err)
	}
	return Failed(fallback, err)
}

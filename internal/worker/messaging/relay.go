package messagingworker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/internal/messaging/templates"
	"github.com/wolfman30/kargo-relay/internal/observability/metrics"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

var relayTracer = otel.Tracer("kargo.internal.worker.messaging.relay")

const writeBackTimeout = 10 * time.Second

var (
	errPreviousAttemptFailed = errors.New("previous attempt failed before write-back")
	errPreviousAttemptLost   = errors.New("previous attempt never recorded an outcome")
)

type outboxStore interface {
	PendingOTPRequests(ctx context.Context) ([]messaging.OTPRequest, error)
	PendingNotifications(ctx context.Context) ([]messaging.Notification, error)
	UpdateOTPStatus(ctx context.Context, id uuid.UUID, status messaging.Status) error
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status messaging.Status) error
}

type sendLedger interface {
	Claim(ctx context.Context, kind messaging.Kind, id uuid.UUID) (messaging.Claim, error)
	Record(ctx context.Context, kind messaging.Kind, id uuid.UUID, status messaging.Status) error
}

type statusWriter func(ctx context.Context, id uuid.UUID, status messaging.Status) error

// outbound is one pending record of either kind, ready to dispatch.
type outbound struct {
	kind      messaging.Kind
	id        uuid.UUID
	phone     string
	text      string
	renderErr error
	createdAt time.Time
}

// Relay drains pending OTP requests and notifications through a Dispatcher
// and writes the outcome back to each record.
type Relay struct {
	store        outboxStore
	dispatcher   messaging.Dispatcher
	ledger       sendLedger
	metrics      *metrics.RelayMetrics
	renderer     *templates.Renderer
	otpTemplate  string
	validMinutes int
	countryCode  string
	logger       *logging.Logger
}

func NewRelay(store outboxStore, dispatcher messaging.Dispatcher, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		store:        store,
		dispatcher:   dispatcher,
		renderer:     &templates.Renderer{},
		validMinutes: 5,
		countryCode:  messaging.DefaultCountryCode,
		logger:       logger,
	}
}

func (r *Relay) WithLedger(l sendLedger) *Relay {
	r.ledger = l
	return r
}

func (r *Relay) WithMetrics(m *metrics.RelayMetrics) *Relay {
	r.metrics = m
	return r
}

func (r *Relay) WithOTPTemplate(tmpl string) *Relay {
	r.otpTemplate = tmpl
	return r
}

func (r *Relay) WithCountryCode(code string) *Relay {
	if code != "" {
		r.countryCode = code
	}
	return r
}

// Cycle processes every pending OTP request, then every pending notification.
// Fetch errors for one kind are returned joined; the other kind still runs.
func (r *Relay) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() { r.metrics.ObserveCycle(time.Since(start).Seconds()) }()

	if r.store == nil {
		return errors.New("messagingworker: relay has no store")
	}
	var errs []error
	if err := r.relayOTPRequests(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := r.relayNotifications(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Relay) relayOTPRequests(ctx context.Context) error {
	recs, err := r.store.PendingOTPRequests(ctx)
	if err != nil {
		r.metrics.ObserveFetchError(string(messaging.KindOTP))
		r.logger.Error("otp fetch failed", "error", err)
		return fmt.Errorf("messagingworker: fetch otp requests: %w", err)
	}
	items := make([]outbound, 0, len(recs))
	for _, rec := range recs {
		text, err := r.renderer.RenderOTP(r.otpTemplate, templates.OTPData{Code: rec.Code, ValidMinutes: r.validMinutes})
		items = append(items, outbound{
			kind:      messaging.KindOTP,
			id:        rec.ID,
			phone:     rec.Phone,
			text:      text,
			renderErr: err,
			createdAt: rec.CreatedAt,
		})
	}
	r.process(ctx, items, r.store.UpdateOTPStatus)
	return nil
}

func (r *Relay) relayNotifications(ctx context.Context) error {
	recs, err := r.store.PendingNotifications(ctx)
	if err != nil {
		r.metrics.ObserveFetchError(string(messaging.KindNotification))
		r.logger.Error("notification fetch failed", "error", err)
		return fmt.Errorf("messagingworker: fetch notifications: %w", err)
	}
	items := make([]outbound, 0, len(recs))
	for _, rec := range recs {
		items = append(items, outbound{
			kind:      messaging.KindNotification,
			id:        rec.ID,
			phone:     rec.Phone,
			text:      rec.Message,
			createdAt: rec.CreatedAt,
		})
	}
	r.process(ctx, items, r.store.UpdateNotificationStatus)
	return nil
}

func (r *Relay) process(ctx context.Context, items []outbound, write statusWriter) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].createdAt.Before(items[j].createdAt)
	})
	for _, item := range items {
		// Unsent records stay pending for the next run.
		if ctx.Err() != nil {
			return
		}
		r.handle(ctx, item, write)
	}
}

func (r *Relay) handle(ctx context.Context, item outbound, write statusWriter) {
	recipient := messaging.NormalizePhone(item.phone, r.countryCode)
	log := r.logger.With("kind", item.kind, "record_id", item.id, "to", recipient)
	if !messaging.PlausiblePhone(recipient) {
		log.Warn("recipient does not parse as a valid number", "raw_phone", item.phone)
	}

	res, interrupted := r.resolve(ctx, item, recipient, log)
	if interrupted {
		// Shutdown cut the send short; the record stays pending.
		log.Warn("send interrupted; record left pending", "reason", res.Reason, "detail", res.Detail)
		return
	}
	status := messaging.StatusFor(res)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()
	if err := write(writeCtx, item.id, status); err != nil {
		if errors.Is(err, messaging.ErrNotPending) {
			log.Warn("record no longer pending; status not written", "status", status)
		} else {
			r.metrics.ObserveWriteError(string(item.kind))
			log.Error("status write-back failed", "status", status, "error", err)
		}
	}
	r.metrics.ObserveDispatch(string(item.kind), string(status), string(res.Reason))

	if res.OK {
		log.Info("message sent")
		return
	}
	log.Warn("message failed", "reason", res.Reason, "detail", res.Detail)
}

// resolve decides the outcome for one record, sending only when no earlier
// attempt is known. interrupted reports a send that failed because ctx was
// cancelled while it ran; the ledger claim is left in place for that case.
func (r *Relay) resolve(ctx context.Context, item outbound, recipient string, log *logging.Logger) (res messaging.Result, interrupted bool) {
	claim := messaging.ClaimFresh
	if r.ledger != nil {
		c, err := r.ledger.Claim(ctx, item.kind, item.id)
		if err != nil {
			log.Warn("ledger claim failed; sending without duplicate guard", "error", err)
		} else {
			claim = c
		}
	}

	switch claim {
	case messaging.ClaimSent:
		log.Info("outcome recovered from ledger", "status", messaging.StatusSent)
		return messaging.Sent(), false
	case messaging.ClaimFailed:
		return messaging.Failed(messaging.ReasonUnknownOutcome, errPreviousAttemptFailed), false
	case messaging.ClaimInFlight:
		return messaging.Failed(messaging.ReasonUnknownOutcome, errPreviousAttemptLost), false
	}

	if item.renderErr != nil {
		res = messaging.Failed(messaging.ReasonRender, item.renderErr)
	} else {
		res = r.dispatch(ctx, item, recipient)
		if !res.OK && ctx.Err() != nil {
			return res, true
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Record(context.WithoutCancel(ctx), item.kind, item.id, messaging.StatusFor(res)); err != nil {
			log.Warn("ledger record failed", "error", err)
		}
	}
	return res, false
}

func (r *Relay) dispatch(ctx context.Context, item outbound, recipient string) (res messaging.Result) {
	ctx, span := relayTracer.Start(ctx, "relay.dispatch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("kargo.kind", string(item.kind)),
		attribute.String("kargo.record_id", item.id.String()),
	)
	defer func() {
		if p := recover(); p != nil {
			res = messaging.Failed(messaging.ReasonPanic, fmt.Errorf("dispatcher panicked: %v", p))
		}
		span.SetAttributes(attribute.String("kargo.reason", string(res.Reason)))
		if !res.OK {
			span.RecordError(res.Err())
			span.SetStatus(codes.Error, string(res.Reason))
		}
	}()

	if r.dispatcher == nil {
		return messaging.Failed(messaging.ReasonNotConnected, errors.New("no dispatcher configured"))
	}
	return r.dispatcher.Send(ctx, recipient, item.text)
}

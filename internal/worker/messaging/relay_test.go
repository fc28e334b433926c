package messagingworker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/kargo-relay/internal/messaging"
)

type statusUpdate struct {
	kind   messaging.Kind
	id     uuid.UUID
	status messaging.Status
}

type fakeOutboxStore struct {
	otps          []messaging.OTPRequest
	notifications []messaging.Notification
	otpErr        error
	notifErr      error
	updateErr     error
	updates       []statusUpdate
}

func (f *fakeOutboxStore) PendingOTPRequests(ctx context.Context) ([]messaging.OTPRequest, error) {
	if f.otpErr != nil {
		return nil, f.otpErr
	}
	return f.otps, nil
}

func (f *fakeOutboxStore) PendingNotifications(ctx context.Context) ([]messaging.Notification, error) {
	if f.notifErr != nil {
		return nil, f.notifErr
	}
	return f.notifications, nil
}

func (f *fakeOutboxStore) UpdateOTPStatus(ctx context.Context, id uuid.UUID, status messaging.Status) error {
	f.updates = append(f.updates, statusUpdate{messaging.KindOTP, id, status})
	return f.updateErr
}

func (f *fakeOutboxStore) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status messaging.Status) error {
	f.updates = append(f.updates, statusUpdate{messaging.KindNotification, id, status})
	return f.updateErr
}

type sendCall struct {
	recipient string
	text      string
}

// scriptedDispatcher returns results in order, repeating the last one.
type scriptedDispatcher struct {
	results []messaging.Result
	panics  bool
	calls   []sendCall
}

func (d *scriptedDispatcher) Send(ctx context.Context, recipient, text string) messaging.Result {
	d.calls = append(d.calls, sendCall{recipient, text})
	if d.panics {
		panic("composer vanished")
	}
	if len(d.results) == 0 {
		return messaging.Sent()
	}
	idx := len(d.calls) - 1
	if idx >= len(d.results) {
		idx = len(d.results) - 1
	}
	return d.results[idx]
}

func TestRelaySendsOldestFirstAndWritesOutcome(t *testing.T) {
	t1 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Second)
	first, second := uuid.New(), uuid.New()
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{
		{ID: second, Phone: "+90 533 000 00 00", Code: "222222", Status: messaging.StatusPending, CreatedAt: t2},
		{ID: first, Phone: "0532 111 22 33", Code: "111111", Status: messaging.StatusPending, CreatedAt: t1},
	}}
	dispatcher := &scriptedDispatcher{results: []messaging.Result{
		messaging.Sent(),
		messaging.Failed(messaging.ReasonTimeout, errors.New("composer not found")),
	}}

	err := NewRelay(store, dispatcher, nil).Cycle(context.Background())

	require.NoError(t, err)
	require.Len(t, dispatcher.calls, 2)
	assert.Equal(t, "905321112233", dispatcher.calls[0].recipient)
	assert.Contains(t, dispatcher.calls[0].text, "111111")
	assert.Equal(t, "905330000000", dispatcher.calls[1].recipient)
	assert.Equal(t, []statusUpdate{
		{messaging.KindOTP, first, messaging.StatusSent},
		{messaging.KindOTP, second, messaging.StatusFailed},
	}, store.updates)
}

func TestRelayChecksOTPsBeforeNotifications(t *testing.T) {
	early := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	otpID, notifID := uuid.New(), uuid.New()
	store := &fakeOutboxStore{
		otps:          []messaging.OTPRequest{{ID: otpID, Phone: "05321112233", Code: "1", CreatedAt: early.Add(time.Hour)}},
		notifications: []messaging.Notification{{ID: notifID, Phone: "05321112233", Message: "Kargonuz yolda", CreatedAt: early}},
	}
	dispatcher := &scriptedDispatcher{}

	require.NoError(t, NewRelay(store, dispatcher, nil).Cycle(context.Background()))

	require.Len(t, store.updates, 2)
	assert.Equal(t, messaging.KindOTP, store.updates[0].kind)
	assert.Equal(t, messaging.KindNotification, store.updates[1].kind)
	assert.Equal(t, "Kargonuz yolda", dispatcher.calls[1].text)
}

func TestRelayMarksEveryRecordWhenDispatcherPanics(t *testing.T) {
	store := &fakeOutboxStore{
		otps:          []messaging.OTPRequest{{ID: uuid.New(), Phone: "05321112233", Code: "1"}},
		notifications: []messaging.Notification{{ID: uuid.New(), Phone: "05321112233", Message: "a"}, {ID: uuid.New(), Phone: "05321112234", Message: "b"}},
	}
	dispatcher := &scriptedDispatcher{panics: true}

	require.NoError(t, NewRelay(store, dispatcher, nil).Cycle(context.Background()))

	assert.Len(t, dispatcher.calls, 3)
	require.Len(t, store.updates, 3)
	for _, u := range store.updates {
		assert.Equal(t, messaging.StatusFailed, u.status)
	}
}

func TestRelayFetchErrorDoesNotSkipOtherKind(t *testing.T) {
	notifID := uuid.New()
	store := &fakeOutboxStore{
		otpErr:        errors.New("connection refused"),
		notifications: []messaging.Notification{{ID: notifID, Phone: "05321112233", Message: "x"}},
	}

	err := NewRelay(store, &scriptedDispatcher{}, nil).Cycle(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch otp requests")
	assert.Equal(t, []statusUpdate{{messaging.KindNotification, notifID, messaging.StatusSent}}, store.updates)
}

func TestRelayBothFetchesFail(t *testing.T) {
	store := &fakeOutboxStore{otpErr: errors.New("a"), notifErr: errors.New("b")}
	err := NewRelay(store, &scriptedDispatcher{}, nil).Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch otp requests")
	assert.Contains(t, err.Error(), "fetch notifications")
}

func TestRelayWriteBackErrorsAreLoggedNotFatal(t *testing.T) {
	store := &fakeOutboxStore{
		otps:      []messaging.OTPRequest{{ID: uuid.New(), Phone: "05321112233", Code: "1"}, {ID: uuid.New(), Phone: "05321112234", Code: "2"}},
		updateErr: fmt.Errorf("wrapped: %w", messaging.ErrNotPending),
	}
	dispatcher := &scriptedDispatcher{}

	require.NoError(t, NewRelay(store, dispatcher, nil).Cycle(context.Background()))
	assert.Len(t, dispatcher.calls, 2)
	assert.Len(t, store.updates, 2)
}

func TestRelayRenderErrorFailsRecordWithoutSending(t *testing.T) {
	id := uuid.New()
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{{ID: id, Phone: "05321112233", Code: "1"}}}
	dispatcher := &scriptedDispatcher{}

	relay := NewRelay(store, dispatcher, nil).WithOTPTemplate("Kod: {{.Missing}}")
	require.NoError(t, relay.Cycle(context.Background()))

	assert.Empty(t, dispatcher.calls)
	assert.Equal(t, []statusUpdate{{messaging.KindOTP, id, messaging.StatusFailed}}, store.updates)
}

func TestRelayCustomTemplateAndCountryCode(t *testing.T) {
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{{ID: uuid.New(), Phone: "015112345678", Code: "4321"}}}
	dispatcher := &scriptedDispatcher{}

	relay := NewRelay(store, dispatcher, nil).
		WithOTPTemplate("Code {{.Code}} ({{.ValidMinutes}}m)").
		WithCountryCode("49")
	require.NoError(t, relay.Cycle(context.Background()))

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "4915112345678", dispatcher.calls[0].recipient)
	assert.Equal(t, "Code 4321 (5m)", dispatcher.calls[0].text)
}

func TestRelayStopsBetweenRecordsOnCancel(t *testing.T) {
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{{ID: uuid.New(), Phone: "05321112233", Code: "1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRelay(store, &scriptedDispatcher{}, nil).Cycle(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.updates)
}

func TestRelayNilDispatcherFailsRecords(t *testing.T) {
	store := &fakeOutboxStore{notifications: []messaging.Notification{{ID: uuid.New(), Phone: "05321112233", Message: "x"}}}
	require.NoError(t, NewRelay(store, nil, nil).Cycle(context.Background()))
	require.Len(t, store.updates, 1)
	assert.Equal(t, messaging.StatusFailed, store.updates[0].status)
}

func TestRelayWithoutStore(t *testing.T) {
	assert.Error(t, NewRelay(nil, &scriptedDispatcher{}, nil).Cycle(context.Background()))
}

func newRelayLedger(t *testing.T) (*messaging.Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return messaging.NewLedger(client, time.Hour), mr
}

func TestRelayLedgerRecoversLostWriteBack(t *testing.T) {
	ledger, mr := newRelayLedger(t)
	sentID, failedID, inFlightID := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, mr.Set("relay:otp:"+sentID.String(), "sent"))
	require.NoError(t, mr.Set("relay:otp:"+failedID.String(), "failed"))
	require.NoError(t, mr.Set("relay:otp:"+inFlightID.String(), "claimed"))

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{
		{ID: sentID, Phone: "05321112233", Code: "1", CreatedAt: base},
		{ID: failedID, Phone: "05321112233", Code: "2", CreatedAt: base.Add(time.Second)},
		{ID: inFlightID, Phone: "05321112233", Code: "3", CreatedAt: base.Add(2 * time.Second)},
	}}
	dispatcher := &scriptedDispatcher{}

	require.NoError(t, NewRelay(store, dispatcher, nil).WithLedger(ledger).Cycle(context.Background()))

	assert.Empty(t, dispatcher.calls)
	assert.Equal(t, []statusUpdate{
		{messaging.KindOTP, sentID, messaging.StatusSent},
		{messaging.KindOTP, failedID, messaging.StatusFailed},
		{messaging.KindOTP, inFlightID, messaging.StatusFailed},
	}, store.updates)
}

func TestRelayLedgerRecordsOutcome(t *testing.T) {
	ledger, mr := newRelayLedger(t)
	id := uuid.New()
	store := &fakeOutboxStore{notifications: []messaging.Notification{{ID: id, Phone: "05321112233", Message: "x"}}}

	require.NoError(t, NewRelay(store, &scriptedDispatcher{}, nil).WithLedger(ledger).Cycle(context.Background()))

	val, err := mr.Get("relay:notification:" + id.String())
	require.NoError(t, err)
	assert.Equal(t, "sent", val)
}

func TestRelayLedgerDownStillSends(t *testing.T) {
	ledger, mr := newRelayLedger(t)
	mr.Close()
	store := &fakeOutboxStore{otps: []messaging.OTPRequest{{ID: uuid.New(), Phone: "05321112233", Code: "1"}}}
	dispatcher := &scriptedDispatcher{}

	require.NoError(t, NewRelay(store, dispatcher, nil).WithLedger(ledger).Cycle(context.Background()))

	assert.Len(t, dispatcher.calls, 1)
	require.Len(t, store.updates, 1)
	assert.Equal(t, messaging.StatusSent, store.updates[0].status)
}

func TestRelayLeavesRecordPendingWhenInterruptedMidSend(t *testing.T) {
	ledger, mr := newRelayLedger(t)
	interruptedID, laterID := uuid.New(), uuid.New()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := &fakeOutboxStore{
		otps: []messaging.OTPRequest{
			{ID: interruptedID, Phone: "05321112233", Code: "1", CreatedAt: base},
			{ID: laterID, Phone: "05321112234", Code: "2", CreatedAt: base.Add(time.Second)},
		},
		notifications: []messaging.Notification{{ID: uuid.New(), Phone: "05321112233", Message: "x"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	dispatcher := messaging.DispatcherFunc(func(ctx context.Context, recipient, text string) messaging.Result {
		calls++
		cancel()
		return messaging.ClassifyContextErr(ctx.Err(), messaging.ReasonAutomation)
	})

	err := NewRelay(store, dispatcher, nil).WithLedger(ledger).Cycle(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, store.updates)
	val, err := mr.Get("relay:otp:" + interruptedID.String())
	require.NoError(t, err)
	assert.NotEqual(t, "failed", val)
	assert.False(t, mr.Exists("relay:otp:"+laterID.String()))
}

func TestRelayKeepsFetchErrorWhenCancelledAfterOTPs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingOutboxStore{
		fakeOutboxStore: fakeOutboxStore{otpErr: errors.New("connection refused")},
		cancel:          cancel,
	}

	err := NewRelay(store, &scriptedDispatcher{}, nil).Cycle(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "fetch otp requests")
	assert.False(t, store.notificationsFetched)
}

// cancellingOutboxStore cancels the cycle while the OTP fetch fails.
type cancellingOutboxStore struct {
	fakeOutboxStore
	cancel               context.CancelFunc
	notificationsFetched bool
}

func (s *cancellingOutboxStore) PendingOTPRequests(ctx context.Context) ([]messaging.OTPRequest, error) {
	s.cancel()
	return s.fakeOutboxStore.PendingOTPRequests(ctx)
}

func (s *cancellingOutboxStore) PendingNotifications(ctx context.Context) ([]messaging.Notification, error) {
	s.notificationsFetched = true
	return s.fakeOutboxStore.PendingNotifications(ctx)
}

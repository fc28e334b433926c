// Package whatsapp drives a linked-device WhatsApp session through whatsmeow.
// Session state lives in a sqlite database inside the session directory, so a
// device linked once keeps working across restarts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// ErrNotLinked means the session directory holds no linked device and the
// session was not started in visible link mode.
var ErrNotLinked = errors.New("whatsapp: no linked device in session store")

type waClient interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	IsOnWhatsApp(phones []string) ([]types.IsOnWhatsAppResponse, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

var _ waClient = (*whatsmeow.Client)(nil)

// Options configures a Session.
type Options struct {
	Dir         string
	Visible     bool
	SendTimeout time.Duration
	QROutput    io.Writer
}

// Session owns one whatsmeow client and its device store.
type Session struct {
	client      waClient
	hasDevice   func() bool
	store       io.Closer
	visible     bool
	sendTimeout time.Duration
	qrOut       io.Writer
	logger      *logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open loads (or creates) the device store under opts.Dir.
func Open(ctx context.Context, opts Options, logger *logging.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Dir == "" {
		return nil, errors.New("whatsapp: session dir required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create session dir: %w", err)
	}
	dsn := "file:" + filepath.Join(opts.Dir, "session.db") + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, newLogBridge(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}
	client := whatsmeow.NewClient(device, newLogBridge(logger, "client"))
	s := newSession(client, func() bool { return device.ID != nil }, container, opts, logger)
	return s, nil
}

func newSession(client waClient, hasDevice func() bool, store io.Closer, opts Options, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.QROutput == nil {
		opts.QROutput = os.Stdout
	}
	return &Session{
		client:      client,
		hasDevice:   hasDevice,
		store:       store,
		visible:     opts.Visible,
		sendTimeout: opts.SendTimeout,
		qrOut:       opts.QROutput,
		logger:      logger,
	}
}

var _ messaging.Dispatcher = (*Session)(nil)

// Start connects the client. Without a linked device it prints pairing QR
// codes to the terminal in visible mode and fails with ErrNotLinked otherwise.
func (s *Session) Start(ctx context.Context) error {
	if s.hasDevice() {
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		return nil
	}
	if !s.visible {
		return ErrNotLinked
	}
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	go s.printQR(qrChan)
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return nil
}

func (s *Session) printQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == whatsmeow.QRChannelEventCode {
			fmt.Fprintln(s.qrOut, "Scan this code with WhatsApp > Linked devices:")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, s.qrOut)
			continue
		}
		s.logger.Info("link event", "event", evt.Event)
	}
}

// Linked reports whether the device is paired and authenticated.
func (s *Session) Linked(ctx context.Context) bool {
	return s.client.IsLoggedIn()
}

// Ready reports whether messages can be sent right now.
func (s *Session) Ready(ctx context.Context) bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

// Send delivers text to canonical digits after confirming the number is on
// WhatsApp. The whole attempt is bounded by the send timeout.
func (s *Session) Send(ctx context.Context, recipient, text string) messaging.Result {
	if recipient == "" {
		return messaging.Failed(messaging.ReasonInvalidRecipient, errors.New("recipient required"))
	}
	if !s.Ready(ctx) {
		return messaging.Failed(messaging.ReasonNotConnected, errors.New("whatsapp session not ready"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	// The registration lookup is bounded by whatsmeow's own request timeout.
	resp, err := s.client.IsOnWhatsApp([]string{messaging.E164(recipient)})
	if err != nil {
		return messaging.ClassifyContextErr(fmt.Errorf("registration check: %w", err), messaging.ReasonAutomation)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return messaging.Failed(messaging.ReasonNotRegistered, fmt.Errorf("%s is not on WhatsApp", recipient))
	}
	jid := resp[0].JID
	if jid.IsEmpty() {
		jid = messaging.UserJID(recipient)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return messaging.ClassifyContextErr(fmt.Errorf("send message: %w", err), messaging.ReasonAutomation)
	}
	return messaging.Sent()
}

// Close disconnects and releases the device store. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.client.Disconnect()
		if s.store != nil {
			s.closeErr = s.store.Close()
		}
	})
	return s.closeErr
}

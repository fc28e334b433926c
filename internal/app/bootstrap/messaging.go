package bootstrap

import (
	"context"
	"fmt"

	"github.com/wolfman30/kargo-relay/internal/app/runner"
	"github.com/wolfman30/kargo-relay/internal/browser"
	appconfig "github.com/wolfman30/kargo-relay/internal/config"
	"github.com/wolfman30/kargo-relay/internal/messaging"
	"github.com/wolfman30/kargo-relay/internal/whatsapp"
	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// RelaySession is a messaging session that can also send.
type RelaySession interface {
	runner.Session
	messaging.Dispatcher
}

// BuildSession opens the session for the configured driver. visible selects
// first-run link mode (QR printed or browser window shown).
func BuildSession(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, visible bool) (RelaySession, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.Driver {
	case appconfig.DriverWhatsmeow:
		s, err := whatsapp.Open(ctx, whatsapp.Options{
			Dir:         cfg.SessionDir,
			Visible:     visible,
			SendTimeout: cfg.SendTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: whatsapp session: %w", err)
		}
		return s, nil
	case appconfig.DriverWebClient:
		return browser.NewSession(browser.Options{
			Dir:         cfg.SessionDir,
			BaseURL:     cfg.WebURL,
			Visible:     visible,
			SendTimeout: cfg.SendTimeout,
			Settle:      cfg.SendSettle,
			ProbeWait:   cfg.ReadyProbeWait,
		}, browser.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown driver %q", cfg.Driver)
	}
}

// BuildDispatcher returns the session itself, or the session with an SMS
// fallback for non-WhatsApp recipients when Twilio is configured.
func BuildDispatcher(cfg *appconfig.Config, session messaging.Dispatcher, logger *logging.Logger) messaging.Dispatcher {
	if cfg == nil || !cfg.TwilioConfigured() {
		return session
	}
	if logger == nil {
		logger = logging.Default()
	}
	sms := messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	logger.Info("sms fallback enabled", "from", cfg.TwilioFromNumber)
	return messaging.NewFailoverDispatcher(session, cfg.Driver, sms, "twilio", logger)
}

package messaging

import (
	"context"
	"errors"
	"net/http"
	"strings"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/kargo-relay/pkg/logging"
)

var twilioSendTracer = otel.Tracer("kargo.internal.messaging.twilio_send")

type twilioMessageAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender posts SMS messages through Twilio's Messages API. It serves
// as the fallback for recipients that are not on WhatsApp.
type TwilioSender struct {
	api    twilioMessageAPI
	from   string
	logger *logging.Logger
}

// NewTwilioSender builds a sender backed by the official REST client.
func NewTwilioSender(accountSID, authToken, from string, logger *logging.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSender(client.Api, from, logger)
}

func newTwilioSender(api twilioMessageAPI, from string, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{api: api, from: from, logger: logger}
}

var _ Dispatcher = (*TwilioSender)(nil)

// Send dispatches a single SMS to canonical digits.
func (s *TwilioSender) Send(ctx context.Context, recipient, text string) Result {
	if s == nil || s.api == nil || s.from == "" {
		return Failed(ReasonNotConnected, errors.New("messaging: twilio sender not configured"))
	}
	if strings.TrimSpace(recipient) == "" {
		return Failed(ReasonInvalidRecipient, errors.New("messaging: recipient required"))
	}
	if err := ctx.Err(); err != nil {
		return ClassifyContextErr(err, ReasonAutomation)
	}

	_, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("kargo.to", recipient))

	params := &openapi.CreateMessageParams{}
	params.SetTo(E164(recipient))
	params.SetFrom(s.from)
	params.SetBody(text)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		res := classifyTwilioErr(err)
		span.SetAttributes(attribute.String("kargo.reason", string(res.Reason)))
		s.logger.Warn("twilio sms failed", "to", recipient, "reason", res.Reason, "error", err)
		return res
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	s.logger.Info("twilio sms sent", "to", recipient, "sid", sid)
	return Sent()
}

func classifyTwilioErr(err error) Result {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusTooManyRequests:
			return Failed(ReasonRateLimited, err)
		// 21211: invalid 'To' number, 21614: not a mobile number
		case restErr.Code == 21211 || restErr.Code == 21614:
			return Failed(ReasonInvalidRecipient, err)
		}
	}
	return Failed(ReasonAutomation, err)
}

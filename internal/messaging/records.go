package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle value of an outbound record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	// Written by the web app after code entry, never by the relay.
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the relay is done with a record in this status.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// StatusFor maps a dispatch result to the status written back.
func StatusFor(res Result) Status {
	if res.OK {
		return StatusSent
	}
	return StatusFailed
}

// Kind names one of the two outbound record sets.
type Kind string

const (
	KindOTP          Kind = "otp"
	KindNotification Kind = "notification"
)

// Table is the backing table for the kind.
func (k Kind) Table() string {
	switch k {
	case KindOTP:
		return "otp_requests"
	case KindNotification:
		return "whatsapp_messages"
	default:
		return ""
	}
}

// OTPRequest is a pending verification code owned by the web app.
type OTPRequest struct {
	ID         uuid.UUID
	Phone      string
	Code       string
	Status     Status
	BranchCode string
	CreatedAt  time.Time
}

// Notification is a free-text shipment notification owned by the web app.
type Notification struct {
	ID         uuid.UUID
	Phone      string
	Message    string
	Status     Status
	BranchCode string
	CreatedAt  time.Time
}

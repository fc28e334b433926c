package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotPending is returned when a status write-back finds the record
// already terminal (or gone).
var ErrNotPending = errors.New("messaging: record is no longer pending")

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store reads and updates the outbound tables the web app writes into.
// It never inserts or deletes rows.
type Store struct {
	pool       Querier
	branchCode string
}

func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// WithBranch limits reads to rows tagged with the given branch code.
func (s *Store) WithBranch(code string) *Store {
	s.branchCode = code
	return s
}

// PendingOTPRequests lists pending verification codes, oldest first.
func (s *Store) PendingOTPRequests(ctx context.Context) ([]OTPRequest, error) {
	query := `
		SELECT id, phone_number, otp_code, status, COALESCE(sube_kodu, ''), created_at
		FROM otp_requests
		WHERE status = $1
			AND ($2 = '' OR sube_kodu = $2)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, string(StatusPending), s.branchCode)
	if err != nil {
		return nil, fmt.Errorf("messaging: pending otp requests: %w", err)
	}
	defer rows.Close()
	var out []OTPRequest
	for rows.Next() {
		var rec OTPRequest
		var status string
		if err := rows.Scan(&rec.ID, &rec.Phone, &rec.Code, &status, &rec.BranchCode, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan otp request: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingNotifications lists pending notifications, oldest first.
func (s *Store) PendingNotifications(ctx context.Context) ([]Notification, error) {
	query := `
		SELECT id, phone_number, message, status, COALESCE(sube_kodu, ''), created_at
		FROM whatsapp_messages
		WHERE status = $1
			AND ($2 = '' OR sube_kodu = $2)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, string(StatusPending), s.branchCode)
	if err != nil {
		return nil, fmt.Errorf("messaging: pending notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var rec Notification
		var status string
		if err := rows.Scan(&rec.ID, &rec.Phone, &rec.Message, &status, &rec.BranchCode, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan notification: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateOTPStatus moves a pending verification code to a terminal status.
func (s *Store) UpdateOTPStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return s.updateStatus(ctx, KindOTP, id, status)
}

// UpdateNotificationStatus moves a pending notification to a terminal status.
func (s *Store) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return s.updateStatus(ctx, KindNotification, id, status)
}

func (s *Store) updateStatus(ctx context.Context, kind Kind, id uuid.UUID, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("messaging: refusing to write non-terminal status %q", status)
	}
	table := kind.Table()
	if table == "" {
		return fmt.Errorf("messaging: unknown kind %q", kind)
	}
	// The pending guard keeps the transition one-way even if two relays race.
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = 'pending'`, table)
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("messaging: update %s status: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("messaging: update %s %s: %w", kind, id, ErrNotPending)
	}
	return nil
}

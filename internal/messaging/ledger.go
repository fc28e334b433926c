package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claim describes what the ledger already knows about a record.
type Claim int

const (
	// ClaimFresh means nobody has touched the record; go ahead and send.
	ClaimFresh Claim = iota
	// ClaimInFlight means a previous process claimed it and never recorded
	// an outcome, so the message may or may not have gone out.
	ClaimInFlight
	// ClaimSent and ClaimFailed carry an outcome whose write-back was lost.
	ClaimSent
	ClaimFailed
)

const claimMarker = "claimed"

// Ledger remembers send attempts in Redis so a restart between sending and
// writing back status does not send the same message twice. A nil Ledger is
// valid and always reports ClaimFresh.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewLedger returns nil when client is nil.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{client: client, ttl: ttl, prefix: "relay"}
}

func (l *Ledger) key(kind Kind, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, kind, id)
}

// Claim marks the record in flight, or reports the earlier claim.
func (l *Ledger) Claim(ctx context.Context, kind Kind, id uuid.UUID) (Claim, error) {
	if l == nil {
		return ClaimFresh, nil
	}
	key := l.key(kind, id)
	// A key that expires between SETNX and GET is claimed again.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.client.SetNX(ctx, key, claimMarker, l.ttl).Result()
		if err != nil {
			return ClaimFresh, fmt.Errorf("messaging: ledger claim: %w", err)
		}
		if ok {
			return ClaimFresh, nil
		}
		val, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ClaimFresh, fmt.Errorf("messaging: ledger lookup: %w", err)
		}
		return claimFromValue(val), nil
	}
	return ClaimFresh, fmt.Errorf("messaging: ledger claim: %s kept expiring", key)
}

func claimFromValue(val string) Claim {
	switch Status(val) {
	case StatusSent:
		return ClaimSent
	case StatusFailed:
		return ClaimFailed
	default:
		return ClaimInFlight
	}
}

// Record stores the outcome of a send for the record.
func (l *Ledger) Record(ctx context.Context, kind Kind, id uuid.UUID, status Status) error {
	if l == nil {
		return nil
	}
	if err := l.client.Set(ctx, l.key(kind, id), string(status), l.ttl).Err(); err != nil {
		return fmt.Errorf("messaging: ledger record: %w", err)
	}
	return nil
}

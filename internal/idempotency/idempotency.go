// Package idempotency deduplicates retried mutating requests. The key is a
// digest of (sessionID, confirmationToken); a key maps to exactly one
// execution outcome for the retention window. Replays return the stored
// result tagged CONFLICT instead of executing again — at-most-once per
// token, even under concurrent double-submits.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Outcome tells the caller how to proceed.
type Outcome string

const (
	// OutcomeFresh: the caller holds the reservation and must Commit or
	// Release exactly once.
	OutcomeFresh Outcome = "fresh"
	// OutcomeInProgress: another execution for the same key is underway.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeDuplicate: a committed result exists; no new mutation occurs.
	OutcomeDuplicate Outcome = "duplicate"
)

// Store wraps the state store's atomic reserve/commit with key derivation
// and the configured TTLs.
type Store struct {
	kv             store.IdempotencyStore
	reservationTTL time.Duration
	retention      time.Duration
}

// New creates an idempotency store.
func New(kv store.IdempotencyStore, reservationTTL, retention time.Duration) *Store {
	return &Store{kv: kv, reservationTTL: reservationTTL, retention: retention}
}

// Key derives the idempotency key for a session's confirmation token.
func Key(sessionID, confirmationToken string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(confirmationToken))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckOrReserve atomically reserves the key for execution. The reservation
// expires after the reservation TTL so a crashed execution cannot wedge
// legitimate retries forever.
func (s *Store) CheckOrReserve(ctx context.Context, sessionID, confirmationToken string) (Outcome, *models.IdempotencyRecord, error) {
	if confirmationToken == "" {
		return "", nil, fmt.Errorf("idempotency: confirmation token required for mutation")
	}

	outcome, rec, err := s.kv.Reserve(ctx, Key(sessionID, confirmationToken), s.reservationTTL)
	if err != nil {
		return "", nil, fmt.Errorf("reserve: %w", err)
	}
	switch outcome {
	case store.ReserveFresh:
		return OutcomeFresh, rec, nil
	case store.ReserveInProgress:
		return OutcomeInProgress, rec, nil
	case store.ReserveDuplicate:
		return OutcomeDuplicate, rec, nil
	default:
		return "", nil, fmt.Errorf("reserve: unexpected outcome %q", outcome)
	}
}

// Commit stores the execution outcome for the retention window. Must be
// called exactly once per fresh reservation.
func (s *Store) Commit(ctx context.Context, sessionID, confirmationToken string, result map[string]interface{}) error {
	if err := s.kv.Commit(ctx, Key(sessionID, confirmationToken), result, s.retention); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Release reverts an uncommitted reservation to fresh after a failed or
// cancelled execution.
func (s *Store) Release(ctx context.Context, sessionID, confirmationToken string) error {
	if err := s.kv.Release(ctx, Key(sessionID, confirmationToken)); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

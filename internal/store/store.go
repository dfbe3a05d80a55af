// Package store provides the shared state store for the TableTalk control
// plane. All cross-request engine state — sessions, quotes, idempotency
// records, rate-limit buckets, proposals, violation counters — lives behind
// the Store interface so the engine stays stateless per request.
//
// Two implementations exist: an in-memory store (local dev, tests) and a
// Redis-backed store (production, multi-instance).
package store

import (
	"context"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Store is the engine's state store. Every method must be safe for
// concurrent use; Reserve and IncrementWindow must be atomic.
type Store interface {
	SessionStore
	QuoteStore
	IdempotencyStore
	RateLimitStore
	ProposalStore
	ViolationStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Sessions ────────────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session, ttl time.Duration) error
	// TouchSession advances LastSeenAt and renews the inactivity TTL.
	TouchSession(ctx context.Context, id string, ttl time.Duration) error
	DeleteSession(ctx context.Context, id string) error
}

// ── Quotes ──────────────────────────────────────────────────

type QuoteStore interface {
	CreateQuote(ctx context.Context, quote *models.Quote) error
	GetQuote(ctx context.Context, id string) (*models.Quote, error)
}

// ── Idempotency ─────────────────────────────────────────────

// ReserveOutcome is the result of an atomic check-and-reserve.
type ReserveOutcome string

const (
	// ReserveFresh means the caller holds the reservation and must Commit
	// or Release exactly once.
	ReserveFresh ReserveOutcome = "fresh"
	// ReserveInProgress means another caller holds an uncommitted
	// reservation for the same key.
	ReserveInProgress ReserveOutcome = "in_progress"
	// ReserveDuplicate means a committed result already exists; the
	// returned record carries it.
	ReserveDuplicate ReserveOutcome = "duplicate"
)

// IdempotencyStore guarantees at-most-once execution per key. Reserve is a
// compare-and-set: of two concurrent callers only one observes fresh. A
// reservation not committed within its TTL reverts to fresh.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, reservationTTL time.Duration) (ReserveOutcome, *models.IdempotencyRecord, error)
	Commit(ctx context.Context, key string, result map[string]interface{}, retention time.Duration) error
	Release(ctx context.Context, key string) error
}

// ── Rate limiting ───────────────────────────────────────────

// RateLimitStore holds windowed counters and cooldown marks. Counter
// increments are atomic; a race at a window boundary may admit at most one
// extra request, never lose the limit.
type RateLimitStore interface {
	// IncrementWindow bumps the bucket's counter and returns the new count.
	// The counter expires with the window.
	IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, error)

	// GetCooldown returns the instant the bucket's cooldown elapses, or the
	// zero time when no cooldown is active.
	GetCooldown(ctx context.Context, bucketKey string) (time.Time, error)

	// SetCooldown blocks the bucket until the given instant.
	SetCooldown(ctx context.Context, bucketKey string, until time.Time) error
}

// ── Proposals ───────────────────────────────────────────────

type ProposalStore interface {
	CreateProposal(ctx context.Context, proposal *models.Proposal, ttl time.Duration) error
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	UpdateProposal(ctx context.Context, proposal *models.Proposal) error

	// FindProposalByAction returns the most recent live proposal for
	// (sessionID, tool, paramsHash), keyed by content so a confirmation for
	// one action can never unlock a different one.
	FindProposalByAction(ctx context.Context, sessionID, tool, paramsHash string) (*models.Proposal, error)
}

// ── Violation tracking ──────────────────────────────────────

// ViolationStore backs the incident escalation thresholds: per-session
// denial counters and distinct-resource probe sets, both window-scoped.
type ViolationStore interface {
	// IncrementViolations bumps the session's counter for one violation
	// kind and returns the new count. The counter expires with the window.
	IncrementViolations(ctx context.Context, sessionID, kind string, window time.Duration) (int64, error)

	// AddProbe records a resource ID probed by the session and returns the
	// number of distinct IDs seen within the window.
	AddProbe(ctx context.Context, sessionID, resourceID string, window time.Duration) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

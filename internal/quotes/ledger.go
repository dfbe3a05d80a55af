// Package quotes implements the quote ledger: short-lived priced snapshots
// of a cart, issued by the pricing step and validated (never mutated) by
// order submission. A quote guarantees the total charged matches what was
// shown to the user; any drift in time or cart contents forces a re-quote.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/control-plane/internal/policy"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Ledger issues and validates quotes.
type Ledger struct {
	store store.QuoteStore
	ttl   time.Duration
}

// NewLedger creates a quote ledger with the given default TTL.
func NewLedger(s store.QuoteStore, ttl time.Duration) *Ledger {
	return &Ledger{store: s, ttl: ttl}
}

// Issue prices a cart snapshot and records the resulting quote.
// The total is supplied by the pricing collaborator; the ledger only binds
// it to the cart hash and the clock.
func (l *Ledger) Issue(ctx context.Context, sessionID string, cart interface{}, totalCents int64, currency string, now time.Time) (*models.Quote, error) {
	if cart == nil {
		return nil, fmt.Errorf("issue quote: cart snapshot required")
	}
	q := &models.Quote{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		CartHash:   policy.CartHash(cart),
		TotalCents: totalCents,
		Currency:   currency,
		IssuedAt:   now,
		TTLSeconds: int(l.ttl.Seconds()),
	}
	if err := l.store.CreateQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("store quote: %w", err)
	}
	return q, nil
}

// Validate implements policy.QuoteValidator. A quote is valid only while
// now - issuedAt < ttl AND the cart hash still matches; age exactly equal to
// the TTL is already stale.
func (l *Ledger) Validate(ctx context.Context, quoteID, currentCartHash string, now time.Time) (policy.QuoteValidity, error) {
	if quoteID == "" {
		return policy.QuoteMissing, nil
	}

	q, err := l.store.GetQuote(ctx, quoteID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return policy.QuoteMissing, nil
		}
		return "", err
	}

	if now.Sub(q.IssuedAt) >= time.Duration(q.TTLSeconds)*time.Second {
		return policy.QuoteStale, nil
	}
	if currentCartHash != q.CartHash {
		return policy.QuoteCartChanged, nil
	}
	return policy.QuoteOK, nil
}

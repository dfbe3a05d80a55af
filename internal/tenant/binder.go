// Package tenant resolves and locks an agent session to a single
// tenant/venue. The binding happens once, at session creation, and every
// later request must stay inside it: a session established for one venue can
// never act on another, whatever its persona can otherwise do.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// ErrPersonaMismatch is returned when a request claims a persona other than
// the one the session was created with.
var ErrPersonaMismatch = errors.New("persona does not match session")

// ErrTenantMismatch is returned when a request references a tenant other
// than the session's binding.
var ErrTenantMismatch = errors.New("tenant does not match session binding")

// Binder creates sessions bound to one tenant context and resolves inbound
// requests against them.
type Binder struct {
	sessions store.SessionStore
	ttl      time.Duration

	// Now is the clock used for session timestamps. Tests override it.
	Now func() time.Time
}

// NewBinder creates a tenant binder with the given session inactivity TTL.
func NewBinder(s store.SessionStore, ttl time.Duration) *Binder {
	return &Binder{sessions: s, ttl: ttl, Now: time.Now}
}

// Resolve returns the session for a request, creating and binding it on the
// first inbound message. The persona and tenant context are immutable once
// bound; a request disagreeing with either is rejected before any policy
// evaluation runs.
func (b *Binder) Resolve(ctx context.Context, req *models.ActionRequest) (*models.Session, error) {
	if req.SessionID == "" || req.TenantID == "" {
		return nil, fmt.Errorf("session_id and tenant_id are required")
	}
	if !req.Persona.Valid() {
		return nil, fmt.Errorf("unknown persona %q", req.Persona)
	}

	session, err := b.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("get session: %w", err)
		}
		return b.create(ctx, req)
	}

	if session.Persona != req.Persona {
		return nil, ErrPersonaMismatch
	}
	if session.Tenant.TenantID != req.TenantID {
		return nil, ErrTenantMismatch
	}

	if err := b.sessions.TouchSession(ctx, session.ID, b.ttl); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	session.LastSeenAt = b.Now()
	return session, nil
}

// Get returns an existing session without touching its TTL.
func (b *Binder) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return b.sessions.GetSession(ctx, sessionID)
}

func (b *Binder) create(ctx context.Context, req *models.ActionRequest) (*models.Session, error) {
	now := b.Now()
	venueID := req.VenueID
	if venueID == "" {
		// Sessions created without an explicit venue get a synthetic
		// binding scoped to the tenant; later requests must omit venue or
		// match it.
		venueID = req.TenantID + ":default"
	}

	session := &models.Session{
		ID:      req.SessionID,
		Persona: req.Persona,
		Tenant: models.TenantContext{
			TenantID: req.TenantID,
			VenueID:  venueID,
		},
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := b.sessions.CreateSession(ctx, session, b.ttl); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("persona", string(session.Persona)).
		Str("tenant_id", session.Tenant.TenantID).
		Str("venue_id", session.Tenant.VenueID).
		Msg("session bound to tenant")
	return session, nil
}

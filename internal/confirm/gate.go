// Package confirm implements the two-phase propose→confirm protocol for
// irreversible actions. A proposal is confirmed only by an explicit
// affirmative from the same session — never inferred from the mere presence
// of a tool call in model output. The invariant "no mutation without
// explicit affirmation" is enforced here, centrally, not per call site.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// ErrNotPending is returned when confirming a proposal that is not awaiting
// confirmation (already resolved or expired).
var ErrNotPending = errors.New("proposal is not pending")

// ErrSessionMismatch is returned when a confirmation arrives from a session
// other than the one that proposed the action.
var ErrSessionMismatch = errors.New("confirmation from a different session")

// Gate records pending irreversible actions and their confirmations.
type Gate struct {
	store store.ProposalStore
	ttl   time.Duration

	// Now is the clock used for proposal timestamps. Tests override it.
	Now func() time.Time
}

// NewGate creates a confirmation gate. Proposals expire after ttl.
func NewGate(s store.ProposalStore, ttl time.Duration) *Gate {
	return &Gate{store: s, ttl: ttl, Now: time.Now}
}

// Propose implements policy.ConfirmationChecker. It records the pending
// action and returns an identifier the UI surfaces to the user. Re-proposing
// an action that is already pending returns the existing proposal instead of
// stacking a new one.
func (g *Gate) Propose(ctx context.Context, sessionID, tool, paramsHash string) (string, error) {
	if existing, err := g.store.FindProposalByAction(ctx, sessionID, tool, paramsHash); err == nil {
		if existing.Status == models.ProposalPending {
			return existing.ID, nil
		}
	} else {
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			return "", err
		}
	}

	p := &models.Proposal{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Tool:       tool,
		ParamsHash: paramsHash,
		Status:     models.ProposalPending,
		ProposedAt: g.Now(),
	}
	if err := g.store.CreateProposal(ctx, p, g.ttl); err != nil {
		return "", fmt.Errorf("store proposal: %w", err)
	}

	log.Debug().
		Str("proposal_id", p.ID).
		Str("session_id", sessionID).
		Str("tool", tool).
		Msg("action proposed, awaiting confirmation")
	return p.ID, nil
}

// Confirm marks a proposal confirmed. The affirmation must be explicit
// (affirmed=true) and must come from the proposing session; anything else
// leaves the proposal pending.
func (g *Gate) Confirm(ctx context.Context, proposalID, sessionID string, affirmed bool) error {
	p, err := g.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.SessionID != sessionID {
		return ErrSessionMismatch
	}
	if p.Status != models.ProposalPending {
		return ErrNotPending
	}
	if !affirmed {
		// A non-affirmative answer is not a confirmation. The proposal
		// stays pending until it expires.
		return ErrNotPending
	}

	resolved := g.Now()
	p.Status = models.ProposalConfirmed
	p.ResolvedAt = &resolved
	return g.store.UpdateProposal(ctx, p)
}

// Get returns a proposal by ID.
func (g *Gate) Get(ctx context.Context, proposalID string) (*models.Proposal, error) {
	return g.store.GetProposal(ctx, proposalID)
}

// Consume marks a confirmed proposal as used. Called after the confirmed
// action has executed, so one affirmation authorizes exactly one execution;
// a repeat of the same action must be proposed and confirmed again.
func (g *Gate) Consume(ctx context.Context, sessionID, tool, paramsHash string) error {
	p, err := g.store.FindProposalByAction(ctx, sessionID, tool, paramsHash)
	if err != nil {
		return err
	}
	if p.Status != models.ProposalConfirmed {
		return fmt.Errorf("proposal %s is %s, not confirmed", p.ID, p.Status)
	}

	resolved := g.Now()
	p.Status = models.ProposalConsumed
	p.ResolvedAt = &resolved
	if err := g.store.UpdateProposal(ctx, p); err != nil {
		return err
	}

	log.Debug().
		Str("proposal_id", p.ID).
		Str("session_id", sessionID).
		Str("tool", tool).
		Msg("confirmation consumed")
	return nil
}

// Confirmed implements policy.ConfirmationChecker: it reports whether a
// confirmed proposal exists for exactly this (session, tool, params) triple.
// Matching on content keeps a confirmation for one action from unlocking a
// different one.
func (g *Gate) Confirmed(ctx context.Context, sessionID, tool, paramsHash string) (bool, error) {
	p, err := g.store.FindProposalByAction(ctx, sessionID, tool, paramsHash)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return p.Status == models.ProposalConfirmed, nil
}

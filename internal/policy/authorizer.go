package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// ConfirmationChecker reports whether an explicit user confirmation exists
// for the session's proposed action, and proposes one when it does not.
type ConfirmationChecker interface {
	// Confirmed reports whether a confirmed proposal exists for
	// (sessionID, tool, paramsHash).
	Confirmed(ctx context.Context, sessionID, tool, paramsHash string) (bool, error)

	// Propose records the pending action and returns a proposal ID to
	// surface to the user.
	Propose(ctx context.Context, sessionID, tool, paramsHash string) (string, error)
}

// QuoteValidity is the outcome of a freshness check.
type QuoteValidity string

const (
	QuoteOK          QuoteValidity = "ok"
	QuoteStale       QuoteValidity = "stale"
	QuoteCartChanged QuoteValidity = "cart_changed"
	QuoteMissing     QuoteValidity = "missing"
)

// QuoteValidator checks that a quote is fresh and still bound to the cart
// the caller is about to mutate.
type QuoteValidator interface {
	Validate(ctx context.Context, quoteID, currentCartHash string, now time.Time) (QuoteValidity, error)
}

// Authorizer is the decision core. It composes the catalog, the confirmation
// gate, and the quote ledger into one verdict per request. Checks
// short-circuit on the first denial; tenancy is checked even for tools the
// persona could not reach, because tenancy is orthogonal to capability.
type Authorizer struct {
	catalog *Catalog
	confirm ConfirmationChecker
	quotes  QuoteValidator
}

// NewAuthorizer builds the decision core.
func NewAuthorizer(catalog *Catalog, confirm ConfirmationChecker, quotes QuoteValidator) *Authorizer {
	return &Authorizer{catalog: catalog, confirm: confirm, quotes: quotes}
}

// Catalog exposes the underlying policy table.
func (a *Authorizer) Catalog() *Catalog { return a.catalog }

// Authorize evaluates one action request against the session's persona and
// tenant binding. Collaborator failures (gate or ledger storage) return an
// error; the caller fails closed on them.
func (a *Authorizer) Authorize(ctx context.Context, session *models.Session, req *models.ActionRequest, now time.Time) (models.Decision, error) {
	// 1. Unknown tools are a closed world.
	desc, ok := a.catalog.Lookup(req.Tool)
	if !ok {
		return deny(models.CodeNotFound, fmt.Sprintf("unknown tool %q", req.Tool)), nil
	}

	// 2+3. Forbid overrides allow; anything not explicitly allowed or in
	// the foundation set is denied.
	persona := session.Persona
	var capability models.Decision
	switch {
	case a.catalog.Forbidden(persona, req.Tool):
		capability = deny(models.CodeForbidden, fmt.Sprintf("tool %q is forbidden for persona %q", req.Tool, persona))
	case !a.catalog.Allowed(persona, req.Tool):
		capability = deny(models.CodeForbidden, fmt.Sprintf("tool %q is not allowed for persona %q", req.Tool, persona))
	}

	// 4. Tenancy runs regardless of the capability outcome.
	if req.VenueID != "" && req.VenueID != session.Tenant.VenueID {
		return deny(models.CodeTenantMismatch,
			fmt.Sprintf("request venue %q does not match bound venue %q", req.VenueID, session.Tenant.VenueID)), nil
	}
	if capability.Kind == models.DecisionDeny {
		return capability, nil
	}

	// 5. Irreversible actions need a prior explicit confirmation.
	if desc.RequiresConfirmation {
		paramsHash := HashParams(req.Tool, req.Params)
		confirmed, err := a.confirm.Confirmed(ctx, session.ID, req.Tool, paramsHash)
		if err != nil {
			return models.Decision{}, fmt.Errorf("confirmation check: %w", err)
		}
		if !confirmed {
			proposalID, err := a.confirm.Propose(ctx, session.ID, req.Tool, paramsHash)
			if err != nil {
				return models.Decision{}, fmt.Errorf("propose: %w", err)
			}
			return models.Decision{
				Kind:       models.DecisionPending,
				Code:       models.CodePendingConfirm,
				Reason:     fmt.Sprintf("tool %q requires explicit user confirmation", req.Tool),
				ProposalID: proposalID,
			}, nil
		}
	}

	// 6. Mutations priced against a quote need that quote fresh and bound
	// to the current cart.
	if desc.RequiresFreshQuote {
		validity, err := a.quotes.Validate(ctx, req.QuoteID, CartHash(req.Params["cart"]), now)
		if err != nil {
			return models.Decision{}, fmt.Errorf("quote validation: %w", err)
		}
		if validity != QuoteOK {
			return deny(models.CodePreconditionFailed,
				fmt.Sprintf("quote %q rejected: %s", req.QuoteID, validity)), nil
		}
	}

	return models.Decision{Kind: models.DecisionAllow}, nil
}

func deny(code models.DecisionCode, reason string) models.Decision {
	return models.Decision{Kind: models.DecisionDeny, Code: code, Reason: reason}
}

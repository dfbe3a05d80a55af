package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// violation counter kinds
const (
	kindDenial      = "denial"
	kindFetchDenied = "fetch"
	kindRateLimited = "ratelimit"
)

// IncidentNotifier pushes a raised incident to an external channel.
// Implementations must not block the caller.
type IncidentNotifier interface {
	NotifyIncident(ctx context.Context, inc *models.Incident)
}

// Escalator watches per-session violation counters and raises incidents
// when a session crosses a threshold inside the rolling window. Counters
// live in the state store so escalation works across replicas.
type Escalator struct {
	violations store.ViolationStore
	log        Log

	denialThreshold int
	probeThreshold  int
	window          time.Duration

	// Notifier, when set, receives every raised incident.
	Notifier IncidentNotifier

	// Now is the clock. Override in tests.
	Now func() time.Time
}

func NewEscalator(v store.ViolationStore, l Log, denialThreshold, probeThreshold int, window time.Duration) *Escalator {
	return &Escalator{
		violations:      v,
		log:             l,
		denialThreshold: denialThreshold,
		probeThreshold:  probeThreshold,
		window:          window,
		Now:             time.Now,
	}
}

// NoteDenial records a FORBIDDEN or TENANT_MISMATCH denial for the session.
// Crossing the threshold raises a policy_violation incident; tenant
// mismatches escalate as tenant_probing instead.
func (e *Escalator) NoteDenial(ctx context.Context, session *models.Session, code models.DecisionCode, tool string) {
	count, err := e.violations.IncrementViolations(ctx, session.ID, kindDenial, e.window)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("violation counter failed")
		return
	}
	if count != int64(e.denialThreshold) {
		return
	}

	typ := models.IncidentPolicyViolation
	sev := models.SeverityMedium
	if code == models.CodeTenantMismatch {
		typ = models.IncidentTenantProbing
		sev = models.SeverityHigh
	}
	e.raise(ctx, session, typ, sev,
		fmt.Sprintf("%d denials within %s, last tool %s", count, e.window, tool))
}

// NoteProbe records a NOT_FOUND lookup of resourceID. A session touching
// many distinct unknown IDs inside the window is enumerating.
func (e *Escalator) NoteProbe(ctx context.Context, session *models.Session, resourceID string) {
	distinct, err := e.violations.AddProbe(ctx, session.ID, resourceID, e.window)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("probe counter failed")
		return
	}
	if distinct != int64(e.probeThreshold) {
		return
	}
	e.raise(ctx, session, models.IncidentEnumeration, models.SeverityHigh,
		fmt.Sprintf("%d distinct unknown resource IDs within %s", distinct, e.window))
}

// NoteInjection records flagged fetched content. Every hit is an incident;
// there is no threshold for injection attempts.
func (e *Escalator) NoteInjection(ctx context.Context, session *models.Session, sourceURL string) {
	e.raise(ctx, session, models.IncidentInjectionAttempt, models.SeverityHigh,
		"injection heuristics matched in content from "+sourceURL)
}

// NoteFetchDenied records a research fetch outside the allowlist. A single
// miss is normal agent behavior; repeats inside the window escalate.
func (e *Escalator) NoteFetchDenied(ctx context.Context, session *models.Session, url string) {
	count, err := e.violations.IncrementViolations(ctx, session.ID, kindFetchDenied, e.window)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("violation counter failed")
		return
	}
	if count != int64(e.denialThreshold) {
		return
	}
	e.raise(ctx, session, models.IncidentFetchDenied, models.SeverityMedium,
		fmt.Sprintf("%d disallowed fetches within %s, last %s", count, e.window, url))
}

// NoteRateLimited records a denied request on a limited action class.
// A session that keeps hammering past the threshold is abusing the limit.
func (e *Escalator) NoteRateLimited(ctx context.Context, session *models.Session, actionClass string) {
	count, err := e.violations.IncrementViolations(ctx, session.ID, kindRateLimited, e.window)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("violation counter failed")
		return
	}
	if count != int64(e.denialThreshold) {
		return
	}
	e.raise(ctx, session, models.IncidentRateLimitAbuse, models.SeverityLow,
		fmt.Sprintf("%d denied requests within %s on class %s", count, e.window, actionClass))
}

func (e *Escalator) raise(ctx context.Context, session *models.Session, typ models.IncidentType, sev models.IncidentSeverity, detail string) {
	inc := &models.Incident{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  sev,
		SessionID: session.ID,
		TenantID:  session.Tenant.TenantID,
		Detail:    detail,
		CreatedAt: e.Now(),
	}
	if err := e.log.CreateIncident(ctx, inc); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("incident write failed")
		return
	}
	log.Warn().
		Str("incident_id", inc.ID).
		Str("type", string(typ)).
		Str("severity", string(sev)).
		Str("session_id", session.ID).
		Msg("incident raised")

	if e.Notifier != nil {
		e.Notifier.NotifyIncident(ctx, inc)
	}
}

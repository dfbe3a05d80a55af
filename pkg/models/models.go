// Package models defines the shared data model for the TableTalk control
// plane: agent personas, tool descriptors, sessions, action requests, and the
// records the policy engine keeps about quotes, idempotency, rate limits,
// audit, and incidents.
package models

import (
	"time"
)

// ── Personas ─────────────────────────────────────────────────

// Persona is the fixed role an agent session operates under.
// It is set at session creation and never changes.
type Persona string

const (
	PersonaGuest          Persona = "guest"
	PersonaVenueStaff     Persona = "venue_staff"
	PersonaPlatformAdmin  Persona = "platform_admin"
	PersonaUIOrchestrator Persona = "ui_orchestrator"
	PersonaResearch       Persona = "research"
)

// Valid reports whether p is a known persona.
func (p Persona) Valid() bool {
	switch p {
	case PersonaGuest, PersonaVenueStaff, PersonaPlatformAdmin, PersonaUIOrchestrator, PersonaResearch:
		return true
	}
	return false
}

// ── Tools ────────────────────────────────────────────────────

// ToolDescriptor describes one entry in the closed tool registry.
// Authorization is purely data-driven over these descriptors.
type ToolDescriptor struct {
	Name                 string `json:"name"`
	ActionClass          string `json:"action_class"` // rate-limit bucket class
	Mutates              bool   `json:"mutates"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	RequiresFreshQuote   bool   `json:"requires_fresh_quote"`
}

// ── Tenancy & Sessions ───────────────────────────────────────

// TenantContext is the tenant/venue a session is locked to.
type TenantContext struct {
	TenantID string `json:"tenant_id" db:"tenant_id"`
	VenueID  string `json:"venue_id" db:"venue_id"`
}

// Session is one agent conversation. The persona and tenant binding are
// immutable for the session's lifetime; the session expires after an
// inactivity TTL.
type Session struct {
	ID         string        `json:"id" db:"id"`
	Persona    Persona       `json:"persona" db:"persona"`
	Tenant     TenantContext `json:"tenant"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	LastSeenAt time.Time     `json:"last_seen_at" db:"last_seen_at"`
}

// ── Action Requests & Decisions ──────────────────────────────

// ActionRequest is one proposed tool invocation. Transient: one per call.
type ActionRequest struct {
	SessionID         string                 `json:"session_id"`
	Persona           Persona                `json:"agent_type"`
	TenantID          string                 `json:"tenant_id"`
	VenueID           string                 `json:"venue_id,omitempty"`
	Tool              string                 `json:"tool"`
	Params            map[string]interface{} `json:"params,omitempty"`
	ConfirmationToken string                 `json:"confirmation_token,omitempty"`
	QuoteID           string                 `json:"quote_id,omitempty"`
}

// DecisionKind is the terminal disposition of an action request.
type DecisionKind string

const (
	DecisionAllow   DecisionKind = "ALLOW"
	DecisionDeny    DecisionKind = "DENY"
	DecisionPending DecisionKind = "PENDING_CONFIRMATION"
)

// DecisionCode refines a decision with the error-taxonomy entry that
// produced it. PENDING_CONFIRMATION is a verdict, not an error.
type DecisionCode string

const (
	CodeValidationError    DecisionCode = "VALIDATION_ERROR"
	CodeNotFound           DecisionCode = "NOT_FOUND"
	CodeForbidden          DecisionCode = "FORBIDDEN"
	CodeTenantMismatch     DecisionCode = "TENANT_MISMATCH"
	CodeRateLimited        DecisionCode = "RATE_LIMITED"
	CodePreconditionFailed DecisionCode = "PRECONDITION_FAILED"
	CodeConflict           DecisionCode = "CONFLICT"
	CodePendingConfirm     DecisionCode = "PENDING_CONFIRMATION"
	CodeInternal           DecisionCode = "INTERNAL"
)

// Decision is the engine's verdict on one action request.
type Decision struct {
	Kind       DecisionKind           `json:"decision"`
	Code       DecisionCode           `json:"code,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	ProposalID string                 `json:"proposal_id,omitempty"`
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllow }

// ── Quotes ───────────────────────────────────────────────────

// Quote is a short-lived priced snapshot of a cart. A quote older than its
// TTL, or bound to a cart that has since changed, is unusable.
type Quote struct {
	ID         string    `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	CartHash   string    `json:"cart_hash" db:"cart_hash"`
	TotalCents int64     `json:"total_cents" db:"total_cents"`
	Currency   string    `json:"currency" db:"currency"`
	IssuedAt   time.Time `json:"issued_at" db:"issued_at"`
	TTLSeconds int       `json:"ttl_seconds" db:"ttl_seconds"`
}

// ExpiresAt returns the instant the quote becomes stale.
func (q Quote) ExpiresAt() time.Time {
	return q.IssuedAt.Add(time.Duration(q.TTLSeconds) * time.Second)
}

// ── Idempotency ──────────────────────────────────────────────

// IdempotencyState is the lifecycle state of an idempotency record.
type IdempotencyState string

const (
	// IdempotencyInProgress marks a reservation whose execution has not
	// committed yet. Reservations expire so crashed executions don't wedge
	// legitimate retries.
	IdempotencyInProgress IdempotencyState = "in_progress"
	// IdempotencyCommitted marks a key with a stored execution outcome.
	IdempotencyCommitted IdempotencyState = "committed"
)

// IdempotencyRecord maps hash(sessionID, confirmationToken) to exactly one
// execution outcome for the retention window.
type IdempotencyRecord struct {
	Key       string                 `json:"key" db:"key"`
	State     IdempotencyState       `json:"state" db:"state"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ── Rate Limiting ────────────────────────────────────────────

// RateLimitRule configures one action class: a sliding window plus an
// optional flat cooldown applied after each successful call.
type RateLimitRule struct {
	ActionClass     string        `json:"action_class"`
	MaxRequests     int           `json:"max_requests"`
	Window          time.Duration `json:"window"`
	CooldownSeconds int           `json:"cooldown_seconds,omitempty"`
}

// RateLimitVerdict is the outcome of a rate-limit check.
type RateLimitVerdict struct {
	Allowed           bool          `json:"allowed"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}

// ── Proposals (confirmation gate) ────────────────────────────

// ProposalStatus is the state of a propose→confirm exchange.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalConfirmed ProposalStatus = "confirmed"
	ProposalConsumed  ProposalStatus = "consumed"
	ProposalExpired   ProposalStatus = "expired"
)

// Proposal records a pending irreversible action awaiting an explicit user
// affirmation from the same session. Confirmation is never inferred from
// model output.
type Proposal struct {
	ID         string         `json:"id" db:"id"`
	SessionID  string         `json:"session_id" db:"session_id"`
	Tool       string         `json:"tool" db:"tool"`
	ParamsHash string         `json:"params_hash" db:"params_hash"`
	Status     ProposalStatus `json:"status" db:"status"`
	ProposedAt time.Time      `json:"proposed_at" db:"proposed_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEntry is one append-only record of an authorization decision or tool
// execution. Write-once.
type AuditEntry struct {
	ID         string                 `json:"id" db:"id"`
	TraceID    string                 `json:"trace_id" db:"trace_id"`
	SpanID     string                 `json:"span_id" db:"span_id"`
	SessionID  string                 `json:"session_id" db:"session_id"`
	Persona    Persona                `json:"persona" db:"persona"`
	TenantID   string                 `json:"tenant_id" db:"tenant_id"`
	VenueID    string                 `json:"venue_id" db:"venue_id"`
	Tool       string                 `json:"tool" db:"tool"`
	Decision   DecisionKind           `json:"decision" db:"decision"`
	Code       DecisionCode           `json:"code,omitempty" db:"code"`
	Params     map[string]interface{} `json:"params,omitempty"`
	DurationMs int64                  `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// AuditFilter provides query options for listing audit entries.
type AuditFilter struct {
	SessionID string
	Persona   Persona
	VenueID   string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// ── Incidents ────────────────────────────────────────────────

// IncidentType classifies an escalated violation pattern.
type IncidentType string

const (
	IncidentPolicyViolation  IncidentType = "policy_violation"
	IncidentTenantProbing    IncidentType = "tenant_probing"
	IncidentEnumeration      IncidentType = "id_enumeration"
	IncidentInjectionAttempt IncidentType = "injection_attempt"
	IncidentRateLimitAbuse   IncidentType = "rate_limit_abuse"
	IncidentFetchDenied      IncidentType = "fetch_denied"
)

// IncidentSeverity grades an incident.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// Incident is a durable, escalated record of a detected abuse pattern.
// The engine creates incidents; it never resolves or deletes them.
type Incident struct {
	ID        string           `json:"id" db:"id"`
	Type      IncidentType     `json:"type" db:"type"`
	Severity  IncidentSeverity `json:"severity" db:"severity"`
	SessionID string           `json:"session_id" db:"session_id"`
	TenantID  string           `json:"tenant_id" db:"tenant_id"`
	Detail    string           `json:"detail" db:"detail"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// ── Research fence ───────────────────────────────────────────

// SafeContent wraps externally fetched text so downstream consumers treat it
// strictly as quoted data. The Quoted payload must never reach a position
// that can trigger tool dispatch.
type SafeContent struct {
	SourceURL string `json:"source_url"`
	Quoted    string `json:"quoted"`
	Truncated bool   `json:"truncated"`
	Flagged   bool   `json:"flagged"` // injection heuristics matched inside the content
}

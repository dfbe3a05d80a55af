// Package handlers implements the HTTP handlers for the TableTalk control
// plane. Every handler is a thin shell: decoding, status mapping and
// encoding live here, while all policy semantics stay in the engine and its
// collaborators.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/api/middleware"
	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
	"github.com/tabletalk/tabletalk/control-plane/internal/confirm"
	"github.com/tabletalk/tabletalk/control-plane/internal/engine"
	"github.com/tabletalk/tabletalk/control-plane/internal/policy"
	"github.com/tabletalk/tabletalk/control-plane/internal/research"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Engine   *engine.Engine
	Gate     *confirm.Gate
	Catalog  *policy.Catalog
	Fence    *research.Fence
	Exporter *audit.Exporter
	Audit    audit.Log

	// ExportMaxRecords caps a single audit export.
	ExportMaxRecords int
}

// New creates a new Handlers instance with all dependencies.
func New(eng *engine.Engine, gate *confirm.Gate, cat *policy.Catalog, fence *research.Fence, auditLog audit.Log, exportMax int) *Handlers {
	return &Handlers{
		Engine:           eng,
		Gate:             gate,
		Catalog:          cat,
		Fence:            fence,
		Exporter:         audit.NewExporter(auditLog),
		Audit:            auditLog,
		ExportMaxRecords: exportMax,
	}
}

// ── Actions ──────────────────────────────────────────────────

// SubmitAction runs one tool call through the decision pipeline.
func (h *Handlers) SubmitAction(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := h.Engine.Handle(r.Context(), &req)
	respondJSON(w, statusFor(decision), decision)
}

// statusFor maps a decision to its HTTP status. The decision code is the
// contract; the status is a transport convenience.
func statusFor(d *models.Decision) int {
	switch d.Kind {
	case models.DecisionAllow:
		return http.StatusOK
	case models.DecisionPending:
		return http.StatusAccepted
	}
	switch d.Code {
	case models.CodeValidationError:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeForbidden, models.CodeTenantMismatch:
		return http.StatusForbidden
	case models.CodeRateLimited:
		return http.StatusTooManyRequests
	case models.CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case models.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ── Proposals ────────────────────────────────────────────────

type confirmRequest struct {
	SessionID string `json:"session_id"`
	Affirmed  bool   `json:"affirmed"`
}

// ConfirmProposal resolves a pending confirmation. Only an explicit
// affirmed=true confirms; anything else leaves the proposal pending.
func (h *Handlers) ConfirmProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalId")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	err := h.Gate.Confirm(r.Context(), proposalID, req.SessionID, req.Affirmed)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{
			"proposal_id": proposalID,
			"status":      string(models.ProposalConfirmed),
		})
	case errors.Is(err, confirm.ErrNotPending):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, confirm.ErrSessionMismatch):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, "proposal not found or expired")
			return
		}
		log.Error().Err(err).Str("proposal_id", proposalID).Msg("confirm failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// GetProposal returns a proposal's current status.
func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalId")
	p, err := h.Gate.Get(r.Context(), proposalID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, "proposal not found or expired")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ── Sessions ─────────────────────────────────────────────────

// GetSession returns a session and its tenant binding.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	session, err := h.Engine.Sessions().Get(r.Context(), sessionID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, "session not found or expired")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// ── Policy catalog ───────────────────────────────────────────

// ListTools returns the tool catalog.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.Tools())
}

// ── Rate limits ──────────────────────────────────────────────

// ListLimits returns the configured rate limit rules.
func (h *Handlers) ListLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Engine.Limiter().Rules())
}

// PutLimit installs or replaces the rule for one action class.
func (h *Handlers) PutLimit(w http.ResponseWriter, r *http.Request) {
	actionClass := chi.URLParam(r, "actionClass")

	var rule models.RateLimitRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule.ActionClass = actionClass

	if err := h.Engine.Limiter().SetRule(rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().
		Str("action_class", actionClass).
		Int("max_requests", rule.MaxRequests).
		Dur("window", rule.Window).
		Msg("rate limit rule updated")
	respondJSON(w, http.StatusOK, rule)
}

// ── Research allowlist ───────────────────────────────────────

type allowlistRequest struct {
	URL string `json:"url"`
}

// AddAllowlistURL adds one URL to the research fetch allowlist.
func (h *Handlers) AddAllowlistURL(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.Fence.Allow(req.URL) {
		respondError(w, http.StatusBadRequest, "url must be a valid https URL")
		return
	}
	log.Info().Str("url", req.URL).Msg("research allowlist extended")
	respondJSON(w, http.StatusOK, map[string]string{"url": req.URL, "status": "allowed"})
}

// ── Audit & incidents ────────────────────────────────────────

// ExportAudit streams filtered audit entries as JSON or CSV. Sensitive
// parameters are redacted unless redact=false is passed explicitly.
func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := models.AuditFilter{
		SessionID: q.Get("session"),
		Persona:   models.Persona(q.Get("persona")),
		VenueID:   q.Get("venue"),
	}
	if filter.VenueID == "" {
		filter.VenueID = middleware.GetVenueID(r.Context())
	}
	if since, ok := parseTime(q.Get("since")); ok {
		filter.Since = &since
	}
	if until, ok := parseTime(q.Get("until")); ok {
		filter.Until = &until
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}

	format := audit.ExportFormat(q.Get("format"))
	if format == "" {
		format = audit.FormatJSON
	}
	redact := q.Get("redact") != "false"

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)

	n, err := h.Exporter.Export(r.Context(), w, audit.ExportOptions{
		Format:       format,
		Filter:       filter,
		RedactInputs: redact,
		MaxRecords:   h.ExportMaxRecords,
	})
	if err != nil {
		// Headers may already be out; log and abort the stream.
		log.Error().Err(err).Msg("audit export failed")
		return
	}
	log.Info().Int("records", n).Str("format", string(format)).Msg("audit exported")
}

// ListIncidents returns recent incidents, newest first.
func (h *Handlers) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	incidents, err := h.Audit.ListIncidents(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	respondJSON(w, http.StatusOK, incidents)
}

// ── Helpers ──────────────────────────────────────────────────

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

var tracer = otel.Tracer("tabletalk-control-plane")

// Recorder emits one trace span and one append-only audit entry per
// authorization decision. Audit writes are best-effort: a failing audit
// backend must not turn an ALLOW into a denial, so failures are logged
// and swallowed.
type Recorder struct {
	log Log

	// Now is the clock. Override in tests.
	Now func() time.Time
}

func NewRecorder(l Log) *Recorder {
	return &Recorder{log: l, Now: time.Now}
}

// Record traces and persists a decision on req. started is when the engine
// began handling the request; the entry's duration is measured against it.
func (r *Recorder) Record(ctx context.Context, session *models.Session, req *models.ActionRequest, decision *models.Decision, started time.Time) {
	ctx, span := tracer.Start(ctx, "action.decide",
		trace.WithAttributes(
			attribute.String("tabletalk.session_id", req.SessionID),
			attribute.String("tabletalk.persona", string(req.Persona)),
			attribute.String("tabletalk.tenant_id", req.TenantID),
			attribute.String("tabletalk.tool", req.Tool),
			attribute.String("tabletalk.decision", string(decision.Kind)),
		),
	)
	if decision.Code != "" {
		span.SetAttributes(attribute.String("tabletalk.code", string(decision.Code)))
	}
	defer span.End()

	now := r.Now()
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		Persona:    req.Persona,
		TenantID:   req.TenantID,
		Tool:       req.Tool,
		Decision:   decision.Kind,
		Code:       decision.Code,
		Params:     req.Params,
		DurationMs: now.Sub(started).Milliseconds(),
		CreatedAt:  now,
	}
	if session != nil {
		entry.VenueID = session.Tenant.VenueID
	}
	if sc := span.SpanContext(); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}

	if err := r.log.AppendEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("audit append failed")
	}

	evt := log.Info()
	if !decision.Allowed() {
		evt = log.Warn()
	}
	evt.Str("session_id", req.SessionID).
		Str("persona", string(req.Persona)).
		Str("tool", req.Tool).
		Str("decision", string(decision.Kind)).
		Str("code", string(decision.Code)).
		Int64("duration_ms", entry.DurationMs).
		Msg("action decided")
}

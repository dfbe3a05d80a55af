package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

func testSession() *models.Session {
	return &models.Session{
		ID:      "s1",
		Persona: models.PersonaGuest,
		Tenant:  models.TenantContext{TenantID: "t1", VenueID: "v1"},
	}
}

func seedEntries(t *testing.T, l *audit.MemoryLog) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	entries := []models.AuditEntry{
		{
			ID: "e1", SessionID: "s1", Persona: models.PersonaGuest,
			TenantID: "t1", VenueID: "v1", Tool: "order.submit",
			Decision: models.DecisionAllow,
			Params: map[string]interface{}{
				"confirmation_token": "tok-secret",
				"table":              "7",
			},
			CreatedAt: base,
		},
		{
			ID: "e2", SessionID: "s2", Persona: models.PersonaVenueStaff,
			TenantID: "t1", VenueID: "v2", Tool: "menu.update",
			Decision:  models.DecisionDeny,
			Code:      models.CodeForbidden,
			CreatedAt: base.Add(time.Minute),
		},
	}
	for i := range entries {
		if err := l.AppendEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendEntry() error = %v", err)
		}
	}
}

func TestExportRedactsSensitiveParams(t *testing.T) {
	l := audit.NewMemoryLog()
	seedEntries(t, l)

	var buf bytes.Buffer
	n, err := audit.NewExporter(l).Export(context.Background(), &buf, audit.ExportOptions{
		Format:       audit.FormatJSON,
		RedactInputs: true,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Export() = %d records, want 2", n)
	}

	var out []models.AuditEntry
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	got := out[0].Params["confirmation_token"]
	if got != audit.Redacted {
		t.Errorf("confirmation_token = %v, want %q", got, audit.Redacted)
	}
	if out[0].Params["table"] != "7" {
		t.Errorf("table = %v, want untouched value", out[0].Params["table"])
	}
}

func TestExportWithoutRedactionKeepsParams(t *testing.T) {
	l := audit.NewMemoryLog()
	seedEntries(t, l)

	var buf bytes.Buffer
	if _, err := audit.NewExporter(l).Export(context.Background(), &buf, audit.ExportOptions{Format: audit.FormatJSON}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(buf.String(), "tok-secret") {
		t.Error("export without redaction should keep raw params")
	}
}

func TestExportCSV(t *testing.T) {
	l := audit.NewMemoryLog()
	seedEntries(t, l)

	var buf bytes.Buffer
	n, err := audit.NewExporter(l).Export(context.Background(), &buf, audit.ExportOptions{
		Format:       audit.FormatCSV,
		RedactInputs: true,
		Filter:       models.AuditFilter{VenueID: "v2"},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Export() = %d records, want 1", n)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,trace_id,session_id") {
		t.Errorf("unexpected csv header %q", lines[0])
	}
	if !strings.Contains(lines[1], "menu.update") {
		t.Errorf("csv row %q missing tool name", lines[1])
	}
}

func TestExportMaxRecordsCap(t *testing.T) {
	l := audit.NewMemoryLog()
	seedEntries(t, l)

	var buf bytes.Buffer
	n, err := audit.NewExporter(l).Export(context.Background(), &buf, audit.ExportOptions{
		Format:     audit.FormatJSON,
		MaxRecords: 1,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Export() = %d records, want capped at 1", n)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	l := audit.NewMemoryLog()
	var buf bytes.Buffer
	if _, err := audit.NewExporter(l).Export(context.Background(), &buf, audit.ExportOptions{Format: "xml"}); err == nil {
		t.Error("Export() with unknown format should fail")
	}
}

func TestEscalatorDenialThreshold(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	l := audit.NewMemoryLog()
	esc := audit.NewEscalator(s, l, 3, 30, 5*time.Minute)

	sess := testSession()
	for i := 0; i < 2; i++ {
		esc.NoteDenial(ctx, sess, models.CodeForbidden, "menu.update")
	}
	incidents, _ := l.ListIncidents(ctx, 10)
	if len(incidents) != 0 {
		t.Fatalf("incidents below threshold = %d, want 0", len(incidents))
	}

	esc.NoteDenial(ctx, sess, models.CodeForbidden, "menu.update")
	incidents, _ = l.ListIncidents(ctx, 10)
	if len(incidents) != 1 {
		t.Fatalf("incidents at threshold = %d, want 1", len(incidents))
	}
	if incidents[0].Type != models.IncidentPolicyViolation {
		t.Errorf("incident type = %q, want %q", incidents[0].Type, models.IncidentPolicyViolation)
	}

	// Further denials in the same window do not duplicate the incident.
	esc.NoteDenial(ctx, sess, models.CodeForbidden, "menu.update")
	incidents, _ = l.ListIncidents(ctx, 10)
	if len(incidents) != 1 {
		t.Errorf("incidents past threshold = %d, want still 1", len(incidents))
	}
}

func TestEscalatorTenantMismatchBecomesProbing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	l := audit.NewMemoryLog()
	esc := audit.NewEscalator(s, l, 1, 30, 5*time.Minute)

	esc.NoteDenial(ctx, testSession(), models.CodeTenantMismatch, "order.status")
	incidents, _ := l.ListIncidents(ctx, 10)
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if incidents[0].Type != models.IncidentTenantProbing {
		t.Errorf("incident type = %q, want %q", incidents[0].Type, models.IncidentTenantProbing)
	}
	if incidents[0].Severity != models.SeverityHigh {
		t.Errorf("severity = %q, want %q", incidents[0].Severity, models.SeverityHigh)
	}
}

func TestEscalatorProbeCountsDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	l := audit.NewMemoryLog()
	esc := audit.NewEscalator(s, l, 3, 3, 5*time.Minute)

	sess := testSession()
	// Same ID repeated does not count toward the distinct threshold.
	for i := 0; i < 5; i++ {
		esc.NoteProbe(ctx, sess, "order-1")
	}
	incidents, _ := l.ListIncidents(ctx, 10)
	if len(incidents) != 0 {
		t.Fatalf("incidents after repeated ID = %d, want 0", len(incidents))
	}

	esc.NoteProbe(ctx, sess, "order-2")
	esc.NoteProbe(ctx, sess, "order-3")
	incidents, _ = l.ListIncidents(ctx, 10)
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if incidents[0].Type != models.IncidentEnumeration {
		t.Errorf("incident type = %q, want %q", incidents[0].Type, models.IncidentEnumeration)
	}
}

func TestEscalatorInjectionAlwaysRaises(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	l := audit.NewMemoryLog()
	esc := audit.NewEscalator(s, l, 100, 100, 5*time.Minute)

	esc.NoteInjection(ctx, testSession(), "https://docs.example.com/reviews")
	incidents, _ := l.ListIncidents(ctx, 10)
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if incidents[0].Type != models.IncidentInjectionAttempt {
		t.Errorf("incident type = %q, want %q", incidents[0].Type, models.IncidentInjectionAttempt)
	}
}

func TestRecorderAppendsEntry(t *testing.T) {
	ctx := context.Background()
	l := audit.NewMemoryLog()
	rec := audit.NewRecorder(l)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rec.Now = func() time.Time { return now }

	req := &models.ActionRequest{
		SessionID: "s1",
		Persona:   models.PersonaGuest,
		TenantID:  "t1",
		Tool:      "menu.view",
	}
	decision := &models.Decision{Kind: models.DecisionAllow}
	rec.Record(ctx, testSession(), req, decision, now.Add(-25*time.Millisecond))

	entries, err := l.ListEntries(ctx, models.AuditFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Tool != "menu.view" || e.Decision != models.DecisionAllow {
		t.Errorf("entry = %+v, want menu.view/ALLOW", e)
	}
	if e.VenueID != "v1" {
		t.Errorf("venue_id = %q, want %q", e.VenueID, "v1")
	}
	if e.DurationMs != 25 {
		t.Errorf("duration_ms = %d, want 25", e.DurationMs)
	}
}

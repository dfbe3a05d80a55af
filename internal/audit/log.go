// Package audit implements the telemetry recorder and the incident log:
// every authorization decision and tool execution is recorded as a
// trace-correlated span plus an append-only audit entry, and violation
// patterns crossing escalation thresholds become durable incidents.
package audit

import (
	"context"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Log is the durable audit/incident sink. Entries are write-once;
// incidents are never auto-resolved by the engine. The only deletion path is
// PruneEntriesBefore, driven by the retention janitor.
type Log interface {
	AppendEntry(ctx context.Context, entry *models.AuditEntry) error
	ListEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
	CountEntries(ctx context.Context, filter models.AuditFilter) (int64, error)
	PruneEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateIncident(ctx context.Context, incident *models.Incident) error
	ListIncidents(ctx context.Context, limit int) ([]models.Incident, error)

	Close() error
}

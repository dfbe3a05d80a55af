package audit

import (
	"context"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// MemoryLog is the in-memory Log used for local dev and tests. Production
// deployments use the PostgreSQL log.
type MemoryLog struct {
	mu        sync.RWMutex
	entries   []models.AuditEntry
	incidents []models.Incident
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) AppendEntry(_ context.Context, entry *models.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *entry)
	return nil
}

func (l *MemoryLog) ListEntries(_ context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.AuditEntry
	skipped := 0
	for _, e := range l.entries {
		if !matches(e, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) CountEntries(_ context.Context, filter models.AuditFilter) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int64
	for _, e := range l.entries {
		if matches(e, filter) {
			count++
		}
	}
	return count, nil
}

func (l *MemoryLog) PruneEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	var pruned int64
	for _, e := range l.entries {
		if e.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return pruned, nil
}

func (l *MemoryLog) CreateIncident(_ context.Context, incident *models.Incident) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incidents = append(l.incidents, *incident)
	return nil
}

func (l *MemoryLog) ListIncidents(_ context.Context, limit int) ([]models.Incident, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Incident, 0, len(l.incidents))
	// Newest first.
	for i := len(l.incidents) - 1; i >= 0; i-- {
		out = append(out, l.incidents[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }

func matches(e models.AuditEntry, f models.AuditFilter) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Persona != "" && e.Persona != f.Persona {
		return false
	}
	if f.VenueID != "" && e.VenueID != f.VenueID {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

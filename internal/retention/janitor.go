// Package retention prunes audit entries past the configured horizon. The
// audit log is otherwise append-only; the janitor is the single deletion
// path, so retention behavior is auditable in one place. Incidents are never
// pruned.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
)

// Janitor periodically deletes audit entries older than the retention window.
type Janitor struct {
	log       audit.Log
	retention time.Duration
	interval  time.Duration

	// Now is the clock used to compute the cutoff. Tests override it.
	Now func() time.Time
}

// NewJanitor creates a retention janitor. A retention of zero disables
// pruning; the interval is clamped to at least one minute.
func NewJanitor(l audit.Log, retention, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{log: l, retention: retention, interval: interval, Now: time.Now}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		log.Info().Msg("audit retention disabled, janitor not running")
		return
	}

	log.Info().
		Dur("retention", j.retention).
		Dur("interval", j.interval).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// One sweep immediately on startup.
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one pruning sweep and returns how many entries were
// deleted. Prune failures are logged and retried on the next tick.
func (j *Janitor) RunCycle(ctx context.Context) int64 {
	cutoff := j.Now().Add(-j.retention)
	pruned, err := j.log.PruneEntriesBefore(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention sweep failed")
		return 0
	}
	if pruned > 0 {
		log.Info().
			Int64("pruned", pruned).
			Time("cutoff", cutoff).
			Msg("audit entries pruned")
	}
	return pruned
}

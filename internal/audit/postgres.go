package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// PostgresLog implements Log on PostgreSQL. Audit entries and incidents are
// append-only tables; the only DELETE is retention pruning past the
// configured horizon.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects to PostgreSQL and ensures the audit schema exists.
func NewPostgresLog(ctx context.Context, connURL string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("audit db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit db ping: %w", err)
	}

	l := &PostgresLog{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit db migrate: %w", err)
	}

	log.Info().Msg("postgres audit log initialized")
	return l, nil
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS tt_audit_entries (
			id          TEXT PRIMARY KEY,
			trace_id    TEXT NOT NULL DEFAULT '',
			span_id     TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL,
			persona     TEXT NOT NULL,
			tenant_id   TEXT NOT NULL DEFAULT '',
			venue_id    TEXT NOT NULL DEFAULT '',
			tool        TEXT NOT NULL,
			decision    TEXT NOT NULL,
			code        TEXT NOT NULL DEFAULT '',
			params      JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tt_audit_session ON tt_audit_entries (session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tt_audit_venue ON tt_audit_entries (venue_id, created_at);

		CREATE TABLE IF NOT EXISTS tt_incidents (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tt_incidents_session ON tt_incidents (session_id, created_at);
	`
	_, err := l.pool.Exec(ctx, ddl)
	return err
}

func (l *PostgresLog) AppendEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO tt_audit_entries
			(id, trace_id, span_id, session_id, persona, tenant_id, venue_id, tool, decision, code, params, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.TraceID, e.SpanID, e.SessionID, string(e.Persona), e.TenantID, e.VenueID,
		e.Tool, string(e.Decision), string(e.Code), e.Params, e.DurationMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (l *PostgresLog) ListEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	query, args := buildEntryQuery(
		`SELECT id, trace_id, span_id, session_id, persona, tenant_id, venue_id, tool, decision, code, params, duration_ms, created_at
		FROM tt_audit_entries`, filter, true)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.SessionID, &e.Persona, &e.TenantID,
			&e.VenueID, &e.Tool, &e.Decision, &e.Code, &e.Params, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLog) CountEntries(ctx context.Context, filter models.AuditFilter) (int64, error) {
	query, args := buildEntryQuery(`SELECT COUNT(*) FROM tt_audit_entries`, filter, false)
	var count int64
	if err := l.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

func (l *PostgresLog) PruneEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM tt_audit_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLog) CreateIncident(ctx context.Context, inc *models.Incident) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO tt_incidents (id, type, severity, session_id, tenant_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inc.ID, string(inc.Type), string(inc.Severity), inc.SessionID, inc.TenantID, inc.Detail, inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

func (l *PostgresLog) ListIncidents(ctx context.Context, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, type, severity, session_id, tenant_id, detail, created_at
		FROM tt_incidents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		var inc models.Incident
		if err := rows.Scan(&inc.ID, &inc.Type, &inc.Severity, &inc.SessionID, &inc.TenantID, &inc.Detail, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}

func buildEntryQuery(base string, f models.AuditFilter, ordered bool) (string, []interface{}) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SessionID != "" {
		conds = append(conds, "session_id = "+arg(f.SessionID))
	}
	if f.Persona != "" {
		conds = append(conds, "persona = "+arg(string(f.Persona)))
	}
	if f.VenueID != "" {
		conds = append(conds, "venue_id = "+arg(f.VenueID))
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= "+arg(*f.Until))
	}

	query := base
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if ordered {
		query += " ORDER BY created_at ASC"
		if f.Limit > 0 {
			query += " LIMIT " + arg(f.Limit)
		}
		if f.Offset > 0 {
			query += " OFFSET " + arg(f.Offset)
		}
	}
	return query, args
}

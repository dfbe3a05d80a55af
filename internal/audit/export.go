package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Redacted replaces sensitive parameter values in exported entries.
const Redacted = "[REDACTED]"

// sensitiveParams never leave the system in clear text, even for admins.
var sensitiveParams = map[string]bool{
	"confirmation_token": true,
	"payment_token":      true,
	"card_number":        true,
	"cvv":                true,
	"password":           true,
	"api_key":            true,
}

// ExportOptions shape an audit export request.
type ExportOptions struct {
	Format ExportFormat
	Filter models.AuditFilter

	// RedactInputs strips sensitive parameter values. Callers must opt out
	// explicitly; handlers default it to true.
	RedactInputs bool

	// MaxRecords caps the export regardless of the filter's limit.
	MaxRecords int
}

// Exporter streams filtered audit entries as JSON or CSV.
type Exporter struct {
	log Log
}

func NewExporter(l Log) *Exporter {
	return &Exporter{log: l}
}

// Export writes matching entries to w. Returns the number of records written.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions) (int, error) {
	switch opts.Format {
	case FormatJSON, FormatCSV:
	case "":
		opts.Format = FormatJSON
	default:
		return 0, fmt.Errorf("unsupported export format %q", opts.Format)
	}

	filter := opts.Filter
	if opts.MaxRecords > 0 && (filter.Limit == 0 || filter.Limit > opts.MaxRecords) {
		filter.Limit = opts.MaxRecords
	}

	entries, err := e.log.ListEntries(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list audit entries: %w", err)
	}

	if opts.RedactInputs {
		for i := range entries {
			entries[i].Params = redactParams(entries[i].Params)
		}
	}

	if opts.Format == FormatCSV {
		return len(entries), writeCSV(w, entries)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("encode audit export: %w", err)
	}
	return len(entries), nil
}

func redactParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if sensitiveParams[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

func writeCSV(w io.Writer, entries []models.AuditEntry) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "trace_id", "session_id", "persona", "tenant_id", "venue_id", "tool", "decision", "code", "params", "duration_ms", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range entries {
		params := ""
		if len(entry.Params) > 0 {
			b, err := json.Marshal(entry.Params)
			if err != nil {
				return fmt.Errorf("encode params for %s: %w", entry.ID, err)
			}
			params = string(b)
		}
		row := []string{
			entry.ID,
			entry.TraceID,
			entry.SessionID,
			string(entry.Persona),
			entry.TenantID,
			entry.VenueID,
			entry.Tool,
			string(entry.Decision),
			string(entry.Code),
			params,
			strconv.FormatInt(entry.DurationMs, 10),
			entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

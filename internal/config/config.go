package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the TableTalk control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Policy    PolicyConfig
	Auth      AuthConfig
	Retention RetentionConfig
	Notify    NotifyConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// Addr is empty when Redis is not configured; the in-memory store is
	// used instead (local dev, tests).
	Addr     string
	Password string
	DB       int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader string
}

// RetentionConfig controls the audit retention janitor. A zero AuditRetention
// disables pruning entirely.
type RetentionConfig struct {
	AuditRetention time.Duration
	Interval       time.Duration
}

// NotifyConfig configures outbound incident notifications. An empty
// WebhookURL disables them.
type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// PolicyConfig carries the engine's tunable defaults. The numbers are
// illustrative defaults, not invariants: deployments override them per
// environment.
type PolicyConfig struct {
	// QuoteTTL is how long an issued quote stays usable.
	QuoteTTL time.Duration

	// SessionTTL is the inactivity window after which a session expires.
	SessionTTL time.Duration

	// IdempotencyRetention is how long committed idempotency records replay
	// as CONFLICT.
	IdempotencyRetention time.Duration

	// ReservationTTL bounds how long an uncommitted idempotency reservation
	// blocks retries before reverting to fresh.
	ReservationTTL time.Duration

	// ProposalTTL is how long a pending proposal waits for confirmation.
	ProposalTTL time.Duration

	// WindowMaxRequests / Window define the default sliding-window limit
	// applied to action classes without an explicit rule.
	WindowMaxRequests int
	Window            time.Duration

	// ServiceCallCooldown is the flat cooldown applied after a successful
	// service-call action.
	ServiceCallCooldown time.Duration

	// IncidentDenialThreshold raises an incident after this many
	// FORBIDDEN/TENANT_MISMATCH denials per session within IncidentWindow.
	IncidentDenialThreshold int

	// IncidentProbeThreshold raises an incident after this many distinct
	// resource IDs probed per session within IncidentWindow.
	IncidentProbeThreshold int

	IncidentWindow time.Duration

	// ToolTimeout bounds every tool execution; on timeout the request fails
	// closed as INTERNAL.
	ToolTimeout time.Duration

	// StorageRetries bounds backoff retries against transient storage
	// failures before failing closed.
	StorageRetries int

	// ResearchAllowlist is the exact-match URL allowlist for the research
	// persona, comma separated.
	ResearchAllowlist []string

	// AuditExportMaxRecords caps a single audit export.
	AuditExportMaxRecords int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TABLETALK_PORT", 8080),
		Version: envStr("TABLETALK_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tabletalk-control-plane"),
		},
		Policy: PolicyConfig{
			QuoteTTL:                envDur("TABLETALK_QUOTE_TTL", 60*time.Second),
			SessionTTL:              envDur("TABLETALK_SESSION_TTL", 30*time.Minute),
			IdempotencyRetention:    envDur("TABLETALK_IDEMPOTENCY_RETENTION", 24*time.Hour),
			ReservationTTL:          envDur("TABLETALK_RESERVATION_TTL", 30*time.Second),
			ProposalTTL:             envDur("TABLETALK_PROPOSAL_TTL", 10*time.Minute),
			WindowMaxRequests:       envInt("TABLETALK_RATE_MAX_REQUESTS", 30),
			Window:                  envDur("TABLETALK_RATE_WINDOW", 60*time.Second),
			ServiceCallCooldown:     envDur("TABLETALK_SERVICE_CALL_COOLDOWN", 30*time.Second),
			IncidentDenialThreshold: envInt("TABLETALK_INCIDENT_DENIALS", 3),
			IncidentProbeThreshold:  envInt("TABLETALK_INCIDENT_PROBES", 30),
			IncidentWindow:          envDur("TABLETALK_INCIDENT_WINDOW", 5*time.Minute),
			ToolTimeout:             envDur("TABLETALK_TOOL_TIMEOUT", 15*time.Second),
			StorageRetries:          envInt("TABLETALK_STORAGE_RETRIES", 3),
			ResearchAllowlist:       envList("TABLETALK_RESEARCH_ALLOWLIST"),
			AuditExportMaxRecords:   envInt("TABLETALK_AUDIT_EXPORT_MAX", 10000),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
		},
		Retention: RetentionConfig{
			AuditRetention: envDur("TABLETALK_AUDIT_RETENTION", 90*24*time.Hour),
			Interval:       envDur("TABLETALK_RETENTION_INTERVAL", time.Hour),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("TABLETALK_INCIDENT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("TABLETALK_INCIDENT_WEBHOOK_SECRET", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

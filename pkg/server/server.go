// Package server provides the public entry point for initializing the
// TableTalk control plane server.
//
// This package exists in pkg/ (not internal/) so that embedding deployments
// can import it and compose the full server with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/api"
	"github.com/tabletalk/tabletalk/control-plane/internal/api/handlers"
	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
	"github.com/tabletalk/tabletalk/control-plane/internal/config"
	"github.com/tabletalk/tabletalk/control-plane/internal/confirm"
	"github.com/tabletalk/tabletalk/control-plane/internal/engine"
	"github.com/tabletalk/tabletalk/control-plane/internal/idempotency"
	"github.com/tabletalk/tabletalk/control-plane/internal/notify"
	"github.com/tabletalk/tabletalk/control-plane/internal/policy"
	"github.com/tabletalk/tabletalk/control-plane/internal/quotes"
	"github.com/tabletalk/tabletalk/control-plane/internal/ratelimit"
	"github.com/tabletalk/tabletalk/control-plane/internal/research"
	"github.com/tabletalk/tabletalk/control-plane/internal/retention"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/internal/telemetry"
	"github.com/tabletalk/tabletalk/control-plane/internal/tenant"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Server holds the initialized TableTalk control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Engine is the decision pipeline. Exposed so embedders can register
	// their own tool handlers on the dispatcher.
	Engine *engine.Engine

	// Dispatcher is the built-in tool executor.
	Dispatcher *engine.Dispatcher

	// Store is the state store (Redis-backed when configured, in-memory
	// otherwise).
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and close the audit log.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// State store: Redis when configured, in-memory otherwise.
	var stateStore store.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := store.NewRedisStore(client)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stateStore = rs
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis store initialized")
	} else {
		stateStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	// Audit log: PostgreSQL when configured, in-memory otherwise.
	var auditLog audit.Log
	if cfg.Database.URL != "" {
		pg, err := audit.NewPostgresLog(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres audit log: %w", err)
		}
		auditLog = pg
		log.Info().Msg("postgres audit log initialized")
	} else {
		auditLog = audit.NewMemoryLog()
		log.Info().Msg("in-memory audit log initialized")
	}

	pol := cfg.Policy

	binder := tenant.NewBinder(stateStore, pol.SessionTTL)
	gate := confirm.NewGate(stateStore, pol.ProposalTTL)
	ledger := quotes.NewLedger(stateStore, pol.QuoteTTL)
	catalog := policy.DefaultCatalog()
	authorizer := policy.NewAuthorizer(catalog, gate, ledger)

	limiter := ratelimit.NewLimiter(stateStore, models.RateLimitRule{
		ActionClass: "default",
		MaxRequests: pol.WindowMaxRequests,
		Window:      pol.Window,
	})
	if err := limiter.SetRule(models.RateLimitRule{
		ActionClass:     policy.ClassServiceCall,
		MaxRequests:     pol.WindowMaxRequests,
		Window:          pol.Window,
		CooldownSeconds: int(pol.ServiceCallCooldown.Seconds()),
	}); err != nil {
		return nil, fmt.Errorf("configure service call limit: %w", err)
	}

	fence := research.NewFence(pol.ResearchAllowlist)
	dispatcher := engine.NewDispatcher(ledger, research.NewHTTPFetcher(fence))

	escalator := audit.NewEscalator(stateStore, auditLog, pol.IncidentDenialThreshold, pol.IncidentProbeThreshold, pol.IncidentWindow)
	if cfg.Notify.WebhookURL != "" {
		escalator.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
		log.Info().Str("url", cfg.Notify.WebhookURL).Msg("incident webhook configured")
	}

	eng := engine.New(engine.Options{
		Binder:         binder,
		Limiter:        limiter,
		Authorizer:     authorizer,
		Idempotency:    idempotency.New(stateStore, pol.ReservationTTL, pol.IdempotencyRetention),
		Fence:          fence,
		Executor:       dispatcher,
		Recorder:       audit.NewRecorder(auditLog),
		Escalator:      escalator,
		Confirmations:  gate,
		ToolTimeout:    pol.ToolTimeout,
		StorageRetries: pol.StorageRetries,
	})

	h := handlers.New(eng, gate, catalog, fence, auditLog, pol.AuditExportMaxRecords)
	router := api.NewRouter(cfg, h)

	go retention.NewJanitor(auditLog, cfg.Retention.AuditRetention, cfg.Retention.Interval).Start(ctx)

	shutdown := func(ctx context.Context) error {
		if err := auditLog.Close(); err != nil {
			log.Warn().Err(err).Msg("audit log close failed")
		}
		if err := stateStore.Close(); err != nil {
			log.Warn().Err(err).Msg("state store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Engine:       eng,
		Dispatcher:   dispatcher,
		Store:        stateStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Package engine is the action pipeline: every inbound tool call passes
// through tenant binding, rate limiting, policy authorization, idempotency
// reservation, bounded execution, and audit recording, in that order. Any
// internal failure along the way denies the request; the engine never
// guesses in favor of allowing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
	"github.com/tabletalk/tabletalk/control-plane/internal/idempotency"
	"github.com/tabletalk/tabletalk/control-plane/internal/policy"
	"github.com/tabletalk/tabletalk/control-plane/internal/ratelimit"
	"github.com/tabletalk/tabletalk/control-plane/internal/research"
	"github.com/tabletalk/tabletalk/control-plane/internal/tenant"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Executor runs an authorized tool call and returns its result payload.
// Implementations must honor ctx cancellation; the engine bounds every call
// with the configured tool timeout.
type Executor interface {
	Execute(ctx context.Context, session *models.Session, desc models.ToolDescriptor, params map[string]interface{}) (map[string]interface{}, error)
}

// CartSource is implemented by executors that hold the session's cart
// server-side. Quote freshness is always checked against this snapshot, never
// against a cart the caller carries in params.
type CartSource interface {
	CartSnapshot(sessionID string) interface{}
}

// ConfirmationConsumer marks a confirmed proposal as used once its action has
// executed. One affirmation covers exactly one execution.
type ConfirmationConsumer interface {
	Consume(ctx context.Context, sessionID, tool, paramsHash string) error
}

// NotFoundError is returned by executors when a referenced resource does
// not exist. The engine maps it to a NOT_FOUND decision and counts the
// lookup toward enumeration detection.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Engine composes the control-plane modules into one decision pipeline.
type Engine struct {
	binder     *tenant.Binder
	limiter    *ratelimit.Limiter
	authorizer *policy.Authorizer
	idem       *idempotency.Store
	fence      *research.Fence
	executor   Executor
	recorder   *audit.Recorder
	escalator  *audit.Escalator
	confirms   ConfirmationConsumer

	toolTimeout    time.Duration
	storageRetries int

	// Now is the clock. Override in tests.
	Now func() time.Time
}

// Options carries the engine's collaborators and tuning.
type Options struct {
	Binder         *tenant.Binder
	Limiter        *ratelimit.Limiter
	Authorizer     *policy.Authorizer
	Idempotency    *idempotency.Store
	Fence          *research.Fence
	Executor       Executor
	Recorder       *audit.Recorder
	Escalator      *audit.Escalator
	Confirmations  ConfirmationConsumer
	ToolTimeout    time.Duration
	StorageRetries int
}

func New(opts Options) *Engine {
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 15 * time.Second
	}
	return &Engine{
		binder:         opts.Binder,
		limiter:        opts.Limiter,
		authorizer:     opts.Authorizer,
		idem:           opts.Idempotency,
		fence:          opts.Fence,
		executor:       opts.Executor,
		recorder:       opts.Recorder,
		escalator:      opts.Escalator,
		confirms:       opts.Confirmations,
		toolTimeout:    opts.ToolTimeout,
		storageRetries: opts.StorageRetries,
		Now:            time.Now,
	}
}

// Limiter exposes the rate limiter for runtime rule configuration.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

// Sessions exposes the tenant binder for session lookups.
func (e *Engine) Sessions() *tenant.Binder { return e.binder }

// Handle runs one action request through the full pipeline and returns the
// decision. It never returns an error: internal failures become INTERNAL
// denials so callers cannot accidentally treat them as permission.
func (e *Engine) Handle(ctx context.Context, req *models.ActionRequest) *models.Decision {
	started := e.Now()

	if req.Tool == "" {
		d := denyOn(models.CodeValidationError, "tool is required")
		e.recorder.Record(ctx, nil, req, d, started)
		return d
	}

	session, err := e.binder.Resolve(ctx, req)
	if err != nil {
		d := e.bindFailure(err)
		e.recorder.Record(ctx, nil, req, d, started)
		return d
	}

	decision := e.decide(ctx, session, req, started)
	e.recorder.Record(ctx, session, req, decision, started)
	e.escalate(ctx, session, req, decision)
	return decision
}

func (e *Engine) bindFailure(err error) *models.Decision {
	switch {
	case errors.Is(err, tenant.ErrTenantMismatch):
		return denyOn(models.CodeTenantMismatch, err.Error())
	case errors.Is(err, tenant.ErrPersonaMismatch):
		return denyOn(models.CodeValidationError, err.Error())
	default:
		return denyOn(models.CodeValidationError, err.Error())
	}
}

func (e *Engine) decide(ctx context.Context, session *models.Session, req *models.ActionRequest, now time.Time) *models.Decision {
	desc, known := e.authorizer.Catalog().Lookup(req.Tool)

	// Rate limit before policy evaluation so a denied persona cannot burn
	// probe traffic for free. Unknown tools skip straight to the policy
	// check, which denies them.
	if known {
		verdict, err := e.limiter.Check(ctx, session.ID, desc.ActionClass, now)
		if err != nil {
			return e.internal(err, "rate limit check")
		}
		if !verdict.Allowed {
			reason := "rate limit exceeded for class " + desc.ActionClass
			if verdict.CooldownRemaining > 0 {
				reason = fmt.Sprintf("class %s cooling down for another %s", desc.ActionClass, verdict.CooldownRemaining.Round(time.Second))
			}
			return denyOn(models.CodeRateLimited, reason)
		}
	}

	// Idempotency runs before authorization so a replayed token returns
	// the committed result instead of re-walking the confirmation flow.
	reserved := false
	if known && desc.Mutates && req.ConfirmationToken != "" {
		outcome, rec, err := e.idem.CheckOrReserve(ctx, session.ID, req.ConfirmationToken)
		if err != nil {
			return e.internal(err, "idempotency reserve")
		}
		switch outcome {
		case idempotency.OutcomeDuplicate:
			return &models.Decision{
				Kind:   models.DecisionDeny,
				Code:   models.CodeConflict,
				Reason: "confirmation token already used; returning the original result",
				Result: rec.Result,
			}
		case idempotency.OutcomeInProgress:
			return denyOn(models.CodeConflict, "an execution for this confirmation token is still in progress")
		}
		reserved = true
	}
	// A reservation taken for a request that ends up denied must not block
	// the token's next attempt.
	release := func() {
		if !reserved {
			return
		}
		if err := e.withRetry(ctx, func() error {
			return e.idem.Release(ctx, session.ID, req.ConfirmationToken)
		}); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("reservation release failed")
		}
	}

	// The server-side cart is authoritative for quote freshness. A caller
	// echoing the originally quoted cart must not mask changes made to the
	// real cart since the quote was issued.
	if known && desc.RequiresFreshQuote {
		if src, ok := e.executor.(CartSource); ok {
			if req.Params == nil {
				req.Params = make(map[string]interface{})
			}
			req.Params["cart"] = src.CartSnapshot(session.ID)
		}
	}

	decision, err := e.authorizer.Authorize(ctx, session, req, now)
	if err != nil {
		release()
		return e.internal(err, "authorize")
	}
	if !decision.Allowed() {
		release()
		return &decision
	}

	if req.Tool == research.ToolFetch {
		return e.executeFetch(ctx, session, desc, req)
	}

	result, err := e.execute(ctx, session, desc, req.Params)
	if err != nil {
		release()
		return e.execFailure(err)
	}

	// The affirmation is spent the moment its action runs. Left unconsumed,
	// the same "yes" would cover a second identical submission inside the
	// proposal TTL.
	if known && desc.RequiresConfirmation && e.confirms != nil {
		if err := e.withRetry(ctx, func() error {
			return e.confirms.Consume(ctx, session.ID, req.Tool, policy.HashParams(req.Tool, req.Params))
		}); err != nil {
			// The mutation happened but the confirmation is still live;
			// surface INTERNAL rather than pretending the action needs no
			// new affirmation to repeat.
			return e.internal(err, "confirmation consume")
		}
	}

	if reserved {
		if err := e.withRetry(ctx, func() error {
			return e.idem.Commit(ctx, session.ID, req.ConfirmationToken, result)
		}); err != nil {
			// The mutation happened but the commit did not stick; a retry
			// of the same token may execute again. Surface INTERNAL rather
			// than pretending the action is safely replayable.
			return e.internal(err, "idempotency commit")
		}
	}

	if err := e.limiter.RecordSuccess(ctx, session.ID, desc.ActionClass, now); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("cooldown stamp failed")
	}
	return allow(result)
}

// executeFetch gates research fetches through the URL allowlist and wraps
// whatever comes back as inert quoted content before anyone downstream
// sees it.
func (e *Engine) executeFetch(ctx context.Context, session *models.Session, desc models.ToolDescriptor, req *models.ActionRequest) *models.Decision {
	rawURL, _ := req.Params["url"].(string)
	if rawURL == "" {
		return denyOn(models.CodeValidationError, "url parameter is required")
	}
	if !e.fence.IsAllowedURL(rawURL) {
		e.escalator.NoteFetchDenied(ctx, session, rawURL)
		return denyOn(models.CodeForbidden, fmt.Sprintf("url %q is not on the research allowlist", rawURL))
	}

	result, err := e.execute(ctx, session, desc, req.Params)
	if err != nil {
		return e.execFailure(err)
	}

	raw, _ := result["content"].(string)
	safe := research.SanitizeFetchedContent(rawURL, raw)
	if safe.Flagged {
		e.escalator.NoteInjection(ctx, session, rawURL)
	}
	return allow(map[string]interface{}{"safe_content": safe})
}

func (e *Engine) execute(ctx context.Context, session *models.Session, desc models.ToolDescriptor, params map[string]interface{}) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()
	return e.executor.Execute(ctx, session, desc, params)
}

func (e *Engine) execFailure(err error) *models.Decision {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return denyOn(models.CodeNotFound, nf.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return denyOn(models.CodeInternal, "tool execution timed out")
	}
	return e.internal(err, "tool execution")
}

func (e *Engine) internal(err error, stage string) *models.Decision {
	log.Error().Err(err).Str("stage", stage).Msg("pipeline failure, denying")
	return denyOn(models.CodeInternal, "internal error")
}

// withRetry runs op with bounded exponential backoff for transient storage
// failures.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.storageRetries)), ctx)
	return backoff.Retry(op, bo)
}

func (e *Engine) escalate(ctx context.Context, session *models.Session, req *models.ActionRequest, d *models.Decision) {
	switch d.Code {
	case models.CodeForbidden, models.CodeTenantMismatch:
		e.escalator.NoteDenial(ctx, session, d.Code, req.Tool)
	case models.CodeNotFound:
		e.escalator.NoteProbe(ctx, session, probedID(req))
	case models.CodeRateLimited:
		if desc, ok := e.authorizer.Catalog().Lookup(req.Tool); ok {
			e.escalator.NoteRateLimited(ctx, session, desc.ActionClass)
		}
	}
}

// probedID picks the identifier a NOT_FOUND most likely refers to, falling
// back to the tool name for unknown tools.
func probedID(req *models.ActionRequest) string {
	for _, key := range []string{"order_id", "resource_id", "id"} {
		if v, ok := req.Params[key].(string); ok && v != "" {
			return v
		}
	}
	return req.Tool
}

func denyOn(code models.DecisionCode, reason string) *models.Decision {
	return &models.Decision{Kind: models.DecisionDeny, Code: code, Reason: reason}
}

func allow(result map[string]interface{}) *models.Decision {
	return &models.Decision{Kind: models.DecisionAllow, Result: result}
}

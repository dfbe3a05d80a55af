// Package ratelimit implements per-(subject, action-class) request limiting:
// a windowed counter over the configured window, plus an optional flat
// cooldown stamped after a successful call for classes like service calls.
// The cooldown is checked before the windowed count.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Limiter checks and configures rate limits. Rules are per action class;
// classes without an explicit rule fall back to the default window.
type Limiter struct {
	store store.RateLimitStore

	mu          sync.RWMutex
	rules       map[string]models.RateLimitRule
	defaultRule models.RateLimitRule
}

// NewLimiter creates a limiter with the given default rule.
func NewLimiter(s store.RateLimitStore, defaultRule models.RateLimitRule) *Limiter {
	return &Limiter{
		store:       s,
		rules:       make(map[string]models.RateLimitRule),
		defaultRule: defaultRule,
	}
}

// SetRule installs or replaces the rule for one action class.
func (l *Limiter) SetRule(rule models.RateLimitRule) error {
	if rule.ActionClass == "" {
		return fmt.Errorf("rate limit rule: action class required")
	}
	if rule.MaxRequests <= 0 || rule.Window <= 0 {
		return fmt.Errorf("rate limit rule for %q: max requests and window must be positive", rule.ActionClass)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[rule.ActionClass] = rule
	return nil
}

// Rule returns the effective rule for an action class.
func (l *Limiter) Rule(actionClass string) models.RateLimitRule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if r, ok := l.rules[actionClass]; ok {
		return r
	}
	r := l.defaultRule
	r.ActionClass = actionClass
	return r
}

// Rules lists every explicitly configured rule.
func (l *Limiter) Rules() []models.RateLimitRule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.RateLimitRule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	return out
}

// Check consumes one request slot for (subject, actionClass). The cooldown,
// when active, blocks before the windowed count is even consulted.
func (l *Limiter) Check(ctx context.Context, subject, actionClass string, now time.Time) (models.RateLimitVerdict, error) {
	rule := l.Rule(actionClass)
	bucketKey := subject + ":" + actionClass

	if rule.CooldownSeconds > 0 {
		until, err := l.store.GetCooldown(ctx, bucketKey)
		if err != nil {
			return models.RateLimitVerdict{}, fmt.Errorf("get cooldown: %w", err)
		}
		if !until.IsZero() && now.Before(until) {
			return models.RateLimitVerdict{Allowed: false, CooldownRemaining: until.Sub(now)}, nil
		}
	}

	count, err := l.store.IncrementWindow(ctx, bucketKey, rule.Window)
	if err != nil {
		return models.RateLimitVerdict{}, fmt.Errorf("increment window: %w", err)
	}
	if count > int64(rule.MaxRequests) {
		return models.RateLimitVerdict{Allowed: false}, nil
	}
	return models.RateLimitVerdict{Allowed: true}, nil
}

// RecordSuccess stamps the post-success cooldown for classes that carry one.
// Only successful calls start a cooldown; denied or failed attempts do not.
func (l *Limiter) RecordSuccess(ctx context.Context, subject, actionClass string, now time.Time) error {
	rule := l.Rule(actionClass)
	if rule.CooldownSeconds <= 0 {
		return nil
	}
	bucketKey := subject + ":" + actionClass
	until := now.Add(time.Duration(rule.CooldownSeconds) * time.Second)
	if err := l.store.SetCooldown(ctx, bucketKey, until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

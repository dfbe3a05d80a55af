// Package store — in-memory Store implementation.
// Used as a fallback when Redis is not available (local dev, tests).
package store

import (
	"context"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

type sessionEntry struct {
	session   *models.Session
	expiresAt time.Time
}

type quoteEntry struct {
	quote *models.Quote
}

type idemEntry struct {
	record    *models.IdempotencyRecord
	expiresAt time.Time
}

type windowEntry struct {
	windowStart time.Time
	count       int64
}

type proposalEntry struct {
	proposal  *models.Proposal
	expiresAt time.Time
	seq       uint64
}

type probeEntry struct {
	windowStart time.Time
	seen        map[string]struct{}
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*sessionEntry
	quotes    map[string]*quoteEntry
	idem      map[string]*idemEntry
	windows   map[string]*windowEntry
	cooldowns map[string]time.Time
	proposals map[string]*proposalEntry
	// proposalSeq orders proposals by creation so lookups by action
	// resolve to the newest one even when timestamps tie.
	proposalSeq uint64
	denials     map[string]*windowEntry
	probes      map[string]*probeEntry

	doneCh chan struct{}

	// Now is the clock used for expiry checks. Tests override it to
	// simulate the passage of time.
	Now func() time.Time
}

// NewMemoryStore creates a new in-memory store and starts its background
// eviction loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		sessions:  make(map[string]*sessionEntry),
		quotes:    make(map[string]*quoteEntry),
		idem:      make(map[string]*idemEntry),
		windows:   make(map[string]*windowEntry),
		cooldowns: make(map[string]time.Time),
		proposals: make(map[string]*proposalEntry),
		denials:   make(map[string]*windowEntry),
		probes:    make(map[string]*probeEntry),
		doneCh:    make(chan struct{}),
		Now:       time.Now,
	}
	go m.evictionLoop()
	return m
}

// evictionLoop periodically drops expired entries so maps don't grow
// without bound.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.sessions {
		if now.After(e.expiresAt) {
			delete(m.sessions, id)
		}
	}
	for id, e := range m.quotes {
		if now.After(e.quote.ExpiresAt()) {
			delete(m.quotes, id)
		}
	}
	for key, e := range m.idem {
		if now.After(e.expiresAt) {
			delete(m.idem, key)
		}
	}
	for id, e := range m.proposals {
		if now.After(e.expiresAt) {
			delete(m.proposals, id)
		}
	}
	for key, until := range m.cooldowns {
		if now.After(until) {
			delete(m.cooldowns, key)
		}
	}
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the eviction loop.
func (m *MemoryStore) Close() error {
	close(m.doneCh)
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || m.Now().After(e.expiresAt) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *e.session
	return &cp, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[session.ID] = &sessionEntry{session: &cp, expiresAt: m.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	e.session.LastSeenAt = m.Now()
	e.expiresAt = m.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	return nil
}

// ── Quotes ──────────────────────────────────────────────────

func (m *MemoryStore) CreateQuote(_ context.Context, quote *models.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *quote
	m.quotes[quote.ID] = &quoteEntry{quote: &cp}
	return nil
}

func (m *MemoryStore) GetQuote(_ context.Context, id string) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.quotes[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "quote", Key: id}
	}
	cp := *e.quote
	return &cp, nil
}

// ── Idempotency ─────────────────────────────────────────────

func (m *MemoryStore) Reserve(_ context.Context, key string, reservationTTL time.Duration) (ReserveOutcome, *models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if e, ok := m.idem[key]; ok && now.Before(e.expiresAt) {
		switch e.record.State {
		case models.IdempotencyCommitted:
			cp := *e.record
			return ReserveDuplicate, &cp, nil
		case models.IdempotencyInProgress:
			cp := *e.record
			return ReserveInProgress, &cp, nil
		}
	}

	rec := &models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyInProgress,
		CreatedAt: now,
	}
	m.idem[key] = &idemEntry{record: rec, expiresAt: now.Add(reservationTTL)}
	cp := *rec
	return ReserveFresh, &cp, nil
}

func (m *MemoryStore) Commit(_ context.Context, key string, result map[string]interface{}, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.idem[key]
	if !ok {
		return &ErrNotFound{Entity: "idempotency record", Key: key}
	}
	e.record.State = models.IdempotencyCommitted
	e.record.Result = result
	e.expiresAt = m.Now().Add(retention)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.idem[key]; ok && e.record.State == models.IdempotencyInProgress {
		delete(m.idem, key)
	}
	return nil
}

// ── Rate limiting ───────────────────────────────────────────

func (m *MemoryStore) IncrementWindow(_ context.Context, bucketKey string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	e, ok := m.windows[bucketKey]
	if !ok || now.Sub(e.windowStart) >= window {
		e = &windowEntry{windowStart: now}
		m.windows[bucketKey] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryStore) GetCooldown(_ context.Context, bucketKey string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.cooldowns[bucketKey]
	if !ok || m.Now().After(until) {
		return time.Time{}, nil
	}
	return until, nil
}

func (m *MemoryStore) SetCooldown(_ context.Context, bucketKey string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cooldowns[bucketKey] = until
	return nil
}

// ── Proposals ───────────────────────────────────────────────

func (m *MemoryStore) CreateProposal(_ context.Context, proposal *models.Proposal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *proposal
	m.proposalSeq++
	m.proposals[proposal.ID] = &proposalEntry{proposal: &cp, expiresAt: m.Now().Add(ttl), seq: m.proposalSeq}
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.proposals[id]
	if !ok || m.Now().After(e.expiresAt) {
		return nil, &ErrNotFound{Entity: "proposal", Key: id}
	}
	cp := *e.proposal
	return &cp, nil
}

func (m *MemoryStore) UpdateProposal(_ context.Context, proposal *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.proposals[proposal.ID]
	if !ok {
		return &ErrNotFound{Entity: "proposal", Key: proposal.ID}
	}
	cp := *proposal
	e.proposal = &cp
	return nil
}

func (m *MemoryStore) FindProposalByAction(_ context.Context, sessionID, tool, paramsHash string) (*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var best *proposalEntry
	for _, e := range m.proposals {
		p := e.proposal
		if now.After(e.expiresAt) {
			continue
		}
		if p.SessionID != sessionID || p.Tool != tool || p.ParamsHash != paramsHash {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "proposal", Key: sessionID + ":" + tool}
	}
	cp := *best.proposal
	return &cp, nil
}

// ── Violation tracking ──────────────────────────────────────

func (m *MemoryStore) IncrementViolations(_ context.Context, sessionID, kind string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionID + ":" + kind
	now := m.Now()
	e, ok := m.denials[key]
	if !ok || now.Sub(e.windowStart) >= window {
		e = &windowEntry{windowStart: now}
		m.denials[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryStore) AddProbe(_ context.Context, sessionID, resourceID string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	e, ok := m.probes[sessionID]
	if !ok || now.Sub(e.windowStart) >= window {
		e = &probeEntry{windowStart: now, seen: make(map[string]struct{})}
		m.probes[sessionID] = e
	}
	e.seen[resourceID] = struct{}{}
	return int64(len(e.seen)), nil
}

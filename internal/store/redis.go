// Package store — Redis-backed Store implementation.
// Required for correctness once more than one engine instance exists:
// reservations use SET NX and counters use INCR so the at-most-once and
// rate-limit invariants hold across processes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

const (
	sessionKeyPrefix  = "session:"
	quoteKeyPrefix    = "quote:"
	idemKeyPrefix     = "idem:"
	windowKeyPrefix   = "rl:window:"
	cooldownKeyPrefix = "rl:cooldown:"
	proposalKeyPrefix = "proposal:"
	denialKeyPrefix   = "violations:denials:"
	probeKeyPrefix    = "violations:probes:"
)

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ── Sessions ────────────────────────────────────────────────

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.getJSON(ctx, sessionKeyPrefix+id, "session", id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *RedisStore) CreateSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	return s.setJSON(ctx, sessionKeyPrefix+session.ID, session, ttl)
}

func (s *RedisStore) TouchSession(ctx context.Context, id string, ttl time.Duration) error {
	key := sessionKeyPrefix + id

	// WATCH/MULTI so a concurrent session write is not clobbered.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return &ErrNotFound{Entity: "session", Key: id}
		}
		if err != nil {
			return err
		}

		var session models.Session
		if err := json.Unmarshal([]byte(val), &session); err != nil {
			return err
		}
		session.LastSeenAt = time.Now().UTC()

		newVal, err := json.Marshal(&session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, sessionKeyPrefix+id).Err()
}

// ── Quotes ──────────────────────────────────────────────────

func (s *RedisStore) CreateQuote(ctx context.Context, quote *models.Quote) error {
	// Keep the key for twice the TTL so a stale quote is still found and
	// reported STALE rather than NOT_FOUND.
	ttl := 2 * time.Duration(quote.TTLSeconds) * time.Second
	return s.setJSON(ctx, quoteKeyPrefix+quote.ID, quote, ttl)
}

func (s *RedisStore) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	var quote models.Quote
	if err := s.getJSON(ctx, quoteKeyPrefix+id, "quote", id, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// ── Idempotency ─────────────────────────────────────────────

func (s *RedisStore) Reserve(ctx context.Context, key string, reservationTTL time.Duration) (ReserveOutcome, *models.IdempotencyRecord, error) {
	rkey := idemKeyPrefix + key
	rec := &models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyInProgress,
		CreatedAt: time.Now().UTC(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return "", nil, err
	}

	// SET NX is the compare-and-set: exactly one concurrent caller wins.
	ok, err := s.client.SetNX(ctx, rkey, val, reservationTTL).Result()
	if err != nil {
		return "", nil, err
	}
	if ok {
		return ReserveFresh, rec, nil
	}

	existing, err := s.client.Get(ctx, rkey).Result()
	if err == redis.Nil {
		// Reservation expired between SETNX and GET; treat as in-progress
		// and let the caller retry.
		return ReserveInProgress, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	var stored models.IdempotencyRecord
	if err := json.Unmarshal([]byte(existing), &stored); err != nil {
		return "", nil, err
	}
	if stored.State == models.IdempotencyCommitted {
		return ReserveDuplicate, &stored, nil
	}
	return ReserveInProgress, &stored, nil
}

func (s *RedisStore) Commit(ctx context.Context, key string, result map[string]interface{}, retention time.Duration) error {
	rkey := idemKeyPrefix + key
	rec := models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyCommitted,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
	val, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	// XX: only commit an existing reservation. A missing key means the
	// reservation already expired; committing anyway would resurrect it.
	ok, err := s.client.SetXX(ctx, rkey, val, retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("idempotency reservation %s expired before commit", key)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	rkey := idemKeyPrefix + key

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, rkey).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var stored models.IdempotencyRecord
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return err
		}
		if stored.State != models.IdempotencyInProgress {
			// Never release a committed result.
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rkey)
			return nil
		})
		return err
	}, rkey)
}

// ── Rate limiting ───────────────────────────────────────────

func (s *RedisStore) IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, error) {
	return s.incrWindowed(ctx, windowKeyPrefix+bucketKey, window)
}

func (s *RedisStore) incrWindowed(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX: only set the expiry when the key is new, so the window is not
	// extended by later increments.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) GetCooldown(ctx context.Context, bucketKey string) (time.Time, error) {
	val, err := s.client.Get(ctx, cooldownKeyPrefix+bucketKey).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var until time.Time
	if err := until.UnmarshalText([]byte(val)); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (s *RedisStore) SetCooldown(ctx context.Context, bucketKey string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	text, err := until.MarshalText()
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cooldownKeyPrefix+bucketKey, text, ttl).Err()
}

// ── Proposals ───────────────────────────────────────────────

func (s *RedisStore) CreateProposal(ctx context.Context, proposal *models.Proposal, ttl time.Duration) error {
	if err := s.setJSON(ctx, proposalKeyPrefix+proposal.ID, proposal, ttl); err != nil {
		return err
	}
	// Content-keyed index so confirmations resolve by action, not just ID.
	return s.client.Set(ctx, actionIndexKey(proposal.SessionID, proposal.Tool, proposal.ParamsHash), proposal.ID, ttl).Err()
}

func (s *RedisStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	var proposal models.Proposal
	if err := s.getJSON(ctx, proposalKeyPrefix+id, "proposal", id, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (s *RedisStore) UpdateProposal(ctx context.Context, proposal *models.Proposal) error {
	key := proposalKeyPrefix + proposal.ID

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			return &ErrNotFound{Entity: "proposal", Key: proposal.ID}
		}
		val, err := json.Marshal(proposal)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) FindProposalByAction(ctx context.Context, sessionID, tool, paramsHash string) (*models.Proposal, error) {
	id, err := s.client.Get(ctx, actionIndexKey(sessionID, tool, paramsHash)).Result()
	if err == redis.Nil {
		return nil, &ErrNotFound{Entity: "proposal", Key: sessionID + ":" + tool}
	}
	if err != nil {
		return nil, err
	}
	return s.GetProposal(ctx, id)
}

func actionIndexKey(sessionID, tool, paramsHash string) string {
	return proposalKeyPrefix + "action:" + sessionID + ":" + tool + ":" + paramsHash
}

// ── Violation tracking ──────────────────────────────────────

func (s *RedisStore) IncrementViolations(ctx context.Context, sessionID, kind string, window time.Duration) (int64, error) {
	return s.incrWindowed(ctx, denialKeyPrefix+sessionID+":"+kind, window)
}

func (s *RedisStore) AddProbe(ctx context.Context, sessionID, resourceID string, window time.Duration) (int64, error) {
	key := probeKeyPrefix + sessionID

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, resourceID)
	pipe.ExpireNX(ctx, key, window)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ── Helpers ─────────────────────────────────────────────────

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, val, ttl).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key, entity, id string, out interface{}) error {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return &ErrNotFound{Entity: entity, Key: id}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), out)
}

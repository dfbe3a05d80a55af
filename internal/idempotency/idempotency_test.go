package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/idempotency"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
)

func newStore(t *testing.T) (*idempotency.Store, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	kv := store.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	kv.Now = func() time.Time { return now }

	return idempotency.New(kv, 30*time.Second, 24*time.Hour), &now
}

func TestKeyBindsSessionAndToken(t *testing.T) {
	base := idempotency.Key("s1", "tok")

	if idempotency.Key("s1", "tok") != base {
		t.Fatal("same inputs produced different keys")
	}
	if idempotency.Key("s2", "tok") == base {
		t.Fatal("different sessions share a key")
	}
	if idempotency.Key("s1", "tok2") == base {
		t.Fatal("different tokens share a key")
	}
	// The separator keeps (session, token) boundaries unambiguous.
	if idempotency.Key("s1x", "tok") == idempotency.Key("s1", "xtok") {
		t.Fatal("key concatenation is ambiguous")
	}
}

func TestCheckOrReserveRequiresToken(t *testing.T) {
	s, _ := newStore(t)

	if _, _, err := s.CheckOrReserve(context.Background(), "s1", ""); err == nil {
		t.Fatal("CheckOrReserve() accepted empty confirmation token")
	}
}

func TestReserveCommitReplay(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	outcome, _, err := s.CheckOrReserve(ctx, "s1", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeFresh {
		t.Fatalf("first reserve outcome = %q, want fresh", outcome)
	}

	// A concurrent attempt while the first holds the reservation.
	outcome, _, err = s.CheckOrReserve(ctx, "s1", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeInProgress {
		t.Fatalf("reserve during execution outcome = %q, want in_progress", outcome)
	}

	result := map[string]interface{}{"order_id": "o-123"}
	if err := s.Commit(ctx, "s1", "tok", result); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	outcome, rec, err := s.CheckOrReserve(ctx, "s1", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeDuplicate {
		t.Fatalf("replay outcome = %q, want duplicate", outcome)
	}
	if rec == nil || rec.Result["order_id"] != "o-123" {
		t.Fatalf("replay record = %+v, want stored result", rec)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, _, err := s.CheckOrReserve(ctx, "s1", "tok"); err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if err := s.Release(ctx, "s1", "tok"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	outcome, _, err := s.CheckOrReserve(ctx, "s1", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeFresh {
		t.Fatalf("reserve after release outcome = %q, want fresh", outcome)
	}
}

func TestStaleReservationExpires(t *testing.T) {
	s, now := newStore(t)
	ctx := context.Background()

	if _, _, err := s.CheckOrReserve(ctx, "s1", "tok"); err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}

	// A crashed execution never commits; the reservation lapses.
	*now = now.Add(31 * time.Second)

	outcome, _, err := s.CheckOrReserve(ctx, "s1", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeFresh {
		t.Fatalf("reserve after stale reservation outcome = %q, want fresh", outcome)
	}
}

func TestTokensIsolatedBySession(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, _, err := s.CheckOrReserve(ctx, "s1", "tok"); err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if err := s.Commit(ctx, "s1", "tok", map[string]interface{}{"order_id": "o-1"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	outcome, _, err := s.CheckOrReserve(ctx, "s2", "tok")
	if err != nil {
		t.Fatalf("CheckOrReserve() error = %v", err)
	}
	if outcome != idempotency.OutcomeFresh {
		t.Fatalf("other session's reserve outcome = %q, want fresh", outcome)
	}
}

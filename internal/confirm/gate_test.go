package confirm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/confirm"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
)

func newGate(t *testing.T, ttl time.Duration) (*confirm.Gate, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	s.Now = func() time.Time { return now }

	g := confirm.NewGate(s, ttl)
	g.Now = func() time.Time { return now }
	return g, &now
}

func TestProposeThenConfirm(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	ok, err := g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if ok {
		t.Fatal("proposal confirmed before any affirmation")
	}

	if err := g.Confirm(ctx, id, "s1", true); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	ok, err = g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if !ok {
		t.Fatal("proposal not confirmed after explicit affirmation")
	}
}

func TestConfirmRequiresAffirmative(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	// affirmed=false is a decline, not a confirmation.
	if err := g.Confirm(ctx, id, "s1", false); !errors.Is(err, confirm.ErrNotPending) {
		t.Fatalf("Confirm(affirmed=false) error = %v, want ErrNotPending", err)
	}

	ok, err := g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if ok {
		t.Fatal("declined proposal reported as confirmed")
	}

	// The proposal stays pending, so a later explicit yes still works.
	if err := g.Confirm(ctx, id, "s1", true); err != nil {
		t.Fatalf("Confirm() after decline error = %v", err)
	}
}

func TestConfirmFromOtherSessionRejected(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	if err := g.Confirm(ctx, id, "s2", true); !errors.Is(err, confirm.ErrSessionMismatch) {
		t.Fatalf("Confirm() from other session error = %v, want ErrSessionMismatch", err)
	}

	ok, err := g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if ok {
		t.Fatal("cross-session confirmation took effect")
	}
}

func TestConfirmationBoundToExactAction(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := g.Confirm(ctx, id, "s1", true); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	cases := []struct {
		name       string
		sessionID  string
		tool       string
		paramsHash string
	}{
		{"different params", "s1", "order.submit", "hash2"},
		{"different tool", "s1", "order.cancel", "hash1"},
		{"different session", "s2", "order.submit", "hash1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := g.Confirmed(ctx, tc.sessionID, tc.tool, tc.paramsHash)
			if err != nil {
				t.Fatalf("Confirmed() error = %v", err)
			}
			if ok {
				t.Fatal("confirmation for one action unlocked another")
			}
		})
	}
}

func TestProposeIsIdempotentWhilePending(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	first, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	second, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if second != first {
		t.Fatalf("re-propose returned new proposal %s, want existing %s", second, first)
	}
}

func TestConsumeSpendsConfirmation(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := g.Confirm(ctx, id, "s1", true); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	if err := g.Consume(ctx, "s1", "order.submit", "hash1"); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	ok, err := g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if ok {
		t.Fatal("consumed confirmation still reported as confirmed")
	}

	// Repeating the action needs a fresh proposal, not the spent one.
	fresh, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() after consume error = %v", err)
	}
	if fresh == id {
		t.Fatal("spent proposal ID reused")
	}
}

func TestConsumeRequiresConfirmedProposal(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)
	ctx := context.Background()

	if _, err := g.Propose(ctx, "s1", "order.submit", "hash1"); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	if err := g.Consume(ctx, "s1", "order.submit", "hash1"); err == nil {
		t.Fatal("Consume() on a pending proposal succeeded, want error")
	}
}

func TestProposalExpires(t *testing.T) {
	g, now := newGate(t, 2*time.Minute)
	ctx := context.Background()

	id, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	*now = now.Add(2*time.Minute + time.Second)

	var notFound *store.ErrNotFound
	if err := g.Confirm(ctx, id, "s1", true); !errors.As(err, &notFound) {
		t.Fatalf("Confirm() on expired proposal error = %v, want ErrNotFound", err)
	}

	ok, err := g.Confirmed(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Confirmed() error = %v", err)
	}
	if ok {
		t.Fatal("expired proposal reported as confirmed")
	}

	// After expiry a fresh propose mints a new proposal.
	fresh, err := g.Propose(ctx, "s1", "order.submit", "hash1")
	if err != nil {
		t.Fatalf("Propose() after expiry error = %v", err)
	}
	if fresh == id {
		t.Fatal("expired proposal ID reused")
	}
}

func TestConfirmUnknownProposal(t *testing.T) {
	g, _ := newGate(t, 5*time.Minute)

	var notFound *store.ErrNotFound
	err := g.Confirm(context.Background(), "nope", "s1", true)
	if !errors.As(err, &notFound) {
		t.Fatalf("Confirm() unknown proposal error = %v, want ErrNotFound", err)
	}
}

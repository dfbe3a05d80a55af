package tenant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/internal/tenant"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

func newBinder(t *testing.T, ttl time.Duration) (*tenant.Binder, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	s.Now = func() time.Time { return now }

	b := tenant.NewBinder(s, ttl)
	b.Now = func() time.Time { return now }
	return b, &now
}

func request(sessionID string) *models.ActionRequest {
	return &models.ActionRequest{
		SessionID: sessionID,
		Persona:   models.PersonaGuest,
		TenantID:  "t1",
		VenueID:   "t1:v1",
		Tool:      "menu.view",
	}
}

func TestResolveBindsOnFirstMessage(t *testing.T) {
	b, _ := newBinder(t, 30*time.Minute)

	session, err := b.Resolve(context.Background(), request("s1"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if session.ID != "s1" {
		t.Fatalf("session.ID = %q, want %q", session.ID, "s1")
	}
	if session.Persona != models.PersonaGuest {
		t.Fatalf("session.Persona = %q, want guest", session.Persona)
	}
	if session.Tenant.TenantID != "t1" || session.Tenant.VenueID != "t1:v1" {
		t.Fatalf("session.Tenant = %+v, want t1/t1:v1", session.Tenant)
	}
}

func TestResolveRejectsPersonaDrift(t *testing.T) {
	b, _ := newBinder(t, 30*time.Minute)
	ctx := context.Background()

	if _, err := b.Resolve(ctx, request("s1")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	drifted := request("s1")
	drifted.Persona = models.PersonaVenueStaff
	if _, err := b.Resolve(ctx, drifted); !errors.Is(err, tenant.ErrPersonaMismatch) {
		t.Fatalf("Resolve() with drifted persona error = %v, want ErrPersonaMismatch", err)
	}
}

func TestResolveRejectsTenantDrift(t *testing.T) {
	b, _ := newBinder(t, 30*time.Minute)
	ctx := context.Background()

	if _, err := b.Resolve(ctx, request("s1")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	drifted := request("s1")
	drifted.TenantID = "t2"
	if _, err := b.Resolve(ctx, drifted); !errors.Is(err, tenant.ErrTenantMismatch) {
		t.Fatalf("Resolve() with drifted tenant error = %v, want ErrTenantMismatch", err)
	}
}

func TestResolveValidatesRequest(t *testing.T) {
	b, _ := newBinder(t, 30*time.Minute)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.ActionRequest)
	}{
		{"missing session", func(r *models.ActionRequest) { r.SessionID = "" }},
		{"missing tenant", func(r *models.ActionRequest) { r.TenantID = "" }},
		{"unknown persona", func(r *models.ActionRequest) { r.Persona = "superuser" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request("s1")
			tc.mutate(req)
			if _, err := b.Resolve(ctx, req); err == nil {
				t.Fatal("Resolve() accepted invalid request")
			}
		})
	}
}

func TestResolveDefaultsVenue(t *testing.T) {
	b, _ := newBinder(t, 30*time.Minute)

	req := request("s1")
	req.VenueID = ""
	session, err := b.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := "t1:default"; session.Tenant.VenueID != want {
		t.Fatalf("session.Tenant.VenueID = %q, want %q", session.Tenant.VenueID, want)
	}
}

func TestResolveTouchesSessionTTL(t *testing.T) {
	b, now := newBinder(t, 30*time.Minute)
	ctx := context.Background()

	if _, err := b.Resolve(ctx, request("s1")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Activity at +20m extends the binding past the original +30m deadline.
	*now = now.Add(20 * time.Minute)
	if _, err := b.Resolve(ctx, request("s1")); err != nil {
		t.Fatalf("Resolve() at +20m error = %v", err)
	}

	*now = now.Add(25 * time.Minute)
	session, err := b.Resolve(ctx, request("s1"))
	if err != nil {
		t.Fatalf("Resolve() at +45m error = %v", err)
	}
	if session.CreatedAt != time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("session recreated, CreatedAt = %v", session.CreatedAt)
	}
}

func TestExpiredSessionRebinds(t *testing.T) {
	b, now := newBinder(t, 30*time.Minute)
	ctx := context.Background()

	if _, err := b.Resolve(ctx, request("s1")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	*now = now.Add(31 * time.Minute)

	// The old binding lapsed, so a new persona can claim the session ID.
	req := request("s1")
	req.Persona = models.PersonaVenueStaff
	session, err := b.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve() after expiry error = %v", err)
	}
	if session.Persona != models.PersonaVenueStaff {
		t.Fatalf("session.Persona = %q, want venue_staff", session.Persona)
	}
}

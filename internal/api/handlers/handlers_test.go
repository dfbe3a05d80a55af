package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/control-plane/internal/api"
	"github.com/tabletalk/tabletalk/control-plane/internal/api/handlers"
	"github.com/tabletalk/tabletalk/control-plane/internal/audit"
	"github.com/tabletalk/tabletalk/control-plane/internal/config"
	"github.com/tabletalk/tabletalk/control-plane/internal/confirm"
	"github.com/tabletalk/tabletalk/control-plane/internal/engine"
	"github.com/tabletalk/tabletalk/control-plane/internal/idempotency"
	"github.com/tabletalk/tabletalk/control-plane/internal/policy"
	"github.com/tabletalk/tabletalk/control-plane/internal/quotes"
	"github.com/tabletalk/tabletalk/control-plane/internal/ratelimit"
	"github.com/tabletalk/tabletalk/control-plane/internal/research"
	"github.com/tabletalk/tabletalk/control-plane/internal/store"
	"github.com/tabletalk/tabletalk/control-plane/internal/tenant"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	s.Now = clock

	log := audit.NewMemoryLog()

	binder := tenant.NewBinder(s, 30*time.Minute)
	binder.Now = clock

	limiter := ratelimit.NewLimiter(s, models.RateLimitRule{
		ActionClass: "default",
		MaxRequests: 30,
		Window:      time.Minute,
	})

	gate := confirm.NewGate(s, 10*time.Minute)
	gate.Now = clock

	ledger := quotes.NewLedger(s, 60*time.Second)
	catalog := policy.DefaultCatalog()
	authorizer := policy.NewAuthorizer(catalog, gate, ledger)
	fence := research.NewFence(nil)

	dispatcher := engine.NewDispatcher(ledger, research.NewHTTPFetcher(fence))
	dispatcher.Now = clock

	recorder := audit.NewRecorder(log)
	recorder.Now = clock
	escalator := audit.NewEscalator(s, log, 3, 30, 5*time.Minute)
	escalator.Now = clock

	eng := engine.New(engine.Options{
		Binder:         binder,
		Limiter:        limiter,
		Authorizer:     authorizer,
		Idempotency:    idempotency.New(s, 30*time.Second, 24*time.Hour),
		Fence:          fence,
		Executor:       dispatcher,
		Recorder:       recorder,
		Escalator:      escalator,
		Confirmations:  gate,
		ToolTimeout:    15 * time.Second,
		StorageRetries: 1,
	})
	eng.Now = clock

	h := handlers.New(eng, gate, catalog, fence, log, 1000)
	return api.NewRouter(&config.Config{Version: "test"}, h)
}

func postAction(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitActionAllowed(t *testing.T) {
	router := newTestRouter(t)

	rec := postAction(t, router, `{
		"session_id": "s1", "agent_type": "guest", "tenant_id": "t1",
		"venue_id": "t1:v1", "tool": "menu.view", "params": {}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var decision models.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Kind != models.DecisionAllow {
		t.Fatalf("decision.Kind = %q, want allow", decision.Kind)
	}
}

func TestSubmitActionStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{
			"forbidden tool",
			`{"session_id": "s1", "agent_type": "guest", "tenant_id": "t1", "venue_id": "t1:v1", "tool": "get_active_orders", "params": {}}`,
			http.StatusForbidden,
		},
		{
			"unknown tool",
			`{"session_id": "s2", "agent_type": "guest", "tenant_id": "t1", "venue_id": "t1:v1", "tool": "admin.orders.dump_all", "params": {}}`,
			http.StatusNotFound,
		},
		{
			"missing tenant",
			`{"session_id": "s3", "agent_type": "guest", "tool": "menu.view", "params": {}}`,
			http.StatusBadRequest,
		},
		{
			"unknown persona",
			`{"session_id": "s4", "agent_type": "superuser", "tenant_id": "t1", "tool": "menu.view", "params": {}}`,
			http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t)
			rec := postAction(t, router, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	// An irreversible admin action proposes first.
	body := `{
		"session_id": "s1", "agent_type": "platform_admin", "tenant_id": "t1",
		"venue_id": "t1:v1", "tool": "menu.update",
		"params": {"item": "margherita", "price_cents": 1500},
		"confirmation_token": "tok-1"
	}`
	rec := postAction(t, router, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("propose status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}

	var decision models.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.ProposalID == "" {
		t.Fatal("pending decision carries no proposal_id")
	}

	// Confirming from another session is refused.
	confirmBody := `{"session_id": "intruder", "affirmed": true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals/"+decision.ProposalID+"/confirm", strings.NewReader(confirmBody))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-session confirm status = %d, want 403", rec.Code)
	}

	// The proposing session confirms.
	confirmBody = `{"session_id": "s1", "affirmed": true}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/proposals/"+decision.ProposalID+"/confirm", strings.NewReader(confirmBody))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	// The retried action now executes.
	rec = postAction(t, router, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
}

func TestPutLimitValidates(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/limits/chat", strings.NewReader(`{"max_requests": 0}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAllowlistEndpointRejectsHTTP(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/research/allowlist", strings.NewReader(`{"url": "http://docs.example.com"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIncidentsEndpointEmpty(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %s, want []", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/control-plane/internal/quotes"
	"github.com/tabletalk/tabletalk/control-plane/internal/research"
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// HandlerFunc executes one tool for an authorized request.
type HandlerFunc func(ctx context.Context, session *models.Session, params map[string]interface{}) (map[string]interface{}, error)

// Fetcher retrieves the raw text of an allowlisted URL for the research
// tools. The engine sanitizes whatever it returns.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Dispatcher is the built-in Executor: a registry of tool handlers over the
// quote ledger and an in-memory cart/order book. Deployments integrating
// real POS or kitchen systems register their own handlers on top.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ledger  *quotes.Ledger
	fetcher Fetcher

	carts   map[string][]cartItem // keyed by session ID
	orders  map[string]*order
	byVenue map[string][]string

	// Now is the clock. Override in tests.
	Now func() time.Time
}

type cartItem struct {
	Item       string `json:"item"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type order struct {
	ID        string
	SessionID string
	VenueID   string
	Status    string
	Items     []cartItem
	CreatedAt time.Time
}

// NewDispatcher creates the built-in executor with handlers for every
// catalog tool.
func NewDispatcher(ledger *quotes.Ledger, fetcher Fetcher) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		ledger:   ledger,
		fetcher:  fetcher,
		carts:    make(map[string][]cartItem),
		orders:   make(map[string]*order),
		byVenue:  make(map[string][]string),
		Now:      time.Now,
	}
	d.registerBuiltins()
	return d
}

// Register installs or replaces the handler for a tool.
func (d *Dispatcher) Register(tool string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tool] = h
}

// CartSnapshot returns a copy of the session's current cart for quote
// freshness checks.
func (d *Dispatcher) CartSnapshot(sessionID string) interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]cartItem(nil), d.carts[sessionID]...)
}

// Execute dispatches to the registered handler. A catalog tool with no
// handler is an internal wiring error, not a policy outcome.
func (d *Dispatcher) Execute(ctx context.Context, session *models.Session, desc models.ToolDescriptor, params map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	h, ok := d.handlers[desc.Name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool %q", desc.Name)
	}
	return h(ctx, session, params)
}

func (d *Dispatcher) registerBuiltins() {
	d.handlers["system.health"] = func(context.Context, *models.Session, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "ok"}, nil
	}
	d.handlers["session.whoami"] = func(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"session_id": s.ID,
			"persona":    string(s.Persona),
			"tenant_id":  s.Tenant.TenantID,
			"venue_id":   s.Tenant.VenueID,
		}, nil
	}
	d.handlers["menu.view"] = d.menuView
	d.handlers["cart.view"] = d.cartView
	d.handlers["cart.add"] = d.cartAdd
	d.handlers["pricing.quote"] = d.pricingQuote
	d.handlers["order.submit"] = d.orderSubmit
	d.handlers["order.status"] = d.orderStatus
	d.handlers["order.update_status"] = d.orderUpdateStatus
	d.handlers["get_active_orders"] = d.activeOrders
	d.handlers["service.call"] = func(_ context.Context, s *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
		table, _ := p["table"].(string)
		return map[string]interface{}{"acknowledged": true, "venue_id": s.Tenant.VenueID, "table": table}, nil
	}
	d.handlers[research.ToolFetch] = d.researchFetch
	d.handlers["research.summarize"] = d.researchSummarize

	// UI and admin tools acknowledge; their effects live in the surfaces
	// and provisioning systems that consume the audit stream.
	for _, tool := range []string{
		"ui.render_menu", "ui.render_cart", "ui.highlight", "table.assign",
		"menu.update", "offers.publish", "venue.create", "access.grant", "tenant.configure",
	} {
		name := tool
		d.handlers[name] = func(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"applied": true, "tool": name, "venue_id": s.Tenant.VenueID}, nil
		}
	}
}

// demo menu used when no POS integration replaces menu.view
var demoMenu = []map[string]interface{}{
	{"item": "margherita", "price_cents": int64(1450)},
	{"item": "carbonara", "price_cents": int64(1680)},
	{"item": "tiramisu", "price_cents": int64(750)},
}

func (d *Dispatcher) menuView(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"venue_id": s.Tenant.VenueID, "items": demoMenu}, nil
}

func (d *Dispatcher) cartView(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]interface{}{"items": append([]cartItem(nil), d.carts[s.ID]...)}, nil
}

func (d *Dispatcher) cartAdd(_ context.Context, s *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
	item, _ := p["item"].(string)
	if item == "" {
		return nil, fmt.Errorf("item is required")
	}
	qty := intParam(p, "qty", 1)
	price := int64(intParam(p, "price_cents", 0))

	d.mu.Lock()
	d.carts[s.ID] = append(d.carts[s.ID], cartItem{Item: item, Qty: qty, PriceCents: price})
	items := len(d.carts[s.ID])
	d.mu.Unlock()

	return map[string]interface{}{"items": items}, nil
}

func (d *Dispatcher) pricingQuote(ctx context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	cart := append([]cartItem(nil), d.carts[s.ID]...)
	d.mu.RUnlock()

	var total int64
	for _, it := range cart {
		total += it.PriceCents * int64(it.Qty)
	}
	q, err := d.ledger.Issue(ctx, s.ID, cart, total, "EUR", d.Now())
	if err != nil {
		return nil, fmt.Errorf("issue quote: %w", err)
	}
	return map[string]interface{}{
		"quote_id":    q.ID,
		"total_cents": q.TotalCents,
		"currency":    q.Currency,
		"cart":        cart,
	}, nil
}

func (d *Dispatcher) orderSubmit(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o := &order{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		VenueID:   s.Tenant.VenueID,
		Status:    "submitted",
		Items:     d.carts[s.ID],
		CreatedAt: d.Now(),
	}
	d.orders[o.ID] = o
	d.byVenue[o.VenueID] = append(d.byVenue[o.VenueID], o.ID)
	delete(d.carts, s.ID)

	return map[string]interface{}{"order_id": o.ID, "status": o.Status}, nil
}

func (d *Dispatcher) orderStatus(_ context.Context, _ *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
	id, _ := p["order_id"].(string)
	d.mu.RLock()
	o, ok := d.orders[id]
	d.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Resource: "order", ID: id}
	}
	return map[string]interface{}{"order_id": o.ID, "status": o.Status}, nil
}

func (d *Dispatcher) orderUpdateStatus(_ context.Context, s *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
	id, _ := p["order_id"].(string)
	status, _ := p["status"].(string)
	if status == "" {
		return nil, fmt.Errorf("status is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[id]
	if !ok || o.VenueID != s.Tenant.VenueID {
		// Orders outside the caller's venue look exactly like missing ones.
		return nil, &NotFoundError{Resource: "order", ID: id}
	}
	o.Status = status
	return map[string]interface{}{"order_id": o.ID, "status": o.Status}, nil
}

func (d *Dispatcher) activeOrders(_ context.Context, s *models.Session, _ map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]map[string]interface{}, 0)
	for _, id := range d.byVenue[s.Tenant.VenueID] {
		o := d.orders[id]
		if o.Status == "closed" {
			continue
		}
		out = append(out, map[string]interface{}{"order_id": o.ID, "status": o.Status})
	}
	return map[string]interface{}{"orders": out}, nil
}

func (d *Dispatcher) researchFetch(ctx context.Context, _ *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
	url, _ := p["url"].(string)
	if d.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	content, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return map[string]interface{}{"content": content}, nil
}

// researchSummarize never interprets the quoted text; it only measures it.
// The actual summarization happens in the agent, over SafeContent.
func (d *Dispatcher) researchSummarize(_ context.Context, _ *models.Session, p map[string]interface{}) (map[string]interface{}, error) {
	quoted, _ := p["quoted"].(string)
	return map[string]interface{}{"chars": len(quoted)}, nil
}

func intParam(p map[string]interface{}, key string, fallback int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

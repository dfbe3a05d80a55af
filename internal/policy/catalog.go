// Package policy implements the tool catalog and the authorization decision
// core. The catalog is static configuration: a closed registry of tool
// descriptors plus per-persona allow and forbid sets. Authorization is
// data-driven over that registry — deny by default, and an explicit forbid
// always wins over any allow, foundation tools included.
package policy

import (
	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// Catalog is the static policy table consulted by the Authorizer.
type Catalog struct {
	tools      map[string]models.ToolDescriptor
	allowed    map[models.Persona]map[string]struct{}
	forbidden  map[models.Persona]map[string]struct{}
	foundation map[string]struct{}
	// fenced tools are forbidden to every persona regardless of allow rules.
	fenced map[string]struct{}
}

// CatalogEntry declares the policy for one persona.
type CatalogEntry struct {
	Persona   models.Persona
	Allowed   []string
	Forbidden []string
}

// NewCatalog builds a catalog from a tool registry, per-persona entries, a
// foundation set shared by every persona, and a cross-cutting fenced set.
func NewCatalog(tools []models.ToolDescriptor, entries []CatalogEntry, foundation, fenced []string) *Catalog {
	c := &Catalog{
		tools:      make(map[string]models.ToolDescriptor, len(tools)),
		allowed:    make(map[models.Persona]map[string]struct{}),
		forbidden:  make(map[models.Persona]map[string]struct{}),
		foundation: toSet(foundation),
		fenced:     toSet(fenced),
	}
	for _, t := range tools {
		c.tools[t.Name] = t
	}
	for _, e := range entries {
		c.allowed[e.Persona] = toSet(e.Allowed)
		c.forbidden[e.Persona] = toSet(e.Forbidden)
	}
	return c
}

// Lookup returns the descriptor for a tool name.
func (c *Catalog) Lookup(name string) (models.ToolDescriptor, bool) {
	d, ok := c.tools[name]
	return d, ok
}

// Forbidden reports whether the tool is explicitly fenced off for the
// persona, either by its entry or by the cross-cutting fenced set.
func (c *Catalog) Forbidden(persona models.Persona, tool string) bool {
	if _, ok := c.fenced[tool]; ok {
		return true
	}
	_, ok := c.forbidden[persona][tool]
	return ok
}

// Allowed reports whether the tool is in the persona's allowlist or the
// shared foundation set. Forbidden is checked separately and wins.
func (c *Catalog) Allowed(persona models.Persona, tool string) bool {
	if _, ok := c.foundation[tool]; ok {
		return true
	}
	_, ok := c.allowed[persona][tool]
	return ok
}

// Tools returns every registered descriptor, for introspection endpoints.
func (c *Catalog) Tools() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// ── Default catalog ─────────────────────────────────────────

// Action classes used for rate limiting.
const (
	ClassChat        = "chat"
	ClassPricing     = "pricing"
	ClassOrder       = "order"
	ClassServiceCall = "service_call"
	ClassResearch    = "research"
	ClassAdmin       = "admin"
)

// DefaultCatalog returns the dine-in platform's tool registry and persona
// policy table.
func DefaultCatalog() *Catalog {
	tools := []models.ToolDescriptor{
		// Foundation
		{Name: "system.health", ActionClass: ClassChat},
		{Name: "session.whoami", ActionClass: ClassChat},
		{Name: "menu.view", ActionClass: ClassChat},

		// Guest ordering flow
		{Name: "cart.view", ActionClass: ClassChat},
		{Name: "cart.add", ActionClass: ClassChat, Mutates: true},
		{Name: "pricing.quote", ActionClass: ClassPricing},
		{Name: "order.submit", ActionClass: ClassOrder, Mutates: true, RequiresConfirmation: true, RequiresFreshQuote: true},
		{Name: "order.status", ActionClass: ClassChat},
		{Name: "service.call", ActionClass: ClassServiceCall, Mutates: true},

		// Venue staff
		{Name: "get_active_orders", ActionClass: ClassChat},
		{Name: "order.update_status", ActionClass: ClassOrder, Mutates: true},
		{Name: "menu.update", ActionClass: ClassAdmin, Mutates: true, RequiresConfirmation: true},
		{Name: "offers.publish", ActionClass: ClassAdmin, Mutates: true, RequiresConfirmation: true},
		{Name: "table.assign", ActionClass: ClassChat, Mutates: true},

		// Platform admin
		{Name: "venue.create", ActionClass: ClassAdmin, Mutates: true, RequiresConfirmation: true},
		{Name: "access.grant", ActionClass: ClassAdmin, Mutates: true, RequiresConfirmation: true},
		{Name: "tenant.configure", ActionClass: ClassAdmin, Mutates: true, RequiresConfirmation: true},

		// UI orchestration
		{Name: "ui.render_menu", ActionClass: ClassChat},
		{Name: "ui.render_cart", ActionClass: ClassChat},
		{Name: "ui.highlight", ActionClass: ClassChat},

		// Research
		{Name: "research.fetch", ActionClass: ClassResearch},
		{Name: "research.summarize", ActionClass: ClassResearch},

		// Legacy payment passthrough. Registered so requests for it are
		// auditable as FORBIDDEN instead of NOT_FOUND, but fenced for all.
		{Name: "payments.capture_raw", ActionClass: ClassOrder, Mutates: true},
	}

	entries := []CatalogEntry{
		{
			Persona: models.PersonaGuest,
			Allowed: []string{
				"cart.view", "cart.add", "pricing.quote", "order.submit",
				"order.status", "service.call",
			},
			Forbidden: []string{"access.grant", "tenant.configure"},
		},
		{
			Persona: models.PersonaVenueStaff,
			Allowed: []string{
				"get_active_orders", "order.update_status", "pricing.quote",
				"cart.view", "cart.add", "order.submit", "order.status",
				"menu.update", "offers.publish", "table.assign",
			},
			Forbidden: []string{"access.grant", "tenant.configure"},
		},
		{
			Persona: models.PersonaPlatformAdmin,
			Allowed: []string{
				"venue.create", "access.grant", "tenant.configure",
				"get_active_orders", "menu.update", "offers.publish",
			},
		},
		{
			Persona:   models.PersonaUIOrchestrator,
			Allowed:   []string{"ui.render_menu", "ui.render_cart", "ui.highlight", "cart.view", "order.status"},
			Forbidden: []string{"order.submit", "access.grant"},
		},
		{
			Persona: models.PersonaResearch,
			Allowed: []string{"research.fetch", "research.summarize"},
			// Mutation capability must never leak to the research persona,
			// foundation defaults included.
			Forbidden: []string{
				"order.submit", "offers.publish", "access.grant",
				"menu.update", "tenant.configure", "cart.add",
				"service.call", "order.update_status", "table.assign",
				"venue.create",
			},
		},
	}

	foundation := []string{"system.health", "session.whoami", "menu.view"}
	fenced := []string{"payments.capture_raw"}

	return NewCatalog(tools, entries, foundation, fenced)
}

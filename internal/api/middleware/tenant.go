package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"
	// VenueIDKey is the context key for the venue ID.
	VenueIDKey contextKey = "venue_id"
)

// TenantExtractor pulls the tenant/venue scope from request headers so
// read-side endpoints (audit export, incidents) can be filtered without a
// session. Action requests carry their tenant context in the body; the
// engine binds and enforces it there.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		venue := strings.TrimSpace(r.Header.Get("X-Venue-Id"))
		if venue == "" {
			venue = strings.TrimSpace(r.URL.Query().Get("venue"))
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
		ctx = context.WithValue(ctx, VenueIDKey, venue)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetVenueID retrieves the venue ID from the request context.
func GetVenueID(ctx context.Context) string {
	if v, ok := ctx.Value(VenueIDKey).(string); ok {
		return v
	}
	return ""
}

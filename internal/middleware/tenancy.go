package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/tenancy"
)

// TenantResolver is the resolver surface the middleware needs.
type TenantResolver interface {
	Resolve(ctx context.Context, host, path string) (*tenant.Tenant, error)
	Strategy() string
}

// InitializeTenancy resolves the request host to a tenant and switches
// the backend for the duration of the request. Central hosts pass through
// with no tenant bound; an unresolvable non-central host gets a 404.
func InitializeTenancy(resolver TenantResolver, tctx *tenancy.Context, domains *tenancy.DomainResolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := resolver.Resolve(r.Context(), r.Host, r.URL.Path)
			if err != nil {
				log.Error("tenant resolution failed", "host", r.Host, "error", err)
				writeJSONError(w, http.StatusInternalServerError, "tenant resolution failed", nil)
				return
			}

			if t == nil {
				if domains.IsCentral(tenancy.CanonicalHost(r.Host)) {
					next.ServeHTTP(w, r)
					return
				}
				writeJSONError(w, http.StatusNotFound, "tenant not found", map[string]string{
					"host":     r.Host,
					"strategy": resolver.Strategy(),
				})
				return
			}

			ctx, err := tctx.SwitchToTenant(r.Context(), t)
			if err != nil {
				log.Error("tenant switch failed", "tenant_id", t.ID, "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "tenant database unavailable", map[string]string{
					"tenant_id": t.ID,
				})
				return
			}
			defer tctx.SwitchToCentral(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTenant rejects requests that reach a tenant-only route without a
// resolved tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenancy.Current(r.Context()) == nil {
			writeJSONError(w, http.StatusNotFound, "tenant not found", map[string]string{
				"host": r.Host,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PreventCentralAccess blocks tenant requests from reaching central-only
// routes.
func PreventCentralAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenancy.Current(r.Context()) != nil {
			writeJSONError(w, http.StatusForbidden, "central route not available on tenant hosts", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string, fields map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{"error": msg}
	for k, v := range fields {
		body[k] = v
	}
	_ = json.NewEncoder(w).Encode(body)
}

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelitosystems/tenancy/internal/middleware"
)

// MountRoutes registers the central admin API on the given chi router.
// Every route here is central-only; tenant hosts are rejected.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PreventCentralAccess)

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tenants
		r.Get("/tenants", h.ListTenants)
		r.Post("/tenants", h.CreateTenant)
		r.Post("/tenants/migrate", h.MigrateAllTenants)
		r.Post("/tenants/sweep", h.SweepExpiredTenants)
		r.Get("/tenants/{id}", h.GetTenant)
		r.Put("/tenants/{id}", h.UpdateTenant)
		r.Delete("/tenants/{id}", h.DeleteTenant)
		r.Post("/tenants/{id}/migrate", h.MigrateTenant)

		// Connection pool
		r.Get("/connections", h.ListConnections)

		// Credential profiles
		r.Get("/credentials", h.ListCredentialProfiles)
		r.Post("/credentials/rotate", h.RotateCredentialKey)
		r.Get("/credentials/{profile}", h.GetCredentialProfile)
		r.Put("/credentials/{profile}", h.PutCredentialProfile)
		r.Delete("/credentials/{profile}", h.DeleteCredentialProfile)
	})
}

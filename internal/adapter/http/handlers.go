package http

import (
	"net/http"
	"strconv"

	"github.com/angelitosystems/tenancy/internal/connection"
	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/service"
)

// ConnectionPool is the connection-manager surface the admin API exposes.
type ConnectionPool interface {
	ActiveConnectionCount() int
	ActiveConnectionsInfo() map[string]connection.ConnInfo
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tenants     *service.TenantService
	Credentials *credentials.Store
	Connections ConnectionPool
}

// ListTenants handles GET /api/v1/tenants. Active tenants by default;
// ?all=true includes inactive and soft-deleted ones.
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	var (
		tenants []tenant.Tenant
		err     error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		tenants, err = h.Tenants.List(r.Context())
	} else {
		tenants, err = h.Tenants.ListActive(r.Context())
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if tenants == nil {
		tenants = []tenant.Tenant{}
	}
	writeJSON(w, http.StatusOK, tenants)
}

// CreateTenant handles POST /api/v1/tenants
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[tenant.CreateRequest](w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	t, err := h.Tenants.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "tenant creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTenant handles GET /api/v1/tenants/{id}
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tenants.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTenant handles PUT /api/v1/tenants/{id}
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[tenant.UpdateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Tenants.Update(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTenant handles DELETE /api/v1/tenants/{id}. Soft delete by
// default; ?force=true removes the row permanently.
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	var err error
	if force {
		err = h.Tenants.ForceDelete(r.Context(), id)
	} else {
		err = h.Tenants.SoftDelete(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MigrateTenant handles POST /api/v1/tenants/{id}/migrate
func (h *Handlers) MigrateTenant(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Tenants.MigrateTenant(r.Context(), id); err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "status": "migrated"})
}

// MigrateAllTenants handles POST /api/v1/tenants/migrate
func (h *Handlers) MigrateAllTenants(w http.ResponseWriter, r *http.Request) {
	if err := h.Tenants.MigrateAll(r.Context()); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

// SweepExpiredTenants handles POST /api/v1/tenants/sweep
func (h *Handlers) SweepExpiredTenants(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tenants.SweepExpired(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

// ListConnections handles GET /api/v1/connections. The snapshot never
// carries credentials.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       h.Connections.ActiveConnectionCount(),
		"connections": h.Connections.ActiveConnectionsInfo(),
	})
}

// ListCredentialProfiles handles GET /api/v1/credentials
func (h *Handlers) ListCredentialProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Credentials.Profiles(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if profiles == nil {
		profiles = []string{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// GetCredentialProfile handles GET /api/v1/credentials/{profile}.
// Sensitive fields come back masked.
func (h *Handlers) GetCredentialProfile(w http.ResponseWriter, r *http.Request) {
	fields, err := h.Credentials.MaskedProfile(r.Context(), urlParam(r, "profile"))
	if err != nil {
		writeDomainError(w, err, "credential profile not found")
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

// PutCredentialProfile handles PUT /api/v1/credentials/{profile}
func (h *Handlers) PutCredentialProfile(w http.ResponseWriter, r *http.Request) {
	fields, ok := readJSON[credentials.Fields](w, r)
	if !ok {
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "at least one field is required")
		return
	}
	profile := urlParam(r, "profile")
	if err := h.Credentials.StoreProfile(r.Context(), profile, fields); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": profile, "status": "stored"})
}

// DeleteCredentialProfile handles DELETE /api/v1/credentials/{profile}
func (h *Handlers) DeleteCredentialProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Credentials.Remove(r.Context(), urlParam(r, "profile")); err != nil {
		writeDomainError(w, err, "credential profile not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateKeyRequest struct {
	NewKey string `json:"new_key"`
}

// RotateCredentialKey handles POST /api/v1/credentials/rotate. All
// profiles are re-encrypted under the new key, or none are.
func (h *Handlers) RotateCredentialKey(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rotateKeyRequest](w, r)
	if !ok {
		return
	}
	if req.NewKey == "" {
		writeError(w, http.StatusBadRequest, "new_key is required")
		return
	}
	if err := h.Credentials.RotateKey(r.Context(), req.NewKey); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

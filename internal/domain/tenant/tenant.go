// Package tenant defines the tenant domain model for multi-tenancy.
package tenant

import "time"

// Tenant represents an isolated tenant: its routing identity (domain,
// subdomain or slug) plus optional per-tenant database overrides.
type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Domain    string `json:"domain,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`

	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// PlanID references a structured plan; LegacyPlan is the free-text
	// label used before plans were modeled. Read via CurrentPlan.
	PlanID     string `json:"plan_id,omitempty"`
	LegacyPlan string `json:"legacy_plan,omitempty"`

	// Data is an open document addressed by dotted key paths.
	Data map[string]any `json:"data,omitempty"`

	// Per-tenant connection overrides. Empty values fall back to the
	// driver template and the tenant's credential profile.
	DatabaseName     string `json:"database_name,omitempty"`
	DatabaseHost     string `json:"database_host,omitempty"`
	DatabasePort     int    `json:"database_port,omitempty"`
	DatabaseUsername string `json:"database_username,omitempty"`
	DatabasePassword string `json:"-"`

	// CredentialProfile names the credential profile backing this
	// tenant's connection, if any.
	CredentialProfile string `json:"credential_profile,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the tenant may be resolved and used at the
// given instant: the active flag is set, the tenant is not soft-deleted
// and any expiry lies in the future.
func (t *Tenant) Active(now time.Time) bool {
	if t == nil || !t.IsActive || t.DeletedAt != nil {
		return false
	}
	return !t.Expired(now)
}

// Expired reports whether the tenant's expiry has passed.
func (t *Tenant) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// CreateRequest holds the fields required to create a new tenant.
type CreateRequest struct {
	Name      string `json:"name"`
	Slug      string `json:"slug,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`

	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// UpdateRequest holds the fields that can be updated on a tenant.
type UpdateRequest struct {
	Name      string     `json:"name,omitempty"`
	Domain    *string    `json:"domain,omitempty"`
	Subdomain *string    `json:"subdomain,omitempty"`
	IsActive  *bool      `json:"is_active,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	PlanID    *string    `json:"plan_id,omitempty"`

	CredentialProfile *string `json:"credential_profile,omitempty"`
}

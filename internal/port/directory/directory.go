// Package directory defines the tenant directory port (interface).
package directory

import (
	"context"

	"github.com/angelitosystems/tenancy/internal/domain/tenant"
)

// Directory is the read/write port over persisted tenant records.
// Lookup methods return domain.ErrNotFound wrapped when no row matches;
// find methods used by resolution only return tenants that are active,
// not soft-deleted and not expired.
type Directory interface {
	FindByID(ctx context.Context, id string) (*tenant.Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*tenant.Tenant, error)
	FindByDomain(ctx context.Context, domain string) (*tenant.Tenant, error)
	FindBySubdomain(ctx context.Context, subdomain string) (*tenant.Tenant, error)

	ListActive(ctx context.Context) ([]tenant.Tenant, error)
	ListExpired(ctx context.Context) ([]tenant.Tenant, error)
	ListAll(ctx context.Context) ([]tenant.Tenant, error)

	Create(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error)
	Update(ctx context.Context, t *tenant.Tenant) error
	// SoftDelete marks the tenant deleted, retaining the row for audit.
	SoftDelete(ctx context.Context, id string) error
	// ForceDelete removes the row permanently.
	ForceDelete(ctx context.Context, id string) error
}

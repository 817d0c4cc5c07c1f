// Package service implements the tenant lifecycle: creation with database
// provisioning, updates, expiry sweeps and deletion.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/connection"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/port/directory"
	"github.com/angelitosystems/tenancy/internal/port/events"
)

// Connections is the connection-manager surface the service needs.
type Connections interface {
	DatabaseConfig(ctx context.Context, t *tenant.Tenant) (*connection.Descriptor, error)
	Close(ctx context.Context, t *tenant.Tenant)
}

// Provisioner creates and drops tenant databases.
type Provisioner interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Drop(ctx context.Context, name string) error
}

// Migrator applies the tenant schema to the database behind dsn.
type Migrator func(ctx context.Context, dsn string) error

// Invalidator drops cached resolution results for a tenant.
type Invalidator interface {
	InvalidateTenant(ctx context.Context, t *tenant.Tenant)
}

// TenantService manages the tenant lifecycle.
type TenantService struct {
	dir      directory.Directory
	conns    Connections
	prov     Provisioner // nil disables provisioning
	migrate  Migrator    // nil disables tenant migrations
	cache    Invalidator // nil disables cache invalidation
	notifier events.Notifier
	cfg      config.Connections
	log      *slog.Logger
}

// NewTenantService creates a TenantService. prov, migrate and cache may be
// nil; the corresponding steps are skipped.
func NewTenantService(dir directory.Directory, conns Connections, prov Provisioner, migrate Migrator, cache Invalidator, notifier events.Notifier, cfg config.Connections, log *slog.Logger) *TenantService {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &TenantService{
		dir:      dir,
		conns:    conns,
		prov:     prov,
		migrate:  migrate,
		cache:    cache,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// Create validates the request, persists the tenant and provisions its
// database. A driver without multi-database support skips provisioning
// with a warning instead of failing the creation.
func (s *TenantService) Create(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error) {
	if req.Name == "" {
		return nil, errors.New("tenant name is required")
	}
	if req.Slug == "" {
		req.Slug = Slugify(req.Name)
	}
	if !slugRegex.MatchString(req.Slug) {
		return nil, fmt.Errorf("invalid slug %q: must be 3-64 lowercase alphanumeric characters or hyphens", req.Slug)
	}

	t, err := s.dir.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	// A negative resolution result for the new tenant's addresses may
	// already be cached from lookups that predate the row.
	s.invalidate(ctx, t)

	if err := s.provision(ctx, t); err != nil {
		return nil, fmt.Errorf("provision tenant %s: %w", t.ID, err)
	}

	s.notifier.TenantCreated(ctx, t.ID)
	s.log.Info("tenant created", "tenant_id", t.ID, "slug", t.Slug)
	return t, nil
}

// provision creates and migrates the tenant database when auto-creation
// is enabled.
func (s *TenantService) provision(ctx context.Context, t *tenant.Tenant) error {
	if !s.cfg.AutoCreate || s.prov == nil {
		return nil
	}

	desc, err := s.conns.DatabaseConfig(ctx, t)
	if err != nil {
		if errors.Is(err, connection.ErrUnsupportedDriver) {
			s.log.Warn("tenant database provisioning skipped",
				"tenant_id", t.ID, "driver", s.cfg.Driver)
			return nil
		}
		return err
	}

	exists, err := s.prov.Exists(ctx, desc.Database)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.prov.Create(ctx, desc.Database); err != nil {
			return err
		}
		s.log.Info("tenant database created", "tenant_id", t.ID, "database", desc.Database)
	}

	if s.migrate != nil {
		if err := s.migrate(ctx, desc.DSN()); err != nil {
			return fmt.Errorf("migrate tenant database %s: %w", desc.Database, err)
		}
	}
	return nil
}

// Get returns a tenant by ID.
func (s *TenantService) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	return s.dir.FindByID(ctx, id)
}

// List returns all tenants, including inactive and soft-deleted ones.
func (s *TenantService) List(ctx context.Context) ([]tenant.Tenant, error) {
	return s.dir.ListAll(ctx)
}

// ListActive returns only tenants that currently resolve.
func (s *TenantService) ListActive(ctx context.Context) ([]tenant.Tenant, error) {
	return s.dir.ListActive(ctx)
}

// Update applies the request to the tenant and invalidates any cached
// resolution results for its previous and new addresses.
func (s *TenantService) Update(ctx context.Context, id string, req tenant.UpdateRequest) (*tenant.Tenant, error) {
	t, err := s.dir.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *t

	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Domain != nil {
		t.Domain = *req.Domain
	}
	if req.Subdomain != nil {
		t.Subdomain = *req.Subdomain
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if req.ExpiresAt != nil {
		t.ExpiresAt = req.ExpiresAt
	}
	if req.PlanID != nil {
		t.PlanID = *req.PlanID
	}
	if req.CredentialProfile != nil {
		t.CredentialProfile = *req.CredentialProfile
	}

	if err := s.dir.Update(ctx, t); err != nil {
		return nil, err
	}
	s.invalidate(ctx, &before)
	s.invalidate(ctx, t)
	return t, nil
}

// SoftDelete marks the tenant deleted, closes its connection and drops
// its cached resolution results. The database is retained.
func (s *TenantService) SoftDelete(ctx context.Context, id string) error {
	t, err := s.dir.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.dir.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.conns.Close(ctx, t)
	s.invalidate(ctx, t)
	s.log.Info("tenant soft deleted", "tenant_id", id)
	return nil
}

// ForceDelete removes the tenant row permanently and, when auto-drop is
// enabled, drops its database.
func (s *TenantService) ForceDelete(ctx context.Context, id string) error {
	t, err := s.dir.FindByID(ctx, id)
	if err != nil {
		return err
	}

	var database string
	if s.cfg.AutoDrop && s.prov != nil {
		if desc, derr := s.conns.DatabaseConfig(ctx, t); derr == nil {
			database = desc.Database
		}
	}

	if err := s.dir.ForceDelete(ctx, id); err != nil {
		return err
	}
	s.conns.Close(ctx, t)
	s.invalidate(ctx, t)

	if database != "" {
		if err := s.prov.Drop(ctx, database); err != nil {
			return fmt.Errorf("drop tenant database %s: %w", database, err)
		}
		s.log.Info("tenant database dropped", "tenant_id", id, "database", database)
	}
	s.log.Info("tenant force deleted", "tenant_id", id)
	return nil
}

// MigrateTenant applies pending tenant migrations to one tenant database.
func (s *TenantService) MigrateTenant(ctx context.Context, id string) error {
	if s.migrate == nil {
		return errors.New("tenant migrations not configured")
	}
	t, err := s.dir.FindByID(ctx, id)
	if err != nil {
		return err
	}
	desc, err := s.conns.DatabaseConfig(ctx, t)
	if err != nil {
		return err
	}
	return s.migrate(ctx, desc.DSN())
}

// MigrateAll applies pending tenant migrations to every active tenant.
func (s *TenantService) MigrateAll(ctx context.Context) error {
	if s.migrate == nil {
		return errors.New("tenant migrations not configured")
	}
	tenants, err := s.dir.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range tenants {
		t := &tenants[i]
		desc, err := s.conns.DatabaseConfig(ctx, t)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		if err := s.migrate(ctx, desc.DSN()); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		s.log.Info("tenant migrated", "tenant_id", t.ID, "database", desc.Database)
	}
	return nil
}

// SweepExpired deactivates tenants whose expiry has passed and closes
// their connections. Returns the number of tenants deactivated.
func (s *TenantService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.dir.ListExpired(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	for i := range expired {
		t := &expired[i]
		if !t.IsActive {
			continue
		}
		t.IsActive = false
		if err := s.dir.Update(ctx, t); err != nil {
			return n, fmt.Errorf("deactivate tenant %s: %w", t.ID, err)
		}
		s.conns.Close(ctx, t)
		s.invalidate(ctx, t)
		s.log.Info("expired tenant deactivated", "tenant_id", t.ID, "expired_at", t.ExpiresAt)
		n++
	}
	return n, nil
}

func (s *TenantService) invalidate(ctx context.Context, t *tenant.Tenant) {
	if s.cache != nil {
		s.cache.InvalidateTenant(ctx, t)
	}
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a display name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = nonSlugChars.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

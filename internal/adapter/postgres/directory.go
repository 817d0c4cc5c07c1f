package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angelitosystems/tenancy/internal/domain"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
)

// Directory implements the tenant directory port over the central
// PostgreSQL database.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a Directory backed by the given connection pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

const tenantColumns = `id, name, slug, domain, subdomain, is_active, expires_at,
	plan_id, legacy_plan, data, database_name, database_host, database_port,
	database_username, database_password, credential_profile,
	created_at, updated_at, deleted_at`

// activePredicate restricts resolution lookups to routable tenants.
const activePredicate = `is_active AND deleted_at IS NULL AND (expires_at IS NULL OR expires_at > now())`

func (d *Directory) FindByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "find tenant %s", id)
	}
	return t, nil
}

func (d *Directory) FindBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1 AND `+activePredicate, slug)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "find tenant by slug %s", slug)
	}
	return t, nil
}

func (d *Directory) FindByDomain(ctx context.Context, host string) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE domain = $1 AND `+activePredicate, host)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "find tenant by domain %s", host)
	}
	return t, nil
}

func (d *Directory) FindBySubdomain(ctx context.Context, subdomain string) (*tenant.Tenant, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE subdomain = $1 AND `+activePredicate, subdomain)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "find tenant by subdomain %s", subdomain)
	}
	return t, nil
}

func (d *Directory) ListActive(ctx context.Context) ([]tenant.Tenant, error) {
	return d.list(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+activePredicate+` ORDER BY created_at ASC`)
}

func (d *Directory) ListExpired(ctx context.Context) ([]tenant.Tenant, error) {
	return d.list(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= now()
		ORDER BY expires_at ASC`)
}

func (d *Directory) ListAll(ctx context.Context) ([]tenant.Tenant, error) {
	return d.list(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at ASC`)
}

func (d *Directory) list(ctx context.Context, query string) ([]tenant.Tenant, error) {
	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (d *Directory) Create(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error) {
	dataJSON, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal tenant data: %w", err)
	}

	row := d.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, name, slug, domain, subdomain, plan_id, expires_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+tenantColumns,
		uuid.NewString(), req.Name, req.Slug,
		nullIfEmpty(req.Domain), nullIfEmpty(req.Subdomain), nullIfEmpty(req.PlanID),
		req.ExpiresAt, dataJSON)

	t, err := scanTenant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create tenant %s: %w", req.Slug, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create tenant %s: %w", req.Slug, err)
	}
	return t, nil
}

func (d *Directory) Update(ctx context.Context, t *tenant.Tenant) error {
	dataJSON, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("marshal tenant data: %w", err)
	}

	tag, err := d.pool.Exec(ctx,
		`UPDATE tenants SET name = $2, domain = $3, subdomain = $4, is_active = $5,
		   expires_at = $6, plan_id = $7, legacy_plan = $8, data = $9,
		   database_name = $10, database_host = $11, database_port = $12,
		   database_username = $13, database_password = $14,
		   credential_profile = $15, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		t.ID, t.Name, nullIfEmpty(t.Domain), nullIfEmpty(t.Subdomain), t.IsActive,
		t.ExpiresAt, nullIfEmpty(t.PlanID), nullIfEmpty(t.LegacyPlan), dataJSON,
		nullIfEmpty(t.DatabaseName), nullIfEmpty(t.DatabaseHost), nullIfZero(t.DatabasePort),
		nullIfEmpty(t.DatabaseUsername), nullIfEmpty(t.DatabasePassword),
		nullIfEmpty(t.CredentialProfile))
	return execExpectOne(tag, err, "update tenant %s", t.ID)
}

func (d *Directory) SoftDelete(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE tenants SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	return execExpectOne(tag, err, "soft delete tenant %s", id)
}

func (d *Directory) ForceDelete(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return execExpectOne(tag, err, "force delete tenant %s", id)
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanTenant(row scannable) (*tenant.Tenant, error) {
	var (
		t        tenant.Tenant
		dataJSON []byte

		domainCol, subdomain, planID, legacyPlan *string
		dbName, dbHost, dbUser, dbPass, profile  *string
		dbPort                                   *int
		expiresAt, deletedAt                     *time.Time
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &domainCol, &subdomain, &t.IsActive, &expiresAt,
		&planID, &legacyPlan, &dataJSON, &dbName, &dbHost, &dbPort,
		&dbUser, &dbPass, &profile, &t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	t.Domain = deref(domainCol)
	t.Subdomain = deref(subdomain)
	t.PlanID = deref(planID)
	t.LegacyPlan = deref(legacyPlan)
	t.DatabaseName = deref(dbName)
	t.DatabaseHost = deref(dbHost)
	t.DatabaseUsername = deref(dbUser)
	t.DatabasePassword = deref(dbPass)
	t.CredentialProfile = deref(profile)
	if dbPort != nil {
		t.DatabasePort = *dbPort
	}
	t.ExpiresAt = expiresAt
	t.DeletedAt = deletedAt

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &t.Data); err != nil {
			return nil, fmt.Errorf("unmarshal tenant data: %w", err)
		}
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullIfEmpty returns nil for empty strings (for nullable columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it wraps the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", domain.ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

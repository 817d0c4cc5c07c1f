package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angelitosystems/tenancy/internal/connection"
)

// Provisioner creates and drops tenant databases using an administrative
// connection to the database server. Statements come from the driver
// table; database names are always generated from a safe character set.
type Provisioner struct {
	admin *pgxpool.Pool
	drv   connection.Driver
}

// NewProvisioner creates a Provisioner. The admin pool must be connected
// to a maintenance database (for PostgreSQL usually "postgres") with
// CREATEDB rights.
func NewProvisioner(admin *pgxpool.Pool, driverName string) (*Provisioner, error) {
	drv, ok := connection.DriverByName(driverName)
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", driverName)
	}
	if !drv.SupportsMultiDatabase {
		return nil, fmt.Errorf("driver %q: %w", driverName, connection.ErrUnsupportedDriver)
	}
	return &Provisioner{admin: admin, drv: drv}, nil
}

// Exists reports whether the named database already exists.
func (p *Provisioner) Exists(ctx context.Context, name string) (bool, error) {
	var found string
	err := p.admin.QueryRow(ctx, p.drv.ExistsQuery, name).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return true, nil
}

// Create creates the named database. Creating an existing database is an
// error for PostgreSQL; call Exists first.
func (p *Provisioner) Create(ctx context.Context, name string) error {
	if _, err := p.admin.Exec(ctx, p.drv.CreateDatabase(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// Drop removes the named database. Dropping a missing database is a no-op.
func (p *Provisioner) Drop(ctx context.Context, name string) error {
	if _, err := p.admin.Exec(ctx, p.drv.DropDatabase(name)); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

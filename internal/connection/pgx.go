package connection

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angelitosystems/tenancy/internal/credentials"
)

// PgxOpener dials a PostgreSQL tenant database through pgxpool. It is the
// default Opener; other drivers in the table describe provisioning
// statements but have no dialer here.
func PgxOpener(ctx context.Context, d *Descriptor) (Handle, error) {
	if d.Driver != "pgsql" {
		return nil, fmt.Errorf("no dialer for driver %q", d.Driver)
	}

	cfg, err := pgxpool.ParseConfig(d.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// PgxProber checks connectivity for a credential profile by opening and
// pinging a short-lived connection. Used by credential validation behind
// the circuit breaker.
func PgxProber(ctx context.Context, f credentials.Fields) error {
	d := &Descriptor{
		Driver:   "pgsql",
		Port:     drivers["pgsql"].DefaultPort,
		Database: "postgres",
	}
	applyFields(d, f)

	h, err := PgxOpener(ctx, d)
	if err != nil {
		return err
	}
	h.Close()
	return nil
}

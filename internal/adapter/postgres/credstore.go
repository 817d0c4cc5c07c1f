package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/domain"
)

// CredentialBackend persists credential profiles in the central database.
// Field values arrive already sealed; this layer never sees plaintext
// secrets.
type CredentialBackend struct {
	pool *pgxpool.Pool
}

// NewCredentialBackend creates a CredentialBackend over the given pool.
func NewCredentialBackend(pool *pgxpool.Pool) *CredentialBackend {
	return &CredentialBackend{pool: pool}
}

func (b *CredentialBackend) Get(ctx context.Context, profile string) (credentials.Fields, error) {
	var fieldsJSON []byte
	err := b.pool.QueryRow(ctx,
		`SELECT fields FROM credential_profiles WHERE name = $1`, profile,
	).Scan(&fieldsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %q: %w", profile, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get profile %q: %w", profile, err)
	}

	var f credentials.Fields
	if err := json.Unmarshal(fieldsJSON, &f); err != nil {
		return nil, fmt.Errorf("unmarshal profile %q: %w", profile, err)
	}
	return f, nil
}

func (b *CredentialBackend) Load(ctx context.Context) (map[string]credentials.Fields, error) {
	rows, err := b.pool.Query(ctx, `SELECT name, fields FROM credential_profiles`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]credentials.Fields)
	for rows.Next() {
		var (
			name       string
			fieldsJSON []byte
		)
		if err := rows.Scan(&name, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var f credentials.Fields
		if err := json.Unmarshal(fieldsJSON, &f); err != nil {
			return nil, fmt.Errorf("unmarshal profile %q: %w", name, err)
		}
		out[name] = f
	}
	return out, rows.Err()
}

func (b *CredentialBackend) Save(ctx context.Context, profile string, f credentials.Fields) error {
	fieldsJSON, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal profile %q: %w", profile, err)
	}

	_, err = b.pool.Exec(ctx,
		`INSERT INTO credential_profiles (name, fields) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET fields = EXCLUDED.fields, updated_at = now()`,
		profile, fieldsJSON)
	if err != nil {
		return fmt.Errorf("save profile %q: %w", profile, err)
	}
	return nil
}

func (b *CredentialBackend) Delete(ctx context.Context, profile string) error {
	if _, err := b.pool.Exec(ctx,
		`DELETE FROM credential_profiles WHERE name = $1`, profile); err != nil {
		return fmt.Errorf("delete profile %q: %w", profile, err)
	}
	return nil
}

// ReplaceAll swaps the full profile set in one transaction. Key rotation
// depends on this being all-or-nothing: any failure rolls back and the
// previous rows stay intact.
func (b *CredentialBackend) ReplaceAll(ctx context.Context, all map[string]credentials.Fields) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM credential_profiles`); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}

	for name, f := range all {
		fieldsJSON, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal profile %q: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credential_profiles (name, fields) VALUES ($1, $2)`,
			name, fieldsJSON); err != nil {
			return fmt.Errorf("insert profile %q: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit profiles: %w", err)
	}
	return nil
}

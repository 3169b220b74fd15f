package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/flagsync/internal/validation"
)

const driverPostgres = "postgres"

// DefaultTable is the table used when none is configured.
const DefaultTable = "flagsync_cache"

// Postgres stores slots as rows of a two column table keyed by slot.
type Postgres struct {
	pool  *pgxpool.Pool
	table string

	selectSQL string
	upsertSQL string
	deleteSQL string
}

// NewPostgres wraps an initialized pool. The table name is quoted as an
// identifier. It panics if pool is nil.
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	validation.AssertNotNil(pool, "postgres pool")
	if table == "" {
		table = DefaultTable
	}
	ident := pgx.Identifier{table}.Sanitize()

	return &Postgres{
		pool:      pool,
		table:     ident,
		selectSQL: fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, ident),
		upsertSQL: fmt.Sprintf(`
			INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, ident),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, ident),
	}
}

// EnsureSchema creates the table when it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, p.table)

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create storage table %s: %w", p.table, err)
	}
	return nil
}

// Get implements platform.Storage.
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx, p.selectSQL, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		observe(driverPostgres, opGet, nil)
		return "", false, nil
	}
	observe(driverPostgres, opGet, err)
	if err != nil {
		return "", false, fmt.Errorf("failed to read slot %q from postgres: %w", key, err)
	}
	return v, true, nil
}

// Set implements platform.Storage.
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, p.upsertSQL, key, value)
	observe(driverPostgres, opSet, err)
	if err != nil {
		return fmt.Errorf("failed to write slot %q to postgres: %w", key, err)
	}
	return nil
}

// Clear implements platform.Storage.
func (p *Postgres) Clear(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, p.deleteSQL, key)
	observe(driverPostgres, opClear, err)
	if err != nil {
		return fmt.Errorf("failed to clear slot %q in postgres: %w", key, err)
	}
	return nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Name returns the checker name.
func (p *Postgres) Name() string {
	return driverPostgres
}

// Check verifies the connection using Ping.
func (p *Postgres) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

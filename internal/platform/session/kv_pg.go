package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationSessionKV is the DDL for the portal_session_kv table. It is safe
// to execute more than once.
const MigrationSessionKV = `
CREATE TABLE IF NOT EXISTS portal_session_kv (
    namespace  TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, key)
);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGKV. It lets tests
// run without a real database.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGKV is a PostgreSQL-backed KV. Several portals may share the table by
// using distinct namespaces.
type PGKV struct {
	db        pgConn
	namespace string
}

// NewPGKV creates a PGKV over db.
func NewPGKV(db pgConn, namespace string) *PGKV {
	return &PGKV{db: db, namespace: namespace}
}

// NewPGKVFromPool creates a PGKV over a connection pool.
func NewPGKVFromPool(pool *pgxpool.Pool, namespace string) *PGKV {
	return &PGKV{db: &pgxPoolWrapper{pool: pool}, namespace: namespace}
}

// Migrate creates the backing table if needed.
func (p *PGKV) Migrate(ctx context.Context) error {
	if err := p.db.Exec(ctx, MigrationSessionKV); err != nil {
		return fmt.Errorf("migrate portal_session_kv: %w", err)
	}
	return nil
}

func (p *PGKV) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM portal_session_kv WHERE namespace = $1 AND key = $2`

	var value string
	if err := p.db.QueryRow(ctx, query, p.namespace, key).Scan(&value); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PGKV) Set(ctx context.Context, key, value string) error {
	const query = `INSERT INTO portal_session_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value,
                                           updated_at = EXCLUDED.updated_at`

	if err := p.db.Exec(ctx, query, p.namespace, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *PGKV) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM portal_session_kv WHERE namespace = $1 AND key = $2`

	if err := p.db.Exec(ctx, query, p.namespace, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// isNoRows works with both pgx.ErrNoRows and the mock used in tests.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pgxpool.Pool.Exec returns
// a command tag that PGKV does not need.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

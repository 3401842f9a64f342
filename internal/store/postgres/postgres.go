// Package postgres implements the store backend on a single PostgreSQL
// key/value table. It exists for deployments that already run Postgres and do
// not want a Redis dependency; per-key expiry is modelled with an expires_at
// column checked at read time and scrubbed lazily, since Postgres has no
// native key TTL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/recipegate/recipegate/internal/config"
	"github.com/recipegate/recipegate/internal/store"
)

func init() {
	store.Register("postgres", func(cfg *config.Config) (store.Store, error) {
		return New(&cfg.Store.Postgres)
	})
}

// schema is created idempotently at startup. The backend owns exactly this
// one table, so no migration tooling is involved.
const schema = `
CREATE TABLE IF NOT EXISTS gated_kv (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ
)`

// PostgresStore implements store.Store over a gated_kv table.
type PostgresStore struct {
	db *sqlx.DB
}

// New connects to Postgres and ensures the gated_kv table exists.
func New(cfg *config.PostgresStoreConfig) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %v", store.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: creating gated_kv table: %v", store.ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

// DB exposes the underlying pool for connection statistics export.
func (s *PostgresStore) DB() *sql.DB {
	return s.db.DB
}

// Put upserts value under key. A ttl of zero stores a NULL expires_at.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gated_kv (key, value, created_at, expires_at)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, created_at = now(), expires_at = $3`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("%w: upserting %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the live value for key. Expired rows are reported as absent and
// deleted best-effort.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row struct {
		Value     []byte       `db:"value"`
		ExpiresAt sql.NullTime `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT value, expires_at FROM gated_kv WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: selecting %s: %v", store.ErrUnavailable, key, err)
	}

	if row.ExpiresAt.Valid && time.Now().UTC().After(row.ExpiresAt.Time) {
		// Lazy scrub; losing the race with another reader is harmless.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM gated_kv WHERE key = $1`, key)
		return nil, store.ErrNotFound
	}
	return row.Value, nil
}

// Delete removes key. Absent keys are a no-op.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gated_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// ListKeys returns live keys beginning with prefix in insertion order.
func (s *PostgresStore) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := `
		SELECT key FROM gated_kv
		WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at`
	args := []interface{}{prefix}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var keys []string
	if err := s.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("%w: listing %s*: %v", store.ErrUnavailable, prefix, err)
	}
	return keys, nil
}

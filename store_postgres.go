package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTable = "authstate_values"

// PostgresStore persists session values in a jsonb key/value table.
type PostgresStore struct {
	pool      *pgxpool.Pool
	table     string
	namespace string
}

// PostgresStoreConfig controls the table and key namespace.
type PostgresStoreConfig struct {
	Table     string
	Namespace string
}

// NewPostgresStore wraps an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool, cfg PostgresStoreConfig) *PostgresStore {
	table := cfg.Table
	if table == "" {
		table = defaultPostgresTable
	}
	return &PostgresStore{
		pool:      pool,
		table:     pgx.Identifier{table}.Sanitize(),
		namespace: cfg.Namespace,
	}
}

// EnsureSchema creates the backing table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
)`, p.table))
	return err
}

// Store implements Store.
func (p *PostgresStore) Store(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table),
		p.namespace, key, data)
	if err != nil {
		return fmt.Errorf("postgres upsert %s: %w", key, err)
	}
	return nil
}

// Load implements Loader.
func (p *PostgresStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE namespace = $1 AND key = $2`, p.table),
		p.namespace, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres select %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

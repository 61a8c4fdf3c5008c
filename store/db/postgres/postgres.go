package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection from the profile DSN. The pgvector
// extension must be installed; similarity search runs server-side.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	driver := DB{db: postgresDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// placeholder returns the n-th positional placeholder ($1, $2, ...).
func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

// placeholders returns n comma-separated positional placeholders.
func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS memory_item (
		id BIGSERIAL PRIMARY KEY,
		uid TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'raw',
		tier TEXT NOT NULL DEFAULT 'SHORT',
		score_semantic DOUBLE PRECISION NOT NULL DEFAULT 0,
		score_recency DOUBLE PRECISION NOT NULL DEFAULT 0,
		score_outcome DOUBLE PRECISION NOT NULL DEFAULT 0,
		score_frequency DOUBLE PRECISION NOT NULL DEFAULT 0,
		score_correction DOUBLE PRECISION NOT NULL DEFAULT 0,
		composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		access_count INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		created_ts BIGINT NOT NULL,
		last_accessed_ts BIGINT NOT NULL
	)`,
	// Fingerprint uniqueness per owner is enforced on the insertion path;
	// the weekly dedup sweep collapses duplicates, so this is a plain index.
	`CREATE INDEX IF NOT EXISTS idx_memory_item_owner_fingerprint ON memory_item(owner_id, fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_item_owner_tier ON memory_item(owner_id, tier)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_item_last_accessed ON memory_item(last_accessed_ts)`,
	`CREATE TABLE IF NOT EXISTS memory_item_embedding (
		id BIGSERIAL PRIMARY KEY,
		memory_item_id BIGINT NOT NULL REFERENCES memory_item(id) ON DELETE CASCADE,
		embedding vector(1536) NOT NULL,
		model TEXT NOT NULL,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		UNIQUE(memory_item_id, model)
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entry (
		id BIGSERIAL PRIMARY KEY,
		uid TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL,
		query_fingerprint TEXT NOT NULL,
		query TEXT NOT NULL,
		answer TEXT NOT NULL,
		query_type TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		ttl_class TEXT NOT NULL DEFAULT 'default',
		quality DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		user_verified BOOLEAN NOT NULL DEFAULT FALSE,
		negative_feedback INTEGER NOT NULL DEFAULT 0,
		demoted BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		expires_ts BIGINT NOT NULL DEFAULT 0,
		UNIQUE(owner_id, query_fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entry_embedding (
		id BIGSERIAL PRIMARY KEY,
		cache_entry_id BIGINT NOT NULL REFERENCES cache_entry(id) ON DELETE CASCADE,
		embedding vector(1536) NOT NULL,
		model TEXT NOT NULL,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		UNIQUE(cache_entry_id, model)
	)`,
	`CREATE TABLE IF NOT EXISTS review_flag (
		id BIGSERIAL PRIMARY KEY,
		uid TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL,
		target_store TEXT NOT NULL,
		target_id BIGINT NOT NULL,
		source_store TEXT NOT NULL,
		source_id BIGINT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		created_ts BIGINT NOT NULL,
		UNIQUE(target_store, target_id, source_store, source_id)
	)`,
}

// Migrate applies the latest schema. All statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

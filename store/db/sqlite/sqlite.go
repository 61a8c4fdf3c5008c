package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

// ============================================================================
// SQLITE SUPPORT POLICY
// ============================================================================
// SQLite is supported for development, testing and small single-user
// deployments. Vector similarity search is computed in the application layer
// (brute-force cosine over owner-scoped rows) because modernc.org/sqlite has
// no vector index. Production deployments with large memory spaces should use
// the PostgreSQL driver, which searches via pgvector.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database referenced by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// WAL journal mode and a busy timeout prevent locking issues between the
	// request paths and the background sweeps sharing one file.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const latestSchema = `
CREATE TABLE IF NOT EXISTS memory_item (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	owner_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'raw',
	tier TEXT NOT NULL DEFAULT 'SHORT',
	score_semantic REAL NOT NULL DEFAULT 0,
	score_recency REAL NOT NULL DEFAULT 0,
	score_outcome REAL NOT NULL DEFAULT 0,
	score_frequency REAL NOT NULL DEFAULT 0,
	score_correction REAL NOT NULL DEFAULT 0,
	composite_score REAL NOT NULL DEFAULT 0,
	sensitive INTEGER NOT NULL DEFAULT 0,
	access_count INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	created_ts BIGINT NOT NULL,
	last_accessed_ts BIGINT NOT NULL
);

-- Fingerprint uniqueness per owner is enforced on the insertion path; the
-- weekly dedup sweep collapses any duplicates that slip through races or
-- imports, so this stays a plain index.
CREATE INDEX IF NOT EXISTS idx_memory_item_owner_fingerprint ON memory_item(owner_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_memory_item_owner_tier ON memory_item(owner_id, tier);
CREATE INDEX IF NOT EXISTS idx_memory_item_last_accessed ON memory_item(last_accessed_ts);

CREATE TABLE IF NOT EXISTS memory_item_embedding (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_item_id INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	model TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL,
	UNIQUE(memory_item_id, model)
);

CREATE TABLE IF NOT EXISTS cache_entry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	owner_id INTEGER NOT NULL,
	query_fingerprint TEXT NOT NULL,
	query TEXT NOT NULL,
	answer TEXT NOT NULL,
	query_type TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	ttl_class TEXT NOT NULL DEFAULT 'default',
	quality REAL NOT NULL DEFAULT 0.5,
	user_verified INTEGER NOT NULL DEFAULT 0,
	negative_feedback INTEGER NOT NULL DEFAULT 0,
	demoted INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL DEFAULT 0,
	UNIQUE(owner_id, query_fingerprint)
);

CREATE TABLE IF NOT EXISTS cache_entry_embedding (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache_entry_id INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	model TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL,
	UNIQUE(cache_entry_id, model)
);

CREATE TABLE IF NOT EXISTS review_flag (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
);
`

// Migrate applies the latest schema. All statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

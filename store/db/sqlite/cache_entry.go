package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

func (d *DB) CreateCacheEntry(ctx context.Context, create *store.CacheEntry) (*store.CacheEntry, error) {
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	if create.TTLClass == "" {
		create.TTLClass = store.TTLClassDefault
	}

	// Concurrent admissions for one fingerprint converge to a single live
	// entry: the second writer replaces the first. Feedback history belongs
	// to the replaced answer, so the demotion state resets with it.
	stmt := `
		INSERT INTO cache_entry (
			uid, owner_id, query_fingerprint, query, answer, query_type, provider,
			ttl_class, quality, user_verified, negative_feedback, demoted, created_ts, expires_ts
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, query_fingerprint)
		DO UPDATE SET
			answer = EXCLUDED.answer,
			query_type = EXCLUDED.query_type,
			provider = EXCLUDED.provider,
			ttl_class = EXCLUDED.ttl_class,
			quality = EXCLUDED.quality,
			user_verified = 0,
			negative_feedback = 0,
			demoted = 0,
			created_ts = EXCLUDED.created_ts,
			expires_ts = EXCLUDED.expires_ts
		RETURNING id, uid, negative_feedback, demoted
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID, create.OwnerID, create.QueryFingerprint, create.Query, create.Answer,
		create.QueryType, create.Provider, create.TTLClass, create.Quality,
		create.UserVerified, create.NegativeFeedback, create.Demoted, create.CreatedTs, create.ExpiresTs,
	).Scan(&create.ID, &create.UID, &create.NegativeFeedback, &create.Demoted); err != nil {
		return nil, errors.Wrap(err, "failed to create cache entry")
	}
	return create, nil
}

func (d *DB) ListCacheEntries(ctx context.Context, find *store.FindCacheEntry) ([]*store.CacheEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *find.OwnerID)
	}
	if find.QueryFingerprint != nil {
		where, args = append(where, "query_fingerprint = ?"), append(args, *find.QueryFingerprint)
	}
	if !find.IncludeDemoted {
		where = append(where, "demoted = 0")
	}

	query := `
		SELECT
			id, uid, owner_id, query_fingerprint, query, answer, query_type, provider,
			ttl_class, quality, user_verified, negative_feedback, demoted, created_ts, expires_ts
		FROM cache_entry
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC
	`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}
	defer rows.Close()

	list := []*store.CacheEntry{}
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) UpdateCacheEntry(ctx context.Context, update *store.UpdateCacheEntry) (*store.CacheEntry, error) {
	set, args := []string{}, []any{}

	if update.Quality != nil {
		set, args = append(set, "quality = ?"), append(args, *update.Quality)
	}
	if update.UserVerified != nil {
		set, args = append(set, "user_verified = ?"), append(args, *update.UserVerified)
	}
	if update.Demoted != nil {
		set, args = append(set, "demoted = ?"), append(args, *update.Demoted)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `
		UPDATE cache_entry
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ?
		RETURNING
			id, uid, owner_id, query_fingerprint, query, answer, query_type, provider,
			ttl_class, quality, user_verified, negative_feedback, demoted, created_ts, expires_ts
	`
	entry, err := scanCacheEntry(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update cache entry")
	}
	return entry, nil
}

func (d *DB) DeleteCacheEntries(ctx context.Context, delete *store.DeleteCacheEntry) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}
	if delete.ID != nil {
		where, args = append(where, "id = ?"), append(args, *delete.ID)
	}
	if delete.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *delete.OwnerID)
	}
	if delete.ExpiredBefore != nil {
		where, args = append(where, "expires_ts > 0 AND expires_ts < ?"), append(args, *delete.ExpiredBefore)
	}
	if len(args) == 0 {
		return 0, errors.New("refusing unconditional delete")
	}

	stmt := `DELETE FROM cache_entry WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete cache entries")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (d *DB) DemoteCacheEntry(ctx context.Context, id int64) (bool, error) {
	stmt := `
		UPDATE cache_entry
		SET demoted = 1
		WHERE id = ? AND demoted = 0
	`
	result, err := d.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to demote cache entry")
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (d *DB) IncrementCacheNegativeFeedback(ctx context.Context, id int64) (int, error) {
	stmt := `
		UPDATE cache_entry
		SET negative_feedback = negative_feedback + 1
		WHERE id = ?
		RETURNING negative_feedback
	`
	var count int
	if err := d.db.QueryRowContext(ctx, stmt, id).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to increment negative feedback")
	}
	return count, nil
}

func scanCacheEntry(row rowScanner) (*store.CacheEntry, error) {
	var entry store.CacheEntry
	if err := row.Scan(
		&entry.ID, &entry.UID, &entry.OwnerID, &entry.QueryFingerprint, &entry.Query, &entry.Answer,
		&entry.QueryType, &entry.Provider, &entry.TTLClass, &entry.Quality,
		&entry.UserVerified, &entry.NegativeFeedback, &entry.Demoted, &entry.CreatedTs, &entry.ExpiresTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan cache entry")
	}
	return &entry, nil
}

package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

func (d *DB) UpsertReviewFlag(ctx context.Context, upsert *store.ReviewFlag) (*store.ReviewFlag, error) {
	if upsert.UID == "" {
		upsert.UID = uuid.NewString()
	}
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = time.Now().Unix()
	}
	if upsert.Priority == "" {
		upsert.Priority = "normal"
	}

	// A repeated propagation for the same (target, source) pair is a no-op.
	stmt := `
		INSERT INTO review_flag (uid, owner_id, target_store, target_id, source_store, source_id, reason, priority, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_store, target_id, source_store, source_id) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.UID, upsert.OwnerID, upsert.TargetStore, upsert.TargetID,
		upsert.SourceStore, upsert.SourceID, upsert.Reason, upsert.Priority, upsert.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert review flag")
	}

	query := `
		SELECT id, uid, owner_id, target_store, target_id, source_store, source_id, reason, priority, created_ts
		FROM review_flag
		WHERE target_store = ? AND target_id = ? AND source_store = ? AND source_id = ?
	`
	var flag store.ReviewFlag
	if err := d.db.QueryRowContext(ctx, query,
		upsert.TargetStore, upsert.TargetID, upsert.SourceStore, upsert.SourceID,
	).Scan(
		&flag.ID, &flag.UID, &flag.OwnerID, &flag.TargetStore, &flag.TargetID,
		&flag.SourceStore, &flag.SourceID, &flag.Reason, &flag.Priority, &flag.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to read review flag")
	}
	return &flag, nil
}

func (d *DB) ListReviewFlags(ctx context.Context, find *store.FindReviewFlag) ([]*store.ReviewFlag, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *find.OwnerID)
	}
	if find.TargetStore != nil {
		where, args = append(where, "target_store = ?"), append(args, *find.TargetStore)
	}
	if find.TargetID != nil {
		where, args = append(where, "target_id = ?"), append(args, *find.TargetID)
	}
	if find.SourceStore != nil {
		where, args = append(where, "source_store = ?"), append(args, *find.SourceStore)
	}
	if find.SourceID != nil {
		where, args = append(where, "source_id = ?"), append(args, *find.SourceID)
	}

	query := `
		SELECT id, uid, owner_id, target_store, target_id, source_store, source_id, reason, priority, created_ts
		FROM review_flag
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC
	`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list review flags")
	}
	defer rows.Close()

	list := []*store.ReviewFlag{}
	for rows.Next() {
		var flag store.ReviewFlag
		if err := rows.Scan(
			&flag.ID, &flag.UID, &flag.OwnerID, &flag.TargetStore, &flag.TargetID,
			&flag.SourceStore, &flag.SourceID, &flag.Reason, &flag.Priority, &flag.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan review flag")
		}
		list = append(list, &flag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) DeleteReviewFlags(ctx context.Context, delete *store.DeleteReviewFlag) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}
	if delete.ID != nil {
		where, args = append(where, "id = ?"), append(args, *delete.ID)
	}
	if delete.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *delete.OwnerID)
	}
	if len(args) == 0 {
		return 0, errors.New("refusing unconditional delete")
	}

	stmt := `DELETE FROM review_flag WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete review flags")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

func (d *DB) CreateMemoryItem(ctx context.Context, create *store.MemoryItem) (*store.MemoryItem, error) {
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	if create.LastAccessedTs == 0 {
		create.LastAccessedTs = create.CreatedTs
	}
	if create.Tier == "" {
		create.Tier = store.TierShort
	}
	if create.Kind == "" {
		create.Kind = store.KindRaw
	}
	tags, err := json.Marshal(create.Tags)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tags")
	}

	stmt := `
		INSERT INTO memory_item (
			uid, owner_id, content, fingerprint, kind, tier,
			score_semantic, score_recency, score_outcome, score_frequency, score_correction,
			composite_score, sensitive, access_count, tags, created_ts, last_accessed_ts
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID, create.OwnerID, create.Content, create.Fingerprint, create.Kind, create.Tier,
		create.ScoreSemantic, create.ScoreRecency, create.ScoreOutcome, create.ScoreFrequency, create.ScoreCorrection,
		create.CompositeScore, create.Sensitive, create.AccessCount, string(tags), create.CreatedTs, create.LastAccessedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create memory item")
	}
	return create, nil
}

func (d *DB) ListMemoryItems(ctx context.Context, find *store.FindMemoryItem) ([]*store.MemoryItem, error) {
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
	if find.Kind != nil {
		where, args = append(where, "kind = ?"), append(args, *find.Kind)
	}
	if find.Tier != nil {
		where, args = append(where, "tier = ?"), append(args, *find.Tier)
	}
	if find.Fingerprint != nil {
		where, args = append(where, "fingerprint = ?"), append(args, *find.Fingerprint)
	}
	if find.IdleBefore != nil {
		where, args = append(where, "last_accessed_ts < ?"), append(args, *find.IdleBefore)
	}
	if find.CreatedBefore != nil {
		where, args = append(where, "created_ts < ?"), append(args, *find.CreatedBefore)
	}
	if find.ScoreBelow != nil {
		where, args = append(where, "composite_score < ?"), append(args, *find.ScoreBelow)
	}

	query := `
		SELECT
			id, uid, owner_id, content, fingerprint, kind, tier,
			score_semantic, score_recency, score_outcome, score_frequency, score_correction,
			composite_score, sensitive, access_count, tags, created_ts, last_accessed_ts
		FROM memory_item
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id ASC
	`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memory items")
	}
	defer rows.Close()

	list := []*store.MemoryItem{}
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) UpdateMemoryItem(ctx context.Context, update *store.UpdateMemoryItem) (*store.MemoryItem, error) {
	set, args := []string{}, []any{}

	if update.Tier != nil {
		set, args = append(set, "tier = ?"), append(args, *update.Tier)
	}
	if update.ScoreRecency != nil {
		set, args = append(set, "score_recency = ?"), append(args, *update.ScoreRecency)
	}
	if update.CompositeScore != nil {
		set, args = append(set, "composite_score = ?"), append(args, *update.CompositeScore)
	}
	if update.AccessCount != nil {
		set, args = append(set, "access_count = ?"), append(args, *update.AccessCount)
	}
	if update.LastAccessedTs != nil {
		set, args = append(set, "last_accessed_ts = ?"), append(args, *update.LastAccessedTs)
	}
	if update.Tags != nil {
		tags, err := json.Marshal(*update.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal tags")
		}
		set, args = append(set, "tags = ?"), append(args, string(tags))
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	// Score and tier land in one statement so no reader observes one without
	// the other.
	stmt := `
		UPDATE memory_item
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ?
		RETURNING
			id, uid, owner_id, content, fingerprint, kind, tier,
			score_semantic, score_recency, score_outcome, score_frequency, score_correction,
			composite_score, sensitive, access_count, tags, created_ts, last_accessed_ts
	`
	item, err := scanMemoryItem(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update memory item")
	}
	return item, nil
}

func (d *DB) DeleteMemoryItem(ctx context.Context, delete *store.DeleteMemoryItem) error {
	where, args := []string{"1 = 1"}, []any{}
	if delete.ID != nil {
		where, args = append(where, "id = ?"), append(args, *delete.ID)
	}
	if delete.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *delete.OwnerID)
	}
	if len(args) == 0 {
		return errors.New("refusing unconditional delete")
	}
	stmt := `DELETE FROM memory_item WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete memory item")
	}
	return nil
}

func (d *DB) BumpMemoryItemAccess(ctx context.Context, id int64, delta int, nowTs int64) (int, error) {
	stmt := `
		UPDATE memory_item
		SET access_count = access_count + ?, last_accessed_ts = ?
		WHERE id = ?
		RETURNING access_count
	`
	var count int
	if err := d.db.QueryRowContext(ctx, stmt, delta, nowTs, id).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to bump memory item access")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryItem(row rowScanner) (*store.MemoryItem, error) {
	var item store.MemoryItem
	var tags string
	if err := row.Scan(
		&item.ID, &item.UID, &item.OwnerID, &item.Content, &item.Fingerprint, &item.Kind, &item.Tier,
		&item.ScoreSemantic, &item.ScoreRecency, &item.ScoreOutcome, &item.ScoreFrequency, &item.ScoreCorrection,
		&item.CompositeScore, &item.Sensitive, &item.AccessCount, &tags, &item.CreatedTs, &item.LastAccessedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan memory item")
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tags")
	}
	return &item, nil
}

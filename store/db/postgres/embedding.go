package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

func (d *DB) UpsertMemoryItemEmbedding(ctx context.Context, embedding *store.MemoryItemEmbedding) (*store.MemoryItemEmbedding, error) {
	now := time.Now().Unix()
	if embedding.CreatedTs == 0 {
		embedding.CreatedTs = now
	}
	embedding.UpdatedTs = now

	stmt := `
		INSERT INTO memory_item_embedding (memory_item_id, embedding, model, created_ts, updated_ts)
		VALUES (` + placeholders(5) + `)
		ON CONFLICT (memory_item_id, model)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_ts = EXCLUDED.updated_ts
		RETURNING id, created_ts, updated_ts
	`
	vector := pgvector.NewVector(embedding.Embedding)
	if err := d.db.QueryRowContext(ctx, stmt,
		embedding.MemoryItemID, vector, embedding.Model, embedding.CreatedTs, embedding.UpdatedTs,
	).Scan(&embedding.ID, &embedding.CreatedTs, &embedding.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert memory item embedding")
	}
	return embedding, nil
}

func (d *DB) ListMemoryItemEmbeddings(ctx context.Context, find *store.FindMemoryItemEmbedding) ([]*store.MemoryItemEmbedding, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.MemoryItemID != nil {
		where, args = append(where, "memory_item_id = "+placeholder(len(args)+1)), append(args, *find.MemoryItemID)
	}
	if find.Model != nil {
		where, args = append(where, "model = "+placeholder(len(args)+1)), append(args, *find.Model)
	}

	query := `
		SELECT id, memory_item_id, embedding, model, created_ts, updated_ts
		FROM memory_item_embedding
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memory item embeddings")
	}
	defer rows.Close()

	list := []*store.MemoryItemEmbedding{}
	for rows.Next() {
		var embedding store.MemoryItemEmbedding
		var vector pgvector.Vector
		if err := rows.Scan(
			&embedding.ID, &embedding.MemoryItemID, &vector, &embedding.Model,
			&embedding.CreatedTs, &embedding.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory item embedding")
		}
		embedding.Embedding = vector.Slice()
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) DeleteMemoryItemEmbedding(ctx context.Context, memoryItemID int64) error {
	stmt := `DELETE FROM memory_item_embedding WHERE memory_item_id = $1`
	if _, err := d.db.ExecContext(ctx, stmt, memoryItemID); err != nil {
		return errors.Wrap(err, "failed to delete memory item embedding")
	}
	return nil
}

// MemoryVectorSearch ranks memory items by cosine similarity using pgvector.
// Similarity is 1 - cosine distance.
func (d *DB) MemoryVectorSearch(ctx context.Context, search *store.MemoryVectorSearch) ([]*store.MemoryItemMatch, error) {
	vector := pgvector.NewVector(search.Embedding)
	where, args := []string{"1 = 1"}, []any{vector}

	if search.OwnerID != nil {
		where, args = append(where, "mi.owner_id = "+placeholder(len(args)+1)), append(args, *search.OwnerID)
	}
	if search.Kind != nil {
		where, args = append(where, "mi.kind = "+placeholder(len(args)+1)), append(args, *search.Kind)
	}
	if search.ExcludeItemID != nil {
		where, args = append(where, "mi.id != "+placeholder(len(args)+1)), append(args, *search.ExcludeItemID)
	}
	where, args = append(where, "1 - (e.embedding <=> $1) >= "+placeholder(len(args)+1)), append(args, search.MinSimilarity)

	limit := search.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)

	query := `
		SELECT
			mi.id, mi.uid, mi.owner_id, mi.content, mi.fingerprint, mi.kind, mi.tier,
			mi.score_semantic, mi.score_recency, mi.score_outcome, mi.score_frequency, mi.score_correction,
			mi.composite_score, mi.sensitive, mi.access_count, mi.tags, mi.created_ts, mi.last_accessed_ts,
			1 - (e.embedding <=> $1) AS similarity
		FROM memory_item mi
		JOIN memory_item_embedding e ON e.memory_item_id = mi.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.embedding <=> $1
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search memory embeddings")
	}
	defer rows.Close()

	matches := []*store.MemoryItemMatch{}
	for rows.Next() {
		var item store.MemoryItem
		var tags string
		var similarity float32
		if err := rows.Scan(
			&item.ID, &item.UID, &item.OwnerID, &item.Content, &item.Fingerprint, &item.Kind, &item.Tier,
			&item.ScoreSemantic, &item.ScoreRecency, &item.ScoreOutcome, &item.ScoreFrequency, &item.ScoreCorrection,
			&item.CompositeScore, &item.Sensitive, &item.AccessCount, &tags, &item.CreatedTs, &item.LastAccessedTs,
			&similarity,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory item match")
		}
		if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
			item.Tags = nil
		}
		matches = append(matches, &store.MemoryItemMatch{Item: &item, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

func (d *DB) UpsertCacheEntryEmbedding(ctx context.Context, embedding *store.CacheEntryEmbedding) (*store.CacheEntryEmbedding, error) {
	now := time.Now().Unix()
	if embedding.CreatedTs == 0 {
		embedding.CreatedTs = now
	}
	embedding.UpdatedTs = now

	stmt := `
		INSERT INTO cache_entry_embedding (cache_entry_id, embedding, model, created_ts, updated_ts)
		VALUES (` + placeholders(5) + `)
		ON CONFLICT (cache_entry_id, model)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_ts = EXCLUDED.updated_ts
		RETURNING id, created_ts, updated_ts
	`
	vector := pgvector.NewVector(embedding.Embedding)
	if err := d.db.QueryRowContext(ctx, stmt,
		embedding.CacheEntryID, vector, embedding.Model, embedding.CreatedTs, embedding.UpdatedTs,
	).Scan(&embedding.ID, &embedding.CreatedTs, &embedding.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert cache entry embedding")
	}
	return embedding, nil
}

// CacheVectorSearch ranks non-demoted cache entries by cosine similarity.
func (d *DB) ListCacheEntryEmbeddings(ctx context.Context, find *store.FindCacheEntryEmbedding) ([]*store.CacheEntryEmbedding, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.CacheEntryID != nil {
		where, args = append(where, "cache_entry_id = "+placeholder(len(args)+1)), append(args, *find.CacheEntryID)
	}
	if find.Model != nil {
		where, args = append(where, "model = "+placeholder(len(args)+1)), append(args, *find.Model)
	}

	query := `
		SELECT id, cache_entry_id, embedding, model, created_ts, updated_ts
		FROM cache_entry_embedding
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entry embeddings")
	}
	defer rows.Close()

	list := []*store.CacheEntryEmbedding{}
	for rows.Next() {
		var embedding store.CacheEntryEmbedding
		var vector pgvector.Vector
		if err := rows.Scan(
			&embedding.ID, &embedding.CacheEntryID, &vector, &embedding.Model,
			&embedding.CreatedTs, &embedding.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry embedding")
		}
		embedding.Embedding = vector.Slice()
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) CacheVectorSearch(ctx context.Context, search *store.CacheVectorSearch) ([]*store.CacheEntryMatch, error) {
	vector := pgvector.NewVector(search.Embedding)
	where, args := []string{"ce.demoted = FALSE"}, []any{vector}

	if search.OwnerID != nil {
		where, args = append(where, "ce.owner_id = "+placeholder(len(args)+1)), append(args, *search.OwnerID)
	}
	where, args = append(where, "1 - (e.embedding <=> $1) >= "+placeholder(len(args)+1)), append(args, search.MinSimilarity)

	limit := search.Limit
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)

	query := `
		SELECT
			ce.id, ce.uid, ce.owner_id, ce.query_fingerprint, ce.query, ce.answer, ce.query_type, ce.provider,
			ce.ttl_class, ce.quality, ce.user_verified, ce.negative_feedback, ce.demoted, ce.created_ts, ce.expires_ts,
			1 - (e.embedding <=> $1) AS similarity
		FROM cache_entry ce
		JOIN cache_entry_embedding e ON e.cache_entry_id = ce.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.embedding <=> $1
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search cache embeddings")
	}
	defer rows.Close()

	matches := []*store.CacheEntryMatch{}
	for rows.Next() {
		var entry store.CacheEntry
		var similarity float32
		if err := rows.Scan(
			&entry.ID, &entry.UID, &entry.OwnerID, &entry.QueryFingerprint, &entry.Query, &entry.Answer,
			&entry.QueryType, &entry.Provider, &entry.TTLClass, &entry.Quality,
			&entry.UserVerified, &entry.NegativeFeedback, &entry.Demoted, &entry.CreatedTs, &entry.ExpiresTs,
			&similarity,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry match")
		}
		matches = append(matches, &store.CacheEntryMatch{Entry: &entry, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

package sqlite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

// Vector similarity search on SQLite is computed in the application layer:
// candidate embeddings are scanned and ranked by cosine similarity in Go.
// This is adequate for single-user memory spaces (thousands of rows); larger
// deployments should use the PostgreSQL driver.

func (d *DB) UpsertMemoryItemEmbedding(ctx context.Context, embedding *store.MemoryItemEmbedding) (*store.MemoryItemEmbedding, error) {
	now := time.Now().Unix()
	if embedding.CreatedTs == 0 {
		embedding.CreatedTs = now
	}
	embedding.UpdatedTs = now

	stmt := `
		INSERT INTO memory_item_embedding (memory_item_id, embedding, model, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (memory_item_id, model)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_ts = EXCLUDED.updated_ts
		RETURNING id, created_ts, updated_ts
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		embedding.MemoryItemID, encodeVector(embedding.Embedding), embedding.Model,
		embedding.CreatedTs, embedding.UpdatedTs,
	).Scan(&embedding.ID, &embedding.CreatedTs, &embedding.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert memory item embedding")
	}
	return embedding, nil
}

func (d *DB) ListMemoryItemEmbeddings(ctx context.Context, find *store.FindMemoryItemEmbedding) ([]*store.MemoryItemEmbedding, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.MemoryItemID != nil {
		where, args = append(where, "memory_item_id = ?"), append(args, *find.MemoryItemID)
	}
	if find.Model != nil {
		where, args = append(where, "model = ?"), append(args, *find.Model)
	}

	query := `
		SELECT id, memory_item_id, embedding, model, created_ts, updated_ts
		FROM memory_item_embedding
		WHERE ` + joinAnd(where) + `
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
		var blob []byte
		if err := rows.Scan(
			&embedding.ID, &embedding.MemoryItemID, &blob, &embedding.Model,
			&embedding.CreatedTs, &embedding.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory item embedding")
		}
		embedding.Embedding = decodeVector(blob)
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) DeleteMemoryItemEmbedding(ctx context.Context, memoryItemID int64) error {
	stmt := `DELETE FROM memory_item_embedding WHERE memory_item_id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, memoryItemID); err != nil {
		return errors.Wrap(err, "failed to delete memory item embedding")
	}
	return nil
}

func (d *DB) MemoryVectorSearch(ctx context.Context, search *store.MemoryVectorSearch) ([]*store.MemoryItemMatch, error) {
	where, args := []string{"1 = 1"}, []any{}
	if search.OwnerID != nil {
		where, args = append(where, "mi.owner_id = ?"), append(args, *search.OwnerID)
	}
	if search.Kind != nil {
		where, args = append(where, "mi.kind = ?"), append(args, *search.Kind)
	}
	if search.ExcludeItemID != nil {
		where, args = append(where, "mi.id != ?"), append(args, *search.ExcludeItemID)
	}

	query := `
		SELECT
			mi.id, mi.uid, mi.owner_id, mi.content, mi.fingerprint, mi.kind, mi.tier,
			mi.score_semantic, mi.score_recency, mi.score_outcome, mi.score_frequency, mi.score_correction,
			mi.composite_score, mi.sensitive, mi.access_count, mi.tags, mi.created_ts, mi.last_accessed_ts,
			e.embedding
		FROM memory_item mi
		JOIN memory_item_embedding e ON e.memory_item_id = mi.id
		WHERE ` + joinAnd(where)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search memory embeddings")
	}
	defer rows.Close()

	matches := []*store.MemoryItemMatch{}
	for rows.Next() {
		var item store.MemoryItem
		var tags string
		var blob []byte
		if err := rows.Scan(
			&item.ID, &item.UID, &item.OwnerID, &item.Content, &item.Fingerprint, &item.Kind, &item.Tier,
			&item.ScoreSemantic, &item.ScoreRecency, &item.ScoreOutcome, &item.ScoreFrequency, &item.ScoreCorrection,
			&item.CompositeScore, &item.Sensitive, &item.AccessCount, &tags, &item.CreatedTs, &item.LastAccessedTs,
			&blob,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory item match")
		}
		item.Tags = decodeTags(tags)
		sim := cosineSimilarity(search.Embedding, decodeVector(blob))
		if sim < search.MinSimilarity {
			continue
		}
		matches = append(matches, &store.MemoryItemMatch{Item: &item, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if search.Limit > 0 && len(matches) > search.Limit {
		matches = matches[:search.Limit]
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_entry_id, model)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_ts = EXCLUDED.updated_ts
		RETURNING id, created_ts, updated_ts
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		embedding.CacheEntryID, encodeVector(embedding.Embedding), embedding.Model,
		embedding.CreatedTs, embedding.UpdatedTs,
	).Scan(&embedding.ID, &embedding.CreatedTs, &embedding.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert cache entry embedding")
	}
	return embedding, nil
}

func (d *DB) ListCacheEntryEmbeddings(ctx context.Context, find *store.FindCacheEntryEmbedding) ([]*store.CacheEntryEmbedding, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.CacheEntryID != nil {
		where, args = append(where, "cache_entry_id = ?"), append(args, *find.CacheEntryID)
	}
	if find.Model != nil {
		where, args = append(where, "model = ?"), append(args, *find.Model)
	}

	query := `
		SELECT id, cache_entry_id, embedding, model, created_ts, updated_ts
		FROM cache_entry_embedding
		WHERE ` + joinAnd(where) + `
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
		var blob []byte
		if err := rows.Scan(
			&embedding.ID, &embedding.CacheEntryID, &blob, &embedding.Model,
			&embedding.CreatedTs, &embedding.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry embedding")
		}
		embedding.Embedding = decodeVector(blob)
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) CacheVectorSearch(ctx context.Context, search *store.CacheVectorSearch) ([]*store.CacheEntryMatch, error) {
	where, args := []string{"ce.demoted = 0"}, []any{}
	if search.OwnerID != nil {
		where, args = append(where, "ce.owner_id = ?"), append(args, *search.OwnerID)
	}

	query := `
		SELECT
			ce.id, ce.uid, ce.owner_id, ce.query_fingerprint, ce.query, ce.answer, ce.query_type, ce.provider,
			ce.ttl_class, ce.quality, ce.user_verified, ce.negative_feedback, ce.demoted, ce.created_ts, ce.expires_ts,
			e.embedding
		FROM cache_entry ce
		JOIN cache_entry_embedding e ON e.cache_entry_id = ce.id
		WHERE ` + joinAnd(where)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search cache embeddings")
	}
	defer rows.Close()

	matches := []*store.CacheEntryMatch{}
	for rows.Next() {
		var entry store.CacheEntry
		var blob []byte
		if err := rows.Scan(
			&entry.ID, &entry.UID, &entry.OwnerID, &entry.QueryFingerprint, &entry.Query, &entry.Answer,
			&entry.QueryType, &entry.Provider, &entry.TTLClass, &entry.Quality,
			&entry.UserVerified, &entry.NegativeFeedback, &entry.Demoted, &entry.CreatedTs, &entry.ExpiresTs,
			&blob,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache entry match")
		}
		sim := cosineSimilarity(search.Embedding, decodeVector(blob))
		if sim < search.MinSimilarity {
			continue
		}
		matches = append(matches, &store.CacheEntryMatch{Entry: &entry, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if search.Limit > 0 && len(matches) > search.Limit {
		matches = matches[:search.Limit]
	}
	return matches, nil
}

func joinAnd(where []string) string {
	out := where[0]
	for _, w := range where[1:] {
		out += " AND " + w
	}
	return out
}

func decodeTags(tags string) []string {
	// Tags are stored as a JSON array; a scan failure yields no tags rather
	// than failing the whole search.
	out := []string{}
	if tags == "" || tags == "[]" {
		return out
	}
	_ = json.Unmarshal([]byte(tags), &out)
	return out
}

// encodeVector packs a float32 slice into little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks little-endian bytes into a float32 slice.
func decodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

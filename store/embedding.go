package store

// MemoryItemEmbedding stores the vector for one memory item.
type MemoryItemEmbedding struct {
	Model        string
	Embedding    []float32
	ID           int64
	MemoryItemID int64
	CreatedTs    int64
	UpdatedTs    int64
}

// FindMemoryItemEmbedding specifies the conditions for finding item embeddings.
type FindMemoryItemEmbedding struct {
	MemoryItemID *int64
	Model        *string
}

// CacheEntryEmbedding stores the query vector for one cache entry.
type CacheEntryEmbedding struct {
	Model        string
	Embedding    []float32
	ID           int64
	CacheEntryID int64
	CreatedTs    int64
	UpdatedTs    int64
}

// FindCacheEntryEmbedding specifies the conditions for finding cache entry
// embeddings.
type FindCacheEntryEmbedding struct {
	CacheEntryID *int64
	Model        *string
}

// MemoryVectorSearch describes a similarity search over memory item embeddings.
type MemoryVectorSearch struct {
	Embedding     []float32
	Kind          *MemoryKind
	OwnerID       *int32
	ExcludeItemID *int64
	MinSimilarity float32
	Limit         int
}

// MemoryItemMatch is one similarity search result.
type MemoryItemMatch struct {
	Item       *MemoryItem
	Similarity float32
}

// CacheVectorSearch describes a similarity search over cache entry embeddings.
type CacheVectorSearch struct {
	Embedding     []float32
	OwnerID       *int32
	MinSimilarity float32
	Limit         int
}

// CacheEntryMatch is one cache similarity search result.
type CacheEntryMatch struct {
	Entry      *CacheEntry
	Similarity float32
}

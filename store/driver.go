package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// MemoryItem model related methods.
	CreateMemoryItem(ctx context.Context, create *MemoryItem) (*MemoryItem, error)
	ListMemoryItems(ctx context.Context, find *FindMemoryItem) ([]*MemoryItem, error)
	UpdateMemoryItem(ctx context.Context, update *UpdateMemoryItem) (*MemoryItem, error)
	DeleteMemoryItem(ctx context.Context, delete *DeleteMemoryItem) error
	// BumpMemoryItemAccess atomically adds delta to the item's access count
	// and refreshes last_accessed_ts. Returns the new count.
	BumpMemoryItemAccess(ctx context.Context, id int64, delta int, nowTs int64) (int, error)

	// MemoryItem embedding related methods.
	UpsertMemoryItemEmbedding(ctx context.Context, embedding *MemoryItemEmbedding) (*MemoryItemEmbedding, error)
	ListMemoryItemEmbeddings(ctx context.Context, find *FindMemoryItemEmbedding) ([]*MemoryItemEmbedding, error)
	DeleteMemoryItemEmbedding(ctx context.Context, memoryItemID int64) error
	MemoryVectorSearch(ctx context.Context, search *MemoryVectorSearch) ([]*MemoryItemMatch, error)

	// CacheEntry model related methods.
	CreateCacheEntry(ctx context.Context, create *CacheEntry) (*CacheEntry, error)
	ListCacheEntries(ctx context.Context, find *FindCacheEntry) ([]*CacheEntry, error)
	UpdateCacheEntry(ctx context.Context, update *UpdateCacheEntry) (*CacheEntry, error)
	DeleteCacheEntries(ctx context.Context, delete *DeleteCacheEntry) (int64, error)
	// IncrementCacheNegativeFeedback atomically increments the negative
	// feedback counter and returns the new value.
	IncrementCacheNegativeFeedback(ctx context.Context, id int64) (int, error)
	// DemoteCacheEntry sets the demoted flag if it is not already set.
	// Returns true only for the call that performed the transition, so
	// concurrent callers and retries agree on who fires propagation.
	DemoteCacheEntry(ctx context.Context, id int64) (bool, error)
	UpsertCacheEntryEmbedding(ctx context.Context, embedding *CacheEntryEmbedding) (*CacheEntryEmbedding, error)
	ListCacheEntryEmbeddings(ctx context.Context, find *FindCacheEntryEmbedding) ([]*CacheEntryEmbedding, error)
	CacheVectorSearch(ctx context.Context, search *CacheVectorSearch) ([]*CacheEntryMatch, error)

	// ReviewFlag model related methods.
	// UpsertReviewFlag is a no-op when a flag already exists for the same
	// (target_store, target_id, source_store, source_id) tuple.
	UpsertReviewFlag(ctx context.Context, upsert *ReviewFlag) (*ReviewFlag, error)
	ListReviewFlags(ctx context.Context, find *FindReviewFlag) ([]*ReviewFlag, error)
	DeleteReviewFlags(ctx context.Context, delete *DeleteReviewFlag) (int64, error)
}

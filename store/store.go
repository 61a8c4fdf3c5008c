package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
	sealer  *ContentSealer

	// Cache settings
	cacheConfig cache.Config

	// Caches
	itemCache  *cache.Cache // hot memory items keyed by UID
	entryCache *cache.Cache // hot cache entries keyed by query fingerprint
}

// New creates a new instance of Store.
func New(driver Driver, instanceProfile *profile.Profile) (*Store, error) {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        1000,
	}

	var sealer *ContentSealer
	if instanceProfile.ContentEncryptionKey != "" {
		var err error
		sealer, err = NewContentSealer(instanceProfile.ContentEncryptionKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to init content sealer")
		}
	}

	return &Store{
		driver:      driver,
		profile:     instanceProfile,
		sealer:      sealer,
		cacheConfig: cacheConfig,
		itemCache:   cache.New(cacheConfig),
		entryCache:  cache.New(cacheConfig),
	}, nil
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.itemCache.Close()
	s.entryCache.Close()
	return s.driver.Close()
}

// ContentFingerprint derives the dedup hash for a content payload. Content is
// normalized (whitespace collapsed, lowercased) before hashing so trivially
// reformatted duplicates collide.
func ContentFingerprint(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// CreateMemoryItem persists a new item. When an item with the same
// (owner, fingerprint) already exists, the insert is a no-op that bumps the
// existing item's access count instead and returns it.
func (s *Store) CreateMemoryItem(ctx context.Context, create *MemoryItem) (*MemoryItem, error) {
	if create.Fingerprint == "" {
		create.Fingerprint = ContentFingerprint(create.Content)
	}

	existing, err := s.driver.ListMemoryItems(ctx, &FindMemoryItem{
		OwnerID:     &create.OwnerID,
		Fingerprint: &create.Fingerprint,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		item := existing[0]
		if _, err := s.driver.BumpMemoryItemAccess(ctx, item.ID, 1, time.Now().Unix()); err != nil {
			return nil, err
		}
		item.AccessCount++
		return s.openItem(item)
	}

	sealed, err := s.sealer.Seal(create.Content)
	if err != nil {
		return nil, err
	}
	plain := create.Content
	create.Content = sealed
	item, err := s.driver.CreateMemoryItem(ctx, create)
	if err != nil {
		return nil, err
	}
	item.Content = plain
	return item, nil
}

func (s *Store) ListMemoryItems(ctx context.Context, find *FindMemoryItem) ([]*MemoryItem, error) {
	items, err := s.driver.ListMemoryItems(ctx, find)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if _, err := s.openItem(item); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *Store) GetMemoryItem(ctx context.Context, find *FindMemoryItem) (*MemoryItem, error) {
	if find.UID != nil {
		if v, ok := s.itemCache.Get(*find.UID); ok {
			return v.(*MemoryItem), nil
		}
	}
	find.Limit = 1
	items, err := s.ListMemoryItems(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	s.itemCache.Set(items[0].UID, items[0])
	return items[0], nil
}

func (s *Store) UpdateMemoryItem(ctx context.Context, update *UpdateMemoryItem) (*MemoryItem, error) {
	item, err := s.driver.UpdateMemoryItem(ctx, update)
	if err != nil {
		return nil, err
	}
	if _, err := s.openItem(item); err != nil {
		return nil, err
	}
	s.itemCache.Delete(item.UID)
	return item, nil
}

func (s *Store) DeleteMemoryItem(ctx context.Context, delete *DeleteMemoryItem) error {
	if delete.ID != nil {
		if err := s.driver.DeleteMemoryItemEmbedding(ctx, *delete.ID); err != nil {
			return err
		}
	}
	return s.driver.DeleteMemoryItem(ctx, delete)
}

func (s *Store) BumpMemoryItemAccess(ctx context.Context, id int64, delta int, nowTs int64) (int, error) {
	return s.driver.BumpMemoryItemAccess(ctx, id, delta, nowTs)
}

func (s *Store) UpsertMemoryItemEmbedding(ctx context.Context, embedding *MemoryItemEmbedding) (*MemoryItemEmbedding, error) {
	return s.driver.UpsertMemoryItemEmbedding(ctx, embedding)
}

func (s *Store) ListMemoryItemEmbeddings(ctx context.Context, find *FindMemoryItemEmbedding) ([]*MemoryItemEmbedding, error) {
	return s.driver.ListMemoryItemEmbeddings(ctx, find)
}

func (s *Store) MemoryVectorSearch(ctx context.Context, search *MemoryVectorSearch) ([]*MemoryItemMatch, error) {
	matches, err := s.driver.MemoryVectorSearch(ctx, search)
	if err != nil {
		return nil, err
	}
	for _, match := range matches {
		if _, err := s.openItem(match.Item); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// entryKey builds the hot-cache key for a cache entry. Fingerprints are only
// unique per owner, so the owner is part of the key.
func entryKey(ownerID int32, fingerprint string) string {
	return fmt.Sprintf("%d|%s", ownerID, fingerprint)
}

func (s *Store) CreateCacheEntry(ctx context.Context, create *CacheEntry) (*CacheEntry, error) {
	entry, err := s.driver.CreateCacheEntry(ctx, create)
	if err != nil {
		return nil, err
	}
	s.entryCache.Delete(entryKey(entry.OwnerID, entry.QueryFingerprint))
	return entry, nil
}

func (s *Store) ListCacheEntries(ctx context.Context, find *FindCacheEntry) ([]*CacheEntry, error) {
	return s.driver.ListCacheEntries(ctx, find)
}

func (s *Store) GetCacheEntryByFingerprint(ctx context.Context, ownerID int32, fingerprint string) (*CacheEntry, error) {
	key := entryKey(ownerID, fingerprint)
	if v, ok := s.entryCache.Get(key); ok {
		return v.(*CacheEntry), nil
	}
	entries, err := s.driver.ListCacheEntries(ctx, &FindCacheEntry{
		OwnerID:          &ownerID,
		QueryFingerprint: &fingerprint,
		Limit:            1,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	s.entryCache.Set(key, entries[0])
	return entries[0], nil
}

func (s *Store) UpdateCacheEntry(ctx context.Context, update *UpdateCacheEntry) (*CacheEntry, error) {
	entry, err := s.driver.UpdateCacheEntry(ctx, update)
	if err != nil {
		return nil, err
	}
	s.entryCache.Delete(entryKey(entry.OwnerID, entry.QueryFingerprint))
	return entry, nil
}

func (s *Store) DeleteCacheEntries(ctx context.Context, delete *DeleteCacheEntry) (int64, error) {
	return s.driver.DeleteCacheEntries(ctx, delete)
}

func (s *Store) IncrementCacheNegativeFeedback(ctx context.Context, id int64) (int, error) {
	return s.driver.IncrementCacheNegativeFeedback(ctx, id)
}

// DemoteCacheEntry marks the entry demoted. It reports true only when this
// call performed the transition.
func (s *Store) DemoteCacheEntry(ctx context.Context, entry *CacheEntry) (bool, error) {
	transitioned, err := s.driver.DemoteCacheEntry(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	s.entryCache.Delete(entryKey(entry.OwnerID, entry.QueryFingerprint))
	return transitioned, nil
}

func (s *Store) UpsertCacheEntryEmbedding(ctx context.Context, embedding *CacheEntryEmbedding) (*CacheEntryEmbedding, error) {
	return s.driver.UpsertCacheEntryEmbedding(ctx, embedding)
}

func (s *Store) ListCacheEntryEmbeddings(ctx context.Context, find *FindCacheEntryEmbedding) ([]*CacheEntryEmbedding, error) {
	return s.driver.ListCacheEntryEmbeddings(ctx, find)
}

func (s *Store) CacheVectorSearch(ctx context.Context, search *CacheVectorSearch) ([]*CacheEntryMatch, error) {
	return s.driver.CacheVectorSearch(ctx, search)
}

func (s *Store) UpsertReviewFlag(ctx context.Context, upsert *ReviewFlag) (*ReviewFlag, error) {
	return s.driver.UpsertReviewFlag(ctx, upsert)
}

func (s *Store) ListReviewFlags(ctx context.Context, find *FindReviewFlag) ([]*ReviewFlag, error) {
	return s.driver.ListReviewFlags(ctx, find)
}

func (s *Store) DeleteReviewFlags(ctx context.Context, delete *DeleteReviewFlag) (int64, error) {
	return s.driver.DeleteReviewFlags(ctx, delete)
}

func (s *Store) openItem(item *MemoryItem) (*MemoryItem, error) {
	opened, err := s.sealer.Open(item.Content)
	if err != nil {
		return nil, err
	}
	item.Content = opened
	return item, nil
}

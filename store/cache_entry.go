package store

// TTLClass controls how long a cache entry lives.
type TTLClass string

const (
	TTLClassDefinition TTLClass = "definition" // stable facts, long-lived
	TTLClassTemporal   TTLClass = "temporal"   // time-sensitive or web-sourced
	TTLClassPermanent  TTLClass = "permanent"  // explicitly time-invariant
	TTLClassDefault    TTLClass = "default"
)

// CacheEntry represents a cached question -> answer pair eligible for reuse.
type CacheEntry struct {
	UID              string
	QueryFingerprint string // hash of the normalized query
	Query            string
	Answer           string
	QueryType        string
	Provider         string // originating agent/provider identifier
	TTLClass         TTLClass
	ID               int64
	CreatedTs        int64
	ExpiresTs        int64 // 0 means never expires
	Quality          float64
	NegativeFeedback int
	OwnerID          int32
	UserVerified     bool
	Demoted          bool
}

// Expired reports whether the entry is past its TTL at the given unix time.
func (e *CacheEntry) Expired(nowTs int64) bool {
	return e.ExpiresTs > 0 && nowTs >= e.ExpiresTs
}

// FindCacheEntry specifies the conditions for finding cache entries.
type FindCacheEntry struct {
	ID               *int64
	UID              *string
	OwnerID          *int32
	QueryFingerprint *string
	IncludeDemoted   bool
	Limit            int
}

// UpdateCacheEntry specifies a partial update of one cache entry.
type UpdateCacheEntry struct {
	ID           int64
	Quality      *float64
	UserVerified *bool
	Demoted      *bool
}

// DeleteCacheEntry specifies the conditions for deleting cache entries.
type DeleteCacheEntry struct {
	ID            *int64
	OwnerID       *int32
	ExpiredBefore *int64 // delete entries with 0 < expires_ts < this
}

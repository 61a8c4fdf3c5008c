package store

// MemoryTier classifies how long a memory item is retained.
type MemoryTier string

const (
	TierShort MemoryTier = "SHORT"
	TierMid   MemoryTier = "MID"
	TierLong  MemoryTier = "LONG"
)

// MemoryKind distinguishes the raw Q&A store from the extracted knowledge store.
type MemoryKind string

const (
	KindRaw       MemoryKind = "raw"
	KindKnowledge MemoryKind = "knowledge"
)

// MemoryItem represents a retained fact or raw Q&A pair.
type MemoryItem struct {
	Tags            []string
	UID             string
	Content         string
	Fingerprint     string // content-derived hash, unique per owner
	Tier            MemoryTier
	Kind            MemoryKind
	ID              int64
	CreatedTs       int64
	LastAccessedTs  int64
	ScoreSemantic   float64
	ScoreRecency    float64
	ScoreOutcome    float64
	ScoreFrequency  float64
	ScoreCorrection float64
	CompositeScore  float64
	AccessCount     int
	OwnerID         int32
	Sensitive       bool
}

// FindMemoryItem specifies the conditions for finding memory items.
type FindMemoryItem struct {
	ID            *int64
	UID           *string
	OwnerID       *int32
	Kind          *MemoryKind
	Tier          *MemoryTier
	Fingerprint   *string
	IdleBefore    *int64 // last_accessed_ts strictly before this
	CreatedBefore *int64
	ScoreBelow    *float64
	Limit         int
	Offset        int
}

// UpdateMemoryItem specifies a partial update of one memory item.
type UpdateMemoryItem struct {
	ID             int64
	Tier           *MemoryTier
	ScoreRecency   *float64
	CompositeScore *float64
	AccessCount    *int
	LastAccessedTs *int64
	Tags           *[]string
}

// DeleteMemoryItem specifies the conditions for deleting memory items.
type DeleteMemoryItem struct {
	ID      *int64
	OwnerID *int32
}

package store

// ReviewFlag marks an item in some store as needing human review after an
// actively removed or demoted entry was found to be semantically related.
// Flags are consumed by an external review workflow; this core only creates
// and lists them.
type ReviewFlag struct {
	UID         string
	TargetStore string // "raw", "knowledge" or "cache"
	SourceStore string
	Reason      string
	Priority    string // "low", "normal", "high"
	ID          int64
	TargetID    int64
	SourceID    int64
	CreatedTs   int64
	OwnerID     int32
}

// FindReviewFlag specifies the conditions for finding review flags.
type FindReviewFlag struct {
	OwnerID     *int32
	TargetStore *string
	TargetID    *int64
	SourceStore *string
	SourceID    *int64
	Limit       int
}

// DeleteReviewFlag specifies the conditions for deleting review flags.
type DeleteReviewFlag struct {
	ID      *int64
	OwnerID *int32
}

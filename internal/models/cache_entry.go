package models

import "time"

// CacheEntry is the metadata row for one cached blob. The blob itself lives
// on disk at LocalBlobPath; dangling metadata with no backing blob is
// treated as a miss.
type CacheEntry struct {
	Key            string `db:"key" json:"key"`
	SourceLocator  string `db:"source_locator" json:"source_locator,omitempty"`
	LocalBlobPath  string `db:"local_blob_path" json:"local_blob_path"`
	SizeBytes      int64  `db:"size_bytes" json:"size_bytes"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	LastAccessedAt int64  `db:"last_accessed_at" json:"last_accessed_at"`
	ExpiresAt      int64  `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the entry is logically dead at the given instant.
func (c *CacheEntry) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.UnixMilli() >= c.ExpiresAt
}

// ConflictLog records a last-writer-wins resolution for user awareness.
type ConflictLog struct {
	ID              string `db:"id" json:"id"`
	EntityLocalID   string `db:"entity_local_id" json:"entity_local_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

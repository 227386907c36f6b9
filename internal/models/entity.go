// Package models provides data model definitions for the core.
package models

import "time"

// EntityKind discriminates the domain record types the core stores and syncs.
type EntityKind string

const (
	KindConversation EntityKind = "conversation"
	KindMessage      EntityKind = "message"
	KindPreferences  EntityKind = "preferences"
	KindProgress     EntityKind = "progress"
)

// Kinds lists every entity kind, in the order pull passes iterate them.
func Kinds() []EntityKind {
	return []EntityKind{KindConversation, KindMessage, KindPreferences, KindProgress}
}

// SyncStatus tracks whether a local row has been propagated to the backend.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
)

// Entity represents a domain record held in the local store.
//
// LocalID is the client-generated key and never changes; RemoteID is
// assigned by the backend on first successful push and is immutable once
// set. UpdatedAt (unix milliseconds) is set by whichever side last wrote
// the record and drives last-writer-wins conflict resolution.
type Entity struct {
	LocalID    string        `db:"local_id" json:"local_id"`
	RemoteID   string        `db:"remote_id" json:"remote_id,omitempty"`
	Kind       EntityKind    `db:"kind" json:"kind"`
	UpdatedAt  int64         `db:"updated_at" json:"updated_at"`
	SyncStatus SyncStatus    `db:"sync_status" json:"sync_status"`
	Payload    EntityPayload `db:"-" json:"payload"`
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Touch advances UpdatedAt to now, keeping it monotonically non-decreasing.
func (e *Entity) Touch() {
	now := time.Now().UnixMilli()
	if now <= e.UpdatedAt {
		now = e.UpdatedAt + 1
	}
	e.UpdatedAt = now
}

// IsRemote reports whether the backend has assigned a canonical identifier.
func (e *Entity) IsRemote() bool {
	return e.RemoteID != ""
}

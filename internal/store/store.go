package store

import (
	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "entity not found")

// Query filters an entity listing. When Search is set, results come from
// the free-text index ordered by relevance; otherwise conversations,
// preferences and progress records are listed newest-first and messages in
// sequence order within their conversation.
type Query struct {
	// Kind restricts results to one entity kind. Empty means every
	// non-message kind (messages are listed per conversation).
	Kind models.EntityKind

	// Search is a free-text query over title/content.
	Search string

	// ConversationLocalID restricts results to the messages of one parent.
	ConversationLocalID string

	// SyncStatus restricts results to one propagation state.
	SyncStatus models.SyncStatus

	Limit  int
	Offset int
}

// EntityStore is the capability surface of the durable local store. The
// SQLite implementation is primary; the in-memory implementation backs
// tests and platforms without persistent storage.
type EntityStore interface {
	// Put upserts an entity keyed by its local id, assigning one when
	// empty, and returns the local id. A normal write bumps updated_at and
	// marks the row pending; markSynced is reserved for the sync engine
	// applying remote state, which preserves the remote timestamp and
	// marks the row synced. The search index is updated in the same
	// atomic unit.
	Put(e *models.Entity, markSynced bool) (string, error)

	// Get returns the entity with the given local id, or ErrNotFound.
	Get(localID string) (*models.Entity, error)

	// GetByRemoteID returns the entity of the given kind carrying the
	// backend-assigned identifier, or ErrNotFound.
	GetByRemoteID(kind models.EntityKind, remoteID string) (*models.Entity, error)

	// Query lists entities matching the filter.
	Query(q Query) ([]*models.Entity, error)

	// Delete removes an entity. Deleting a conversation cascades to its
	// messages, search rows included.
	Delete(localID string) error

	// Remap records the backend-assigned identifier for a local entity
	// without changing its local id. A remote id, once set, is immutable.
	Remap(localID, remoteID string) error

	// MarkSynced flips the row's sync status to synced without touching
	// its timestamp. Called by the sync engine after the entity's last
	// pending operation completes.
	MarkSynced(localID string) error

	// NextSequenceIndex returns the next free message position within a
	// conversation.
	NextSequenceIndex(conversationLocalID string) (int, error)

	// MessageAt returns the message occupying a position within a
	// conversation, or ErrNotFound when the position is free.
	MessageAt(conversationLocalID string, sequenceIndex int) (*models.Entity, error)

	// Watermark returns the last successful pull timestamp for a kind
	// (unix milliseconds, zero when the kind was never pulled).
	Watermark(kind models.EntityKind) (int64, error)

	// SetWatermark records the pull timestamp for a kind.
	SetWatermark(kind models.EntityKind, ts int64) error

	// LogConflict records a last-writer-wins resolution for diagnostics.
	LogConflict(cl *models.ConflictLog) error

	Close() error
}

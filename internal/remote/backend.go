// Package remote talks to the sync server on behalf of the engine. The
// Backend interface is what the engine consumes; Client implements it
// over HTTP. Tests substitute in-memory backends.
package remote

import (
	"context"
	"encoding/json"

	"github.com/parloapp/parlo-core/internal/models"
)

// PushRequest carries one local mutation to the server. LocalID doubles
// as the idempotency key so a replayed create lands on the same remote
// record.
type PushRequest struct {
	LocalID   string            `json:"local_id"`
	Kind      models.EntityKind `json:"kind"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	UpdatedAt int64             `json:"updated_at"`
	// ParentRemoteID carries the remote id of a message's parent
	// conversation; empty for other kinds.
	ParentRemoteID string `json:"parent_remote_id,omitempty"`
}

// RemoteEntity is one server-side record returned by a pull. Deleted
// marks a tombstone; its payload is empty.
type RemoteEntity struct {
	RemoteID  string            `json:"remote_id"`
	Kind      models.EntityKind `json:"kind"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	UpdatedAt int64             `json:"updated_at"`
	Deleted   bool              `json:"deleted,omitempty"`
	// ParentRemoteID identifies a message's parent conversation.
	ParentRemoteID string `json:"parent_remote_id,omitempty"`
}

// PullResponse is the server's answer to an incremental pull.
type PullResponse struct {
	Entities []RemoteEntity `json:"entities"`
	// ServerTime is the watermark the client should record after
	// applying this batch.
	ServerTime int64 `json:"server_time"`
}

// Backend is the server surface the engine pushes to and pulls from.
// Implementations classify failures as transient or permanent through
// the shared error codes so the queue can decide whether to retry.
type Backend interface {
	// Create uploads a new entity and returns its server-assigned id.
	// Replays with the same LocalID return the same id.
	Create(ctx context.Context, req PushRequest) (string, error)

	// Update applies a new payload to an existing remote entity.
	Update(ctx context.Context, remoteID string, req PushRequest) error

	// Delete tombstones a remote entity. Deleting an already-deleted
	// entity succeeds.
	Delete(ctx context.Context, remoteID string) error

	// Pull returns entities of one kind modified since the given
	// watermark (exclusive), tombstones included.
	Pull(ctx context.Context, kind models.EntityKind, modifiedSince int64) (*PullResponse, error)
}

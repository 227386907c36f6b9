package models

import "encoding/json"

// OperationKind is the mutation a queued sync operation propagates.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Priority orders queue drainage. Lower band drains first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "pending"
	OpStatusInProgress OperationStatus = "in_progress"
	OpStatusCompleted  OperationStatus = "completed"
	OpStatusFailed     OperationStatus = "failed"
)

// SyncOperation is a durable queued intent awaiting propagation to the
// backend. Payload carries the full entity body, not a delta, so replaying
// a completed operation is a no-op on the backend (upsert keyed by the
// entity's local id as idempotency key).
type SyncOperation struct {
	ID            string          `db:"id" json:"id"`
	OperationKind OperationKind   `db:"operation_kind" json:"operation_kind"`
	EntityKind    EntityKind      `db:"entity_kind" json:"entity_kind"`
	EntityLocalID string          `db:"entity_local_id" json:"entity_local_id"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Priority      Priority        `db:"priority" json:"priority"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
	CompletedAt   int64           `db:"completed_at" json:"completed_at,omitempty"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	Status        OperationStatus `db:"status" json:"status"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// MaxRetries is the retry ceiling after which an operation moves to failed
// and is excluded from claim batches until manually re-queued.
const MaxRetries = 3

// Package syncq provides the durable, ordered log of pending mutations
// awaiting propagation to the backend. Writers append an operation in the
// same logical step as the optimistic local commit; the sync engine drains
// the log when connectivity allows.
package syncq

import (
	"time"

	"github.com/parloapp/parlo-core/internal/models"
)

// Queue is the capability surface of the operation log. SQLiteQueue is the
// durable implementation; MemoryQueue backs tests and the no-persistence
// fallback.
type Queue interface {
	// Enqueue appends an operation and returns its id. CreatedAt,
	// status and retry count are assigned here.
	Enqueue(op *models.SyncOperation) (string, error)

	// ClaimBatch returns up to limit pending operations ordered by
	// priority band (high first) then created_at ascending, transitioning
	// them to in_progress. A non-nil priority restricts the claim to one
	// band. Failed operations are never claimed.
	ClaimBatch(limit int, priority *models.Priority) ([]*models.SyncOperation, error)

	// MarkCompleted transitions an in-progress operation to completed.
	MarkCompleted(id string) error

	// MarkFailed records a failed attempt. A transient failure returns
	// the operation to pending with retry_count+1 until the retry ceiling
	// moves it to failed; a permanent failure moves it to failed at once.
	MarkFailed(id string, cause error, permanent bool) error

	// Requeue returns a failed operation to pending with a fresh retry
	// budget (user-facing "try again").
	Requeue(id string) error

	// Cancel discards a pending or in-progress operation whose intent
	// was superseded, recording it as completed without a backend call.
	Cancel(id string) error

	// RecoverInFlight returns operations stuck in_progress (crash during
	// a sync pass) to pending. Called once at startup.
	RecoverInFlight() (int, error)

	// PurgeCompletedOlderThan garbage-collects completed operations past
	// the retention window and returns how many were removed.
	PurgeCompletedOlderThan(d time.Duration) (int, error)

	// PendingCount and FailedCount back the user-facing "N changes
	// pending / N changes failed" counters.
	PendingCount() (int, error)
	FailedCount() (int, error)

	// ListFailed returns failed operations for diagnostics.
	ListFailed(limit int) ([]*models.SyncOperation, error)

	// HasPendingFor reports whether any pending or in-progress operation
	// references the given entity.
	HasPendingFor(entityLocalID string) (bool, error)

	Close() error
}

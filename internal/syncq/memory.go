package syncq

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/models"
)

// MemoryQueue is the in-memory Queue implementation.
type MemoryQueue struct {
	mu   sync.Mutex
	ops  map[string]*models.SyncOperation
	seq  map[string]int // insertion order, breaks created_at ties
	next int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ops: make(map[string]*models.SyncOperation),
		seq: make(map[string]int),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(op *models.SyncOperation) (string, error) {
	if op.EntityLocalID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "operation requires an entity local id")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	op.CreatedAt = now
	op.UpdatedAt = now
	op.Status = models.OpStatusPending
	op.RetryCount = 0

	q.mu.Lock()
	defer q.mu.Unlock()

	stored := *op
	q.ops[op.ID] = &stored
	q.seq[op.ID] = q.next
	q.next++
	return op.ID, nil
}

// ClaimBatch implements Queue.
func (q *MemoryQueue) ClaimBatch(limit int, priority *models.Priority) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*models.SyncOperation
	for _, op := range q.ops {
		if op.Status != models.OpStatusPending {
			continue
		}
		if priority != nil && op.Priority != *priority {
			continue
		}
		ready = append(ready, op)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if ready[i].CreatedAt != ready[j].CreatedAt {
			return ready[i].CreatedAt < ready[j].CreatedAt
		}
		return q.seq[ready[i].ID] < q.seq[ready[j].ID]
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}

	now := time.Now().UnixMilli()
	out := make([]*models.SyncOperation, len(ready))
	for i, op := range ready {
		op.Status = models.OpStatusInProgress
		op.UpdatedAt = now
		claimed := *op
		out[i] = &claimed
	}
	return out, nil
}

// MarkCompleted implements Queue.
func (q *MemoryQueue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != models.OpStatusInProgress {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not in progress: "+id)
	}
	now := time.Now().UnixMilli()
	op.Status = models.OpStatusCompleted
	op.UpdatedAt = now
	op.CompletedAt = now
	return nil
}

// MarkFailed implements Queue.
func (q *MemoryQueue) MarkFailed(id string, cause error, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != models.OpStatusInProgress {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not in progress: "+id)
	}

	op.RetryCount++
	if cause != nil {
		op.LastError = cause.Error()
	}
	if permanent || op.RetryCount >= models.MaxRetries {
		op.Status = models.OpStatusFailed
	} else {
		op.Status = models.OpStatusPending
	}
	op.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Requeue implements Queue.
func (q *MemoryQueue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || op.Status != models.OpStatusFailed {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not failed: "+id)
	}
	op.Status = models.OpStatusPending
	op.RetryCount = 0
	op.LastError = ""
	op.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Cancel implements Queue.
func (q *MemoryQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok || (op.Status != models.OpStatusPending && op.Status != models.OpStatusInProgress) {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or already settled: "+id)
	}
	now := time.Now().UnixMilli()
	op.Status = models.OpStatusCompleted
	op.LastError = "superseded"
	op.UpdatedAt = now
	op.CompletedAt = now
	return nil
}

// RecoverInFlight implements Queue.
func (q *MemoryQueue) RecoverInFlight() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	now := time.Now().UnixMilli()
	for _, op := range q.ops {
		if op.Status == models.OpStatusInProgress {
			op.Status = models.OpStatusPending
			op.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// PurgeCompletedOlderThan implements Queue.
func (q *MemoryQueue) PurgeCompletedOlderThan(d time.Duration) (int, error) {
	cutoff := time.Now().Add(-d).UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, op := range q.ops {
		if op.Status == models.OpStatusCompleted && op.CompletedAt > 0 && op.CompletedAt < cutoff {
			delete(q.ops, id)
			delete(q.seq, id)
			count++
		}
	}
	return count, nil
}

// PendingCount implements Queue.
func (q *MemoryQueue) PendingCount() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, op := range q.ops {
		if op.Status == models.OpStatusPending || op.Status == models.OpStatusInProgress {
			n++
		}
	}
	return n, nil
}

// FailedCount implements Queue.
func (q *MemoryQueue) FailedCount() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, op := range q.ops {
		if op.Status == models.OpStatusFailed {
			n++
		}
	}
	return n, nil
}

// ListFailed implements Queue.
func (q *MemoryQueue) ListFailed(limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.SyncOperation
	for _, op := range q.ops {
		if op.Status == models.OpStatusFailed {
			failed := *op
			out = append(out, &failed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasPendingFor implements Queue.
func (q *MemoryQueue) HasPendingFor(entityLocalID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		if op.EntityLocalID == entityLocalID &&
			(op.Status == models.OpStatusPending || op.Status == models.OpStatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	return nil
}

package syncq

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	operation_kind TEXT NOT NULL CHECK(operation_kind IN ('create', 'update', 'delete')),
	entity_kind TEXT NOT NULL,
	entity_local_id TEXT NOT NULL,
	payload TEXT,
	priority INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed')),
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_claim ON sync_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_local_id, status);
`

// SQLiteQueue is the durable Queue implementation. It exclusively owns the
// sync_queue table.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue creates the queue over an opened database, ensuring its
// schema exists.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to create sync_queue schema", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(op *models.SyncOperation) (string, error) {
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

	_, err := q.db.Exec(`
	INSERT INTO sync_queue (id, operation_kind, entity_kind, entity_local_id, payload,
		priority, created_at, updated_at, retry_count, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		op.ID, op.OperationKind, op.EntityKind, op.EntityLocalID, string(op.Payload),
		op.Priority, op.CreatedAt, op.UpdatedAt, op.Status)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to enqueue operation", err)
	}
	return op.ID, nil
}

// ClaimBatch implements Queue.
func (q *SQLiteQueue) ClaimBatch(limit int, priority *models.Priority) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to begin claim", err)
	}
	defer tx.Rollback()

	query := `
	SELECT id, operation_kind, entity_kind, entity_local_id, payload, priority,
		   created_at, updated_at, completed_at, retry_count, status, last_error
	FROM sync_queue WHERE status = 'pending'`
	args := []interface{}{}
	if priority != nil {
		query += " AND priority = ?"
		args = append(args, *priority)
	}
	// rowid breaks created_at ties in insertion order.
	query += " ORDER BY priority, created_at, rowid LIMIT ?"
	args = append(args, limit)

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "claim query failed", err)
	}
	var batch []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan operation", err)
		}
		batch = append(batch, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "claim iteration failed", err)
	}

	now := time.Now().UnixMilli()
	for _, op := range batch {
		if _, err := tx.Exec(
			"UPDATE sync_queue SET status = 'in_progress', updated_at = ? WHERE id = ?",
			now, op.ID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to claim operation", err)
		}
		op.Status = models.OpStatusInProgress
		op.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to commit claim", err)
	}
	return batch, nil
}

func scanOperation(rows *sql.Rows) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var payload string
	if err := rows.Scan(&op.ID, &op.OperationKind, &op.EntityKind, &op.EntityLocalID,
		&payload, &op.Priority, &op.CreatedAt, &op.UpdatedAt, &op.CompletedAt,
		&op.RetryCount, &op.Status, &op.LastError); err != nil {
		return nil, err
	}
	if payload != "" {
		op.Payload = []byte(payload)
	}
	return &op, nil
}

// MarkCompleted implements Queue.
func (q *SQLiteQueue) MarkCompleted(id string) error {
	now := time.Now().UnixMilli()
	res, err := q.db.Exec(`
	UPDATE sync_queue SET status = 'completed', updated_at = ?, completed_at = ?
	WHERE id = ? AND status = 'in_progress'`, now, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to complete operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not in progress: "+id)
	}
	return nil
}

// MarkFailed implements Queue.
func (q *SQLiteQueue) MarkFailed(id string, cause error, permanent bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin update", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRow("SELECT retry_count FROM sync_queue WHERE id = ? AND status = 'in_progress'", id).
		Scan(&retryCount)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not in progress: "+id)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to read operation", err)
	}

	retryCount++
	status := models.OpStatusPending
	if permanent || retryCount >= models.MaxRetries {
		status = models.OpStatusFailed
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
	UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
	WHERE id = ?`, status, retryCount, msg, now, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to record failure", err)
	}
	return tx.Commit()
}

// Requeue implements Queue.
func (q *SQLiteQueue) Requeue(id string) error {
	res, err := q.db.Exec(`
	UPDATE sync_queue SET status = 'pending', retry_count = 0, last_error = '', updated_at = ?
	WHERE id = ? AND status = 'failed'`, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to requeue operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or not failed: "+id)
	}
	return nil
}

// Cancel implements Queue.
func (q *SQLiteQueue) Cancel(id string) error {
	now := time.Now().UnixMilli()
	res, err := q.db.Exec(`
	UPDATE sync_queue SET status = 'completed', last_error = 'superseded', updated_at = ?, completed_at = ?
	WHERE id = ? AND status IN ('pending', 'in_progress')`, now, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to cancel operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueNotFound, "operation not found or already settled: "+id)
	}
	return nil
}

// RecoverInFlight implements Queue.
func (q *SQLiteQueue) RecoverInFlight() (int, error) {
	res, err := q.db.Exec(
		"UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'in_progress'",
		time.Now().UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to recover in-flight operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeCompletedOlderThan implements Queue.
func (q *SQLiteQueue) PurgeCompletedOlderThan(d time.Duration) (int, error) {
	cutoff := time.Now().Add(-d).UnixMilli()
	res, err := q.db.Exec(
		"DELETE FROM sync_queue WHERE status = 'completed' AND completed_at > 0 AND completed_at < ?",
		cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to purge completed operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingCount implements Queue.
func (q *SQLiteQueue) PendingCount() (int, error) {
	return q.countByStatus("pending", "in_progress")
}

// FailedCount implements Queue.
func (q *SQLiteQueue) FailedCount() (int, error) {
	return q.countByStatus("failed")
}

func (q *SQLiteQueue) countByStatus(statuses ...string) (int, error) {
	query := "SELECT COUNT(*) FROM sync_queue WHERE status IN ("
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = s
	}
	query += ")"

	var n int
	if err := q.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count operations", err)
	}
	return n, nil
}

// ListFailed implements Queue.
func (q *SQLiteQueue) ListFailed(limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(`
	SELECT id, operation_kind, entity_kind, entity_local_id, payload, priority,
		   created_at, updated_at, completed_at, retry_count, status, last_error
	FROM sync_queue WHERE status = 'failed' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list failed operations", err)
	}
	defer rows.Close()

	var out []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan operation", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list iteration failed", err)
	}
	return out, nil
}

// HasPendingFor implements Queue.
func (q *SQLiteQueue) HasPendingFor(entityLocalID string) (bool, error) {
	var n int
	err := q.db.QueryRow(`
	SELECT COUNT(*) FROM sync_queue
	WHERE entity_local_id = ? AND status IN ('pending', 'in_progress')`, entityLocalID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to check pending operations", err)
	}
	return n > 0, nil
}

// Close implements Queue. The database handle is shared and closed by its
// owner.
func (q *SQLiteQueue) Close() error {
	return nil
}

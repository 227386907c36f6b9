package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/ids"
	"github.com/parloapp/parlo-core/internal/models"
)

// SQLiteStore is the durable EntityStore implementation. It owns the
// entities, messages, entity_search, sync_state and conflict_log tables.
type SQLiteStore struct {
	db *DB

	// Prepared statement cache for frequently used queries. Statements are
	// prepared on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewSQLiteStore creates a store over an opened database and applies any
// pending schema migrations.
func NewSQLiteStore(db *DB) (*SQLiteStore, error) {
	m := NewMigrator(db.DB)
	if err := m.Up(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "schema migration failed", err)
	}
	return &SQLiteStore{db: db}, nil
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *SQLiteStore) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached statements. The database handle is shared and closed
// by its owner.
func (s *SQLiteStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Put implements EntityStore.
func (s *SQLiteStore) Put(e *models.Entity, markSynced bool) (string, error) {
	if e.Payload == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "entity payload is required")
	}
	if e.Kind == "" {
		e.Kind = e.Payload.PayloadKind()
	}
	if e.Kind != e.Payload.PayloadKind() {
		return "", apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("entity kind %q does not match payload kind %q", e.Kind, e.Payload.PayloadKind()))
	}
	if e.LocalID == "" {
		e.LocalID = ids.NewLocal()
	}

	if markSynced {
		e.SyncStatus = models.SyncStatusSynced
	} else {
		e.Touch()
		e.SyncStatus = models.SyncStatusPending
	}

	payload, err := models.MarshalPayload(e.Payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if e.Kind == models.KindMessage {
		mp, ok := e.Payload.(models.MessagePayload)
		if !ok || mp.ConversationLocalID == "" {
			return "", apperrors.New(apperrors.ErrInvalid, "message payload requires a parent conversation")
		}
		query := `
		INSERT INTO messages (local_id, remote_id, conversation_local_id, sequence_index, payload, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			sequence_index = excluded.sequence_index,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status
		`
		_, err = tx.Exec(query, e.LocalID, nullable(e.RemoteID), mp.ConversationLocalID,
			mp.SequenceIndex, string(payload), e.UpdatedAt, e.SyncStatus)
	} else {
		query := `
		INSERT INTO entities (local_id, remote_id, kind, payload, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status
		`
		_, err = tx.Exec(query, e.LocalID, nullable(e.RemoteID), e.Kind,
			string(payload), e.UpdatedAt, e.SyncStatus)
	}
	if err != nil {
		if isConstraintViolation(err) {
			return "", apperrors.Wrap(apperrors.ErrConstraint, "entity write violates a constraint", err)
		}
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to write entity", err)
	}

	// Keep the search index in the same atomic unit as the row write.
	if err := updateSearchRow(tx, e); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to update search index", err)
	}

	if err := tx.Commit(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to commit write", err)
	}
	return e.LocalID, nil
}

func updateSearchRow(tx *sql.Tx, e *models.Entity) error {
	if _, err := tx.Exec("DELETE FROM entity_search WHERE local_id = ?", e.LocalID); err != nil {
		return err
	}
	title, body := models.SearchText(e)
	if title == "" && body == "" {
		return nil
	}
	_, err := tx.Exec("INSERT INTO entity_search (local_id, title, body) VALUES (?, ?, ?)",
		e.LocalID, title, body)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isConstraintViolation reports whether the driver error is a schema
// constraint failure, such as a taken sequence index or a missing
// parent row. Callers needing the distinction read the wrapped message.
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// Get implements EntityStore.
func (s *SQLiteStore) Get(localID string) (*models.Entity, error) {
	stmt, err := s.prepareStmt(`SELECT local_id, remote_id, kind, payload, updated_at, sync_status FROM entities WHERE local_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare lookup", err)
	}
	e, err := scanEntity(stmt.QueryRow(localID))
	if err == nil {
		return e, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read entity", err)
	}

	stmt, err = s.prepareStmt(`SELECT local_id, remote_id, 'message', payload, updated_at, sync_status FROM messages WHERE local_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare lookup", err)
	}
	e, err = scanEntity(stmt.QueryRow(localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read message", err)
	}
	return e, nil
}

// GetByRemoteID implements EntityStore.
func (s *SQLiteStore) GetByRemoteID(kind models.EntityKind, remoteID string) (*models.Entity, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}
	var (
		query string
		args  []interface{}
	)
	if kind == models.KindMessage {
		query = `SELECT local_id, remote_id, 'message', payload, updated_at, sync_status FROM messages WHERE remote_id = ?`
		args = []interface{}{remoteID}
	} else {
		query = `SELECT local_id, remote_id, kind, payload, updated_at, sync_status FROM entities WHERE remote_id = ? AND kind = ?`
		args = []interface{}{remoteID, kind}
	}
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare lookup", err)
	}
	e, err := scanEntity(stmt.QueryRow(args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read entity", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var e models.Entity
	var remoteID sql.NullString
	var payload string
	if err := row.Scan(&e.LocalID, &remoteID, &e.Kind, &payload, &e.UpdatedAt, &e.SyncStatus); err != nil {
		return nil, err
	}
	if remoteID.Valid {
		e.RemoteID = remoteID.String
	}
	p, err := models.UnmarshalPayload(e.Kind, []byte(payload))
	if err != nil {
		return nil, err
	}
	e.Payload = p
	return &e, nil
}

// Query implements EntityStore.
func (s *SQLiteStore) Query(q Query) ([]*models.Entity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	if q.Search != "" {
		return s.searchQuery(q, limit)
	}

	var (
		query string
		args  []interface{}
	)
	if q.Kind == models.KindMessage || q.ConversationLocalID != "" {
		query = `SELECT local_id, remote_id, 'message', payload, updated_at, sync_status FROM messages WHERE 1=1`
		if q.ConversationLocalID != "" {
			query += " AND conversation_local_id = ?"
			args = append(args, q.ConversationLocalID)
		}
		if q.SyncStatus != "" {
			query += " AND sync_status = ?"
			args = append(args, q.SyncStatus)
		}
		query += " ORDER BY conversation_local_id, sequence_index LIMIT ? OFFSET ?"
	} else {
		query = `SELECT local_id, remote_id, kind, payload, updated_at, sync_status FROM entities WHERE 1=1`
		if q.Kind != "" {
			query += " AND kind = ?"
			args = append(args, q.Kind)
		}
		if q.SyncStatus != "" {
			query += " AND sync_status = ?"
			args = append(args, q.SyncStatus)
		}
		query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "query failed", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan entity", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "query iteration failed", err)
	}
	return out, nil
}

// searchQuery resolves a free-text query through the FTS5 index, ordered by
// relevance, then loads the matching rows.
func (s *SQLiteStore) searchQuery(q Query, limit int) ([]*models.Entity, error) {
	rows, err := s.db.Query(
		`SELECT local_id FROM entity_search WHERE entity_search MATCH ? ORDER BY rank LIMIT ? OFFSET ?`,
		q.Search, limit, q.Offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "search query failed", err)
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan search result", err)
		}
		matched = append(matched, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "search iteration failed", err)
	}

	var out []*models.Entity
	for _, id := range matched {
		e, err := s.Get(id)
		if err == ErrNotFound {
			continue // index row may outlive its entity only mid-delete
		}
		if err != nil {
			return nil, err
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if q.SyncStatus != "" && e.SyncStatus != q.SyncStatus {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete implements EntityStore.
func (s *SQLiteStore) Delete(localID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Message row: remove the row plus its search entry.
	res, err := tx.Exec("DELETE FROM messages WHERE local_id = ?", localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete message", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.Exec("DELETE FROM entity_search WHERE local_id = ?", localID); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to delete search row", err)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to commit delete", err)
		}
		return nil
	}

	// Entity row: clear the search rows of cascaded messages before the
	// foreign key removes them.
	childRows, err := tx.Query("SELECT local_id FROM messages WHERE conversation_local_id = ?", localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to list child messages", err)
	}
	var children []string
	for childRows.Next() {
		var id string
		if err := childRows.Scan(&id); err != nil {
			childRows.Close()
			return apperrors.Wrap(apperrors.ErrStorage, "failed to scan child message", err)
		}
		children = append(children, id)
	}
	childRows.Close()
	if err := childRows.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to iterate child messages", err)
	}

	res, err = tx.Exec("DELETE FROM entities WHERE local_id = ?", localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, id := range append(children, localID) {
		if _, err := tx.Exec("DELETE FROM entity_search WHERE local_id = ?", id); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to delete search row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit delete", err)
	}
	return nil
}

// Remap implements EntityStore.
func (s *SQLiteStore) Remap(localID, remoteID string) error {
	if remoteID == "" {
		return apperrors.New(apperrors.ErrInvalid, "remote id is required")
	}

	e, err := s.Get(localID)
	if err != nil {
		return err
	}
	if e.RemoteID != "" {
		if e.RemoteID == remoteID {
			return nil
		}
		return apperrors.New(apperrors.ErrConstraint,
			fmt.Sprintf("entity %s already mapped to remote id %s", localID, e.RemoteID))
	}

	table := "entities"
	if e.Kind == models.KindMessage {
		table = "messages"
	}
	_, err = s.db.Exec("UPDATE "+table+" SET remote_id = ? WHERE local_id = ?", remoteID, localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remap entity", err)
	}
	return nil
}

// MarkSynced implements EntityStore.
func (s *SQLiteStore) MarkSynced(localID string) error {
	res, err := s.db.Exec("UPDATE entities SET sync_status = ? WHERE local_id = ?", models.SyncStatusSynced, localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark entity synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	res, err = s.db.Exec("UPDATE messages SET sync_status = ? WHERE local_id = ?", models.SyncStatusSynced, localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark message synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextSequenceIndex implements EntityStore.
func (s *SQLiteStore) NextSequenceIndex(conversationLocalID string) (int, error) {
	var next int
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(sequence_index), -1) + 1 FROM messages WHERE conversation_local_id = ?",
		conversationLocalID).Scan(&next)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to read sequence index", err)
	}
	return next, nil
}

// MessageAt implements EntityStore.
func (s *SQLiteStore) MessageAt(conversationLocalID string, sequenceIndex int) (*models.Entity, error) {
	stmt, err := s.prepareStmt(`SELECT local_id, remote_id, 'message', payload, updated_at, sync_status FROM messages WHERE conversation_local_id = ? AND sequence_index = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare lookup", err)
	}
	e, err := scanEntity(stmt.QueryRow(conversationLocalID, sequenceIndex))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read message", err)
	}
	return e, nil
}

// Watermark implements EntityStore.
func (s *SQLiteStore) Watermark(kind models.EntityKind) (int64, error) {
	var ts int64
	err := s.db.QueryRow("SELECT last_synced_at FROM sync_state WHERE kind = ?", kind).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to read watermark", err)
	}
	return ts, nil
}

// SetWatermark implements EntityStore.
func (s *SQLiteStore) SetWatermark(kind models.EntityKind, ts int64) error {
	_, err := s.db.Exec(`
	INSERT INTO sync_state (kind, last_synced_at) VALUES (?, ?)
	ON CONFLICT(kind) DO UPDATE SET last_synced_at = excluded.last_synced_at`, kind, ts)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write watermark", err)
	}
	return nil
}

// LogConflict implements EntityStore.
func (s *SQLiteStore) LogConflict(cl *models.ConflictLog) error {
	if cl.ID == "" {
		cl.ID = ids.NewLocal()
	}
	if cl.DetectedAt == 0 {
		cl.DetectedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
	INSERT INTO conflict_log (id, entity_local_id, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		cl.ID, cl.EntityLocalID, cl.LocalTimestamp, cl.RemoteTimestamp, cl.Resolution, cl.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to record conflict", err)
	}
	return nil
}

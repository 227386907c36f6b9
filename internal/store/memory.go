package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/ids"
	"github.com/parloapp/parlo-core/internal/models"
)

// MemoryStore is the no-persistence EntityStore implementation, selected at
// startup when durable storage is unavailable. Tests also use it as a
// behavioural reference.
type MemoryStore struct {
	mu         sync.RWMutex
	entities   map[string]models.Entity // keyed by local id, messages included
	watermarks map[models.EntityKind]int64
	conflicts  []models.ConflictLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[string]models.Entity),
		watermarks: make(map[models.EntityKind]int64),
	}
}

// Put implements EntityStore.
func (m *MemoryStore) Put(e *models.Entity, markSynced bool) (string, error) {
	if e.Payload == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "entity payload is required")
	}
	if e.Kind == "" {
		e.Kind = e.Payload.PayloadKind()
	}
	if e.Kind != e.Payload.PayloadKind() {
		return "", apperrors.New(apperrors.ErrInvalid, "entity kind does not match payload kind")
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

	m.mu.Lock()
	defer m.mu.Unlock()

	if mp, ok := e.Payload.(models.MessagePayload); ok {
		parent, exists := m.entities[mp.ConversationLocalID]
		if !exists || parent.Kind != models.KindConversation {
			return "", apperrors.New(apperrors.ErrConstraint, "message parent conversation not found")
		}
		// Same uniqueness rule the sqlite schema enforces.
		for id, other := range m.entities {
			if id == e.LocalID {
				continue
			}
			if sp, ok := other.Payload.(models.MessagePayload); ok &&
				sp.ConversationLocalID == mp.ConversationLocalID &&
				sp.SequenceIndex == mp.SequenceIndex {
				return "", apperrors.New(apperrors.ErrConstraint, "sequence index already occupied")
			}
		}
	}

	m.entities[e.LocalID] = *e
	return e.LocalID, nil
}

// Get implements EntityStore.
func (m *MemoryStore) Get(localID string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[localID]
	if !ok {
		return nil, ErrNotFound
	}
	out := e
	return &out, nil
}

// GetByRemoteID implements EntityStore.
func (m *MemoryStore) GetByRemoteID(kind models.EntityKind, remoteID string) (*models.Entity, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entities {
		if e.Kind == kind && e.RemoteID == remoteID {
			out := e
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Query implements EntityStore.
func (m *MemoryStore) Query(q Query) ([]*models.Entity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []models.Entity
	for _, e := range m.entities {
		if q.ConversationLocalID != "" || q.Kind == models.KindMessage {
			if e.Kind != models.KindMessage {
				continue
			}
			if q.ConversationLocalID != "" {
				mp := e.Payload.(models.MessagePayload)
				if mp.ConversationLocalID != q.ConversationLocalID {
					continue
				}
			}
		} else {
			if e.Kind == models.KindMessage && q.Search == "" {
				continue
			}
			if q.Kind != "" && e.Kind != q.Kind {
				continue
			}
		}
		if q.SyncStatus != "" && e.SyncStatus != q.SyncStatus {
			continue
		}
		if q.Search != "" && !matchesSearch(&e, q.Search) {
			continue
		}
		matched = append(matched, e)
	}

	if q.ConversationLocalID != "" || q.Kind == models.KindMessage {
		sort.Slice(matched, func(i, j int) bool {
			a := matched[i].Payload.(models.MessagePayload)
			b := matched[j].Payload.(models.MessagePayload)
			if a.ConversationLocalID != b.ConversationLocalID {
				return a.ConversationLocalID < b.ConversationLocalID
			}
			return a.SequenceIndex < b.SequenceIndex
		})
	} else {
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].UpdatedAt > matched[j].UpdatedAt
		})
	}

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*models.Entity, len(matched))
	for i := range matched {
		e := matched[i]
		out[i] = &e
	}
	return out, nil
}

func matchesSearch(e *models.Entity, search string) bool {
	title, body := models.SearchText(e)
	if title == "" && body == "" {
		return false
	}
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(title), needle) ||
		strings.Contains(strings.ToLower(body), needle)
}

// Delete implements EntityStore.
func (m *MemoryStore) Delete(localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[localID]
	if !ok {
		return ErrNotFound
	}
	delete(m.entities, localID)

	// Cascade to child messages.
	if e.Kind == models.KindConversation {
		for id, child := range m.entities {
			if mp, ok := child.Payload.(models.MessagePayload); ok && mp.ConversationLocalID == localID {
				delete(m.entities, id)
			}
		}
	}
	return nil
}

// Remap implements EntityStore.
func (m *MemoryStore) Remap(localID, remoteID string) error {
	if remoteID == "" {
		return apperrors.New(apperrors.ErrInvalid, "remote id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[localID]
	if !ok {
		return ErrNotFound
	}
	if e.RemoteID != "" {
		if e.RemoteID == remoteID {
			return nil
		}
		return apperrors.New(apperrors.ErrConstraint, "entity already mapped to a remote id")
	}
	e.RemoteID = remoteID
	m.entities[localID] = e
	return nil
}

// MarkSynced implements EntityStore.
func (m *MemoryStore) MarkSynced(localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[localID]
	if !ok {
		return ErrNotFound
	}
	e.SyncStatus = models.SyncStatusSynced
	m.entities[localID] = e
	return nil
}

// NextSequenceIndex implements EntityStore.
func (m *MemoryStore) NextSequenceIndex(conversationLocalID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	next := 0
	for _, e := range m.entities {
		if mp, ok := e.Payload.(models.MessagePayload); ok && mp.ConversationLocalID == conversationLocalID {
			if mp.SequenceIndex >= next {
				next = mp.SequenceIndex + 1
			}
		}
	}
	return next, nil
}

// MessageAt implements EntityStore.
func (m *MemoryStore) MessageAt(conversationLocalID string, sequenceIndex int) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entities {
		if mp, ok := e.Payload.(models.MessagePayload); ok &&
			mp.ConversationLocalID == conversationLocalID &&
			mp.SequenceIndex == sequenceIndex {
			out := e
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Watermark implements EntityStore.
func (m *MemoryStore) Watermark(kind models.EntityKind) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[kind], nil
}

// SetWatermark implements EntityStore.
func (m *MemoryStore) SetWatermark(kind models.EntityKind, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[kind] = ts
	return nil
}

// LogConflict implements EntityStore.
func (m *MemoryStore) LogConflict(cl *models.ConflictLog) error {
	if cl.ID == "" {
		cl.ID = ids.NewLocal()
	}
	if cl.DetectedAt == 0 {
		cl.DetectedAt = time.Now().UnixMilli()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = append(m.conflicts, *cl)
	return nil
}

// Conflicts returns the recorded conflict log, newest last.
func (m *MemoryStore) Conflicts() []models.ConflictLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ConflictLog, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}

// Close implements EntityStore.
func (m *MemoryStore) Close() error {
	return nil
}

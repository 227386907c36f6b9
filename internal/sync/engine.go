// Package sync reconciles local state with the backend: it drains the
// operation queue (push), folds remote changes into the local store
// (pull), and resolves conflicts last-writer-wins with the remote copy
// as the tie-break authority.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parloapp/parlo-core/internal/config"
	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/logging"
	"github.com/parloapp/parlo-core/internal/models"
	"github.com/parloapp/parlo-core/internal/network"
	"github.com/parloapp/parlo-core/internal/remote"
	"github.com/parloapp/parlo-core/internal/store"
	"github.com/parloapp/parlo-core/internal/syncq"
)

// Status is the engine's coarse lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Skip reasons reported in Result when a pass did not run.
const (
	SkipReasonOffline  = "offline"
	SkipReasonPolicy   = "policy"
	SkipReasonInFlight = "in_flight"
)

// Result summarizes one sync pass.
type Result struct {
	// Completed and Failed count push-phase operations; Remaining is
	// the pending backlog after the pass.
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`

	// Pulled counts remote changes applied locally.
	Pulled int `json:"pulled"`

	// Skipped marks a pass that never ran, with the reason.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// EventType discriminates sync notifications.
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
)

// Event is delivered to engine subscribers around each sync pass.
type Event struct {
	Type   EventType
	Result *Result
	Err    error
}

// deletePayload is the body of a queued delete operation. The entity row
// is already gone locally, so the remote id must travel with the intent.
type deletePayload struct {
	RemoteID string `json:"remote_id,omitempty"`
}

// Engine coordinates the store, queue, backend and monitor. All mutable
// sync state lives in fields; construct one per process and share the
// handle.
type Engine struct {
	store   store.EntityStore
	queue   syncq.Queue
	backend remote.Backend
	monitor *network.Monitor
	cfg     *config.Config

	// syncMu is the single-flight guard. Concurrent triggers while a
	// pass is in flight coalesce into a skipped result.
	syncMu   sync.Mutex
	inFlight bool

	stateMu   sync.Mutex
	status    Status
	lastSync  *time.Time
	lastErr   error
	listeners []*subscription
}

type subscription struct {
	fn      func(Event)
	removed bool
}

// NewEngine wires an engine over its collaborators.
func NewEngine(s store.EntityStore, q syncq.Queue, b remote.Backend, m *network.Monitor, cfg *config.Config) *Engine {
	return &Engine{
		store:   s,
		queue:   q,
		backend: b,
		monitor: m,
		cfg:     cfg,
		status:  StatusIdle,
	}
}

// Status returns the engine's lifecycle state.
func (e *Engine) Status() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.status
}

// LastSync returns when the last successful pass finished, nil if never.
func (e *Engine) LastSync() *time.Time {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastSync
}

// LastError returns the error from the most recent failed pass, nil
// after a successful one.
func (e *Engine) LastError() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastErr
}

// PendingChanges returns the number of operations awaiting propagation.
func (e *Engine) PendingChanges() (int, error) {
	return e.queue.PendingCount()
}

// Subscribe registers a listener for sync events and returns its remover.
// Callbacks run synchronously on the syncing goroutine.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.stateMu.Lock()
	sub := &subscription{fn: fn}
	e.listeners = append(e.listeners, sub)
	e.stateMu.Unlock()

	return func() {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		if sub.removed {
			return
		}
		sub.removed = true
		for i, s := range e.listeners {
			if s == sub {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.stateMu.Lock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, s := range e.listeners {
		if !s.removed {
			fns = append(fns, s.fn)
		}
	}
	e.stateMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Save upserts an entity locally and enqueues its propagation in the
// same logical step (optimistic local commit). Returns the local id.
func (e *Engine) Save(entity *models.Entity, priority models.Priority) (string, error) {
	opKind := models.OpCreate
	if entity.LocalID != "" {
		if _, err := e.store.Get(entity.LocalID); err == nil {
			opKind = models.OpUpdate
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return "", err
		}
	}

	localID, err := e.store.Put(entity, false)
	if err != nil {
		return "", err
	}

	payload, err := models.MarshalPayload(entity.Payload)
	if err != nil {
		return "", err
	}
	_, err = e.queue.Enqueue(&models.SyncOperation{
		OperationKind: opKind,
		EntityKind:    entity.Kind,
		EntityLocalID: localID,
		Payload:       payload,
		Priority:      priority,
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// DeleteLocal removes an entity locally and enqueues the remote delete.
// An entity that was never pushed produces no remote operation.
func (e *Engine) DeleteLocal(localID string, priority models.Priority) error {
	entity, err := e.store.Get(localID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(localID); err != nil {
		return err
	}
	if entity.RemoteID == "" {
		return nil
	}

	payload, err := json.Marshal(deletePayload{RemoteID: entity.RemoteID})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode delete payload", err)
	}
	_, err = e.queue.Enqueue(&models.SyncOperation{
		OperationKind: models.OpDelete,
		EntityKind:    entity.Kind,
		EntityLocalID: localID,
		Payload:       payload,
		Priority:      priority,
	})
	return err
}

// SyncAll runs one full push-then-pull pass under the single-flight
// guard. force overrides the wifi-only policy restriction, not the
// offline check. A skipped pass returns a Result with the reason and a
// nil error.
func (e *Engine) SyncAll(ctx context.Context, force bool) (*Result, error) {
	state := e.monitor.CurrentState()
	if !state.Online {
		return &Result{Skipped: true, SkipReason: SkipReasonOffline}, nil
	}
	if e.cfg.WifiOnly && !force && state.Transport != network.TransportWifi {
		logging.Info("Sync skipped by wifi-only policy", logging.Fields{"transport": string(state.Transport)})
		return &Result{Skipped: true, SkipReason: SkipReasonPolicy}, nil
	}

	e.syncMu.Lock()
	if e.inFlight {
		e.syncMu.Unlock()
		return &Result{Skipped: true, SkipReason: SkipReasonInFlight}, nil
	}
	e.inFlight = true
	e.syncMu.Unlock()
	defer func() {
		e.syncMu.Lock()
		e.inFlight = false
		e.syncMu.Unlock()
	}()

	e.setStatus(StatusSyncing, nil)
	e.publish(Event{Type: EventSyncStarted})

	result, err := e.runPass(ctx)

	if remaining, cerr := e.queue.PendingCount(); cerr == nil {
		result.Remaining = remaining
	}

	if err != nil {
		e.setStatus(StatusFailed, err)
		e.publish(Event{Type: EventSyncFailed, Result: result, Err: err})
		logging.Error("Sync pass failed", err, logging.Fields{
			"completed": result.Completed, "failed": result.Failed,
		})
		return result, err
	}

	now := time.Now()
	e.stateMu.Lock()
	e.status = StatusIdle
	e.lastErr = nil
	e.lastSync = &now
	e.stateMu.Unlock()

	e.publish(Event{Type: EventSyncCompleted, Result: result})
	logging.Info("Sync pass completed", logging.Fields{
		"completed": result.Completed,
		"failed":    result.Failed,
		"pulled":    result.Pulled,
		"remaining": result.Remaining,
	})
	return result, nil
}

func (e *Engine) setStatus(s Status, err error) {
	e.stateMu.Lock()
	e.status = s
	e.lastErr = err
	e.stateMu.Unlock()
}

// pendingDelete tracks a local delete that did not propagate during the
// push phase, so the pull phase can arbitrate it against remote updates.
type pendingDelete struct {
	opID      string
	deletedAt int64
}

func (e *Engine) runPass(ctx context.Context) (*Result, error) {
	result := &Result{}
	pendingDeletes := make(map[string]pendingDelete)

	if err := e.pushPhase(ctx, result, pendingDeletes); err != nil {
		return result, err
	}
	if err := e.pullPhase(ctx, result, pendingDeletes); err != nil {
		return result, err
	}
	return result, nil
}

// pushPhase drains the queue. Each operation is attempted at most once
// per pass; transient failures wait for the next pass.
func (e *Engine) pushPhase(ctx context.Context, result *Result, pendingDeletes map[string]pendingDelete) error {
	attempted := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "sync cancelled", err)
		}

		batch, err := e.queue.ClaimBatch(e.cfg.PushBatchSize, nil)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, op := range batch {
			if attempted[op.ID] {
				continue
			}
			attempted[op.ID] = true
			progressed = true

			if err := e.pushOne(ctx, op); err != nil {
				result.Failed++
				permanent := apperrors.IsPermanent(err)
				if op.OperationKind == models.OpDelete && !permanent {
					var dp deletePayload
					if json.Unmarshal(op.Payload, &dp) == nil && dp.RemoteID != "" {
						pendingDeletes[dp.RemoteID] = pendingDelete{opID: op.ID, deletedAt: op.CreatedAt}
					}
				}
				if ferr := e.queue.MarkFailed(op.ID, err, permanent); ferr != nil {
					return ferr
				}
				logging.Warn("Push failed", logging.Fields{
					"operation": string(op.OperationKind),
					"entity":    op.EntityLocalID,
					"permanent": permanent,
					"error":     err.Error(),
				})
				continue
			}

			if err := e.queue.MarkCompleted(op.ID); err != nil {
				return err
			}
			result.Completed++
			if err := e.markSyncedIfSettled(op); err != nil {
				return err
			}
		}

		// Only retried ops left in the claimable set.
		if !progressed {
			break
		}
	}

	// Claimed-but-skipped operations go back to pending for next pass.
	if _, err := e.queue.RecoverInFlight(); err != nil {
		return err
	}
	return nil
}

// markSyncedIfSettled flips the entity to synced once its final pending
// operation completed. Deletes have no row to update.
func (e *Engine) markSyncedIfSettled(op *models.SyncOperation) error {
	if op.OperationKind == models.OpDelete {
		return nil
	}
	pending, err := e.queue.HasPendingFor(op.EntityLocalID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	if err := e.store.MarkSynced(op.EntityLocalID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

func (e *Engine) pushOne(ctx context.Context, op *models.SyncOperation) error {
	switch op.OperationKind {
	case models.OpCreate, models.OpUpdate:
		return e.pushUpsert(ctx, op)
	case models.OpDelete:
		return e.pushDelete(ctx, op)
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind: %s", op.OperationKind))
	}
}

func (e *Engine) pushUpsert(ctx context.Context, op *models.SyncOperation) error {
	entity, err := e.store.Get(op.EntityLocalID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Deleted locally after this write was queued; the delete
			// operation will follow.
			return apperrors.New(apperrors.ErrPermanentRemote, "entity deleted before push")
		}
		return err
	}

	// Ship current local state, not the queued snapshot, so coalesced
	// edits replay idempotently as one upsert.
	payload, err := models.MarshalPayload(entity.Payload)
	if err != nil {
		return err
	}
	req := remote.PushRequest{
		LocalID:   op.EntityLocalID,
		Kind:      op.EntityKind,
		Payload:   payload,
		UpdatedAt: entity.UpdatedAt,
	}

	if op.EntityKind == models.KindMessage {
		parentRemoteID, err := e.resolveParentRemoteID(entity)
		if err != nil {
			return err
		}
		req.ParentRemoteID = parentRemoteID
	}

	if op.OperationKind == models.OpCreate || entity.RemoteID == "" {
		remoteID, err := e.backend.Create(ctx, req)
		if err != nil {
			return err
		}
		return e.store.Remap(op.EntityLocalID, remoteID)
	}
	return e.backend.Update(ctx, entity.RemoteID, req)
}

// resolveParentRemoteID is done at push time: a message whose parent
// conversation has not been assigned a remote id yet fails transient and
// retries after the parent lands.
func (e *Engine) resolveParentRemoteID(entity *models.Entity) (string, error) {
	mp, ok := entity.Payload.(models.MessagePayload)
	if !ok {
		return "", apperrors.New(apperrors.ErrInvalid, "message entity without message payload")
	}
	parent, err := e.store.Get(mp.ConversationLocalID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return "", apperrors.New(apperrors.ErrPermanentRemote, "parent conversation no longer exists")
		}
		return "", err
	}
	if parent.RemoteID == "" {
		return "", apperrors.New(apperrors.ErrTransientNetwork, "parent conversation not yet synced")
	}
	return parent.RemoteID, nil
}

func (e *Engine) pushDelete(ctx context.Context, op *models.SyncOperation) error {
	var dp deletePayload
	if err := json.Unmarshal(op.Payload, &dp); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed delete payload", err)
	}
	if dp.RemoteID == "" {
		// Never pushed; nothing to delete remotely.
		return nil
	}
	return e.backend.Delete(ctx, dp.RemoteID)
}

// pullPhase folds remote changes into the local store, one entity kind
// at a time, advancing each kind's watermark only after its batch
// applied cleanly.
func (e *Engine) pullPhase(ctx context.Context, result *Result, pendingDeletes map[string]pendingDelete) error {
	for _, kind := range models.Kinds() {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "sync cancelled", err)
		}

		watermark, err := e.store.Watermark(kind)
		if err != nil {
			return err
		}
		resp, err := e.backend.Pull(ctx, kind, watermark)
		if err != nil {
			return err
		}

		for _, re := range resp.Entities {
			applied, err := e.applyRemote(kind, re, pendingDeletes)
			if err != nil {
				return err
			}
			if applied {
				result.Pulled++
			}
		}

		next := resp.ServerTime
		if next == 0 {
			next = time.Now().UnixMilli()
		}
		if err := e.store.SetWatermark(kind, next); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote folds one remote record into the local store, reporting
// whether local state changed.
func (e *Engine) applyRemote(kind models.EntityKind, re remote.RemoteEntity, pendingDeletes map[string]pendingDelete) (bool, error) {
	local, err := e.store.GetByRemoteID(kind, re.RemoteID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}
	exists := err == nil

	if re.Deleted {
		return e.applyRemoteDelete(re, local, exists)
	}

	if !exists {
		// A racing local delete beats the remote update only when the
		// delete is strictly newer; otherwise the remote copy is
		// reinstated and the stale delete intent discarded.
		if pd, ok := pendingDeletes[re.RemoteID]; ok {
			if pd.deletedAt > re.UpdatedAt {
				return false, nil
			}
			if err := e.queue.Cancel(pd.opID); err != nil && !apperrors.Is(err, apperrors.ErrQueueNotFound) {
				return false, err
			}
			delete(pendingDeletes, re.RemoteID)
		}
		return e.insertRemote(re)
	}

	// Last-writer-wins; the remote copy is the tie-break authority.
	if re.UpdatedAt < local.UpdatedAt {
		e.logConflict(local.LocalID, local.UpdatedAt, re.UpdatedAt, "local_wins")
		return false, nil
	}
	if local.SyncStatus == models.SyncStatusPending {
		e.logConflict(local.LocalID, local.UpdatedAt, re.UpdatedAt, "remote_wins")
	}

	payload, err := e.decodeRemotePayload(re)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if re.Kind == models.KindMessage {
		mp, err := e.placeRemoteMessage(payload.(models.MessagePayload), local.LocalID)
		if err != nil {
			return false, err
		}
		payload = mp
	}
	local.Payload = payload
	local.UpdatedAt = re.UpdatedAt
	if _, err := e.store.Put(local, true); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) applyRemoteDelete(re remote.RemoteEntity, local *models.Entity, exists bool) (bool, error) {
	if !exists {
		return false, nil
	}
	// A local edit newer than the remote tombstone survives; its pending
	// push will reinstate the entity server-side.
	if local.UpdatedAt > re.UpdatedAt {
		e.logConflict(local.LocalID, local.UpdatedAt, re.UpdatedAt, "local_wins")
		return false, nil
	}
	if local.SyncStatus == models.SyncStatusPending {
		e.logConflict(local.LocalID, local.UpdatedAt, re.UpdatedAt, "remote_delete_wins")
	}
	if err := e.store.Delete(local.LocalID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}
	return true, nil
}

func (e *Engine) insertRemote(re remote.RemoteEntity) (bool, error) {
	payload, err := e.decodeRemotePayload(re)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Message whose parent conversation is gone locally; the
			// cascade already removed the subtree.
			return false, nil
		}
		return false, err
	}
	if re.Kind == models.KindMessage {
		mp, err := e.placeRemoteMessage(payload.(models.MessagePayload), "")
		if err != nil {
			return false, err
		}
		payload = mp
	}
	entity := &models.Entity{
		RemoteID:   re.RemoteID,
		Kind:       re.Kind,
		UpdatedAt:  re.UpdatedAt,
		SyncStatus: models.SyncStatusSynced,
		Payload:    payload,
	}
	if _, err := e.store.Put(entity, true); err != nil {
		return false, err
	}
	return true, nil
}

// placeRemoteMessage resolves a sequence-index collision between an
// incoming remote message and a local row in the same conversation,
// which happens when two devices append at the same position. A
// colliding row that has not pushed yet is moved to the next free index
// and its queued create ships the new position; a colliding synced row
// means the server already accepted both, so the incoming message takes
// the next free index instead.
func (e *Engine) placeRemoteMessage(mp models.MessagePayload, selfLocalID string) (models.MessagePayload, error) {
	occupant, err := e.store.MessageAt(mp.ConversationLocalID, mp.SequenceIndex)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return mp, nil
		}
		return mp, err
	}
	if occupant.LocalID == selfLocalID {
		return mp, nil
	}

	next, err := e.store.NextSequenceIndex(mp.ConversationLocalID)
	if err != nil {
		return mp, err
	}
	if occupant.SyncStatus == models.SyncStatusPending {
		sp := occupant.Payload.(models.MessagePayload)
		sp.SequenceIndex = next
		occupant.Payload = sp
		if _, err := e.store.Put(occupant, false); err != nil {
			return mp, err
		}
		logging.Info("Re-sequenced unpushed message after remote collision", logging.Fields{
			"message": occupant.LocalID,
			"from":    mp.SequenceIndex,
			"to":      next,
		})
		return mp, nil
	}
	mp.SequenceIndex = next
	return mp, nil
}

// decodeRemotePayload rebuilds the typed payload, resolving a message's
// parent reference back to the parent's local id.
func (e *Engine) decodeRemotePayload(re remote.RemoteEntity) (models.EntityPayload, error) {
	payload, err := models.UnmarshalPayload(re.Kind, re.Payload)
	if err != nil {
		return nil, err
	}
	if re.Kind != models.KindMessage {
		return payload, nil
	}

	mp, ok := payload.(models.MessagePayload)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, "message entity without message payload")
	}
	if re.ParentRemoteID == "" {
		return nil, apperrors.New(apperrors.ErrNotFound, "remote message without parent reference")
	}
	parent, err := e.store.GetByRemoteID(models.KindConversation, re.ParentRemoteID)
	if err != nil {
		return nil, err
	}
	mp.ConversationLocalID = parent.LocalID
	return mp, nil
}

func (e *Engine) logConflict(localID string, localTS, remoteTS int64, resolution string) {
	err := e.store.LogConflict(&models.ConflictLog{
		EntityLocalID:   localID,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		Resolution:      resolution,
	})
	if err != nil {
		logging.Warn("Failed to record conflict", logging.Fields{"entity": localID, "error": err.Error()})
	}
}

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/parloapp/parlo-core/internal/config"
	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/models"
	"github.com/parloapp/parlo-core/internal/network"
	"github.com/parloapp/parlo-core/internal/remote"
	"github.com/parloapp/parlo-core/internal/store"
	"github.com/parloapp/parlo-core/internal/syncq"
)

// fakeBackend is an in-memory server honoring idempotency keys, so
// replayed creates land on the same remote record.
type fakeBackend struct {
	mu            sync.Mutex
	nextID        int
	byIdempotency map[string]string
	records       map[string]remote.PushRequest
	deleted       map[string]bool

	// pulls is the scripted response per kind, consumed once.
	pulls      map[models.EntityKind][]remote.RemoteEntity
	serverTime int64

	failCreates int // fail this many creates transiently
	failDeletes int
	permanent   bool // make injected failures permanent instead

	createCalls int
	pullSince   map[models.EntityKind]int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byIdempotency: make(map[string]string),
		records:       make(map[string]remote.PushRequest),
		deleted:       make(map[string]bool),
		pulls:         make(map[models.EntityKind][]remote.RemoteEntity),
		pullSince:     make(map[models.EntityKind]int64),
		serverTime:    1700000000000,
	}
}

func (f *fakeBackend) fail() error {
	if f.permanent {
		return apperrors.New(apperrors.ErrPermanentRemote, "rejected")
	}
	return apperrors.New(apperrors.ErrTransientNetwork, "connection reset")
}

func (f *fakeBackend) Create(ctx context.Context, req remote.PushRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.failCreates > 0 {
		f.failCreates--
		return "", f.fail()
	}
	if id, ok := f.byIdempotency[req.LocalID]; ok {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.byIdempotency[req.LocalID] = id
	f.records[id] = req
	return id, nil
}

func (f *fakeBackend) Update(ctx context.Context, remoteID string, req remote.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[remoteID]; !ok {
		return apperrors.New(apperrors.ErrPermanentRemote, "no such entity")
	}
	f.records[remoteID] = req
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeletes > 0 {
		f.failDeletes--
		return f.fail()
	}
	delete(f.records, remoteID)
	f.deleted[remoteID] = true
	return nil
}

func (f *fakeBackend) Pull(ctx context.Context, kind models.EntityKind, modifiedSince int64) (*remote.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullSince[kind] = modifiedSince
	resp := &remote.PullResponse{Entities: f.pulls[kind], ServerTime: f.serverTime}
	delete(f.pulls, kind)
	return resp, nil
}

type fixture struct {
	engine  *Engine
	store   store.EntityStore
	queue   syncq.Queue
	backend *fakeBackend
	monitor *network.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemoryStore())
}

func newFixtureOn(t *testing.T, st store.EntityStore) *fixture {
	t.Helper()

	cfg := config.Default()
	q := syncq.NewMemoryQueue()
	b := newFakeBackend()
	m := network.NewMonitor()
	m.SetState(network.State{Online: true, Transport: network.TransportWifi})

	return &fixture{
		engine:  NewEngine(st, q, b, m, cfg),
		store:   st,
		queue:   q,
		backend: b,
		monitor: m,
	}
}

// newFixtureBackends builds one fixture per store backend. Convergence
// behaviour that leans on schema constraints is checked against both.
func newFixtureBackends(t *testing.T) map[string]*fixture {
	t.Helper()

	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqlite, err := store.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]*fixture{
		"sqlite": newFixtureOn(t, sqlite),
		"memory": newFixtureOn(t, store.NewMemoryStore()),
	}
}

func saveConversation(t *testing.T, f *fixture, title string) string {
	t.Helper()
	id, err := f.engine.Save(&models.Entity{
		Kind:    models.KindConversation,
		Payload: models.ConversationPayload{Title: title, Language: "es"},
	}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Save conversation failed: %v", err)
	}
	return id
}

func saveMessage(t *testing.T, f *fixture, convID, text string) string {
	t.Helper()
	seq, err := f.store.NextSequenceIndex(convID)
	if err != nil {
		t.Fatalf("NextSequenceIndex failed: %v", err)
	}
	id, err := f.engine.Save(&models.Entity{
		Kind: models.KindMessage,
		Payload: models.MessagePayload{
			ConversationLocalID: convID,
			SequenceIndex:       seq,
			Role:                "user",
			Text:                text,
		},
	}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("Save message failed: %v", err)
	}
	return id
}

// TestPushConversationWithMessage verifies the full create path: the
// conversation lands first, the message resolves its parent's remote id,
// and both rows end up synced and remapped.
func TestPushConversationWithMessage(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Ordering coffee")
	msgID := saveMessage(t, f, convID, "Un cafe por favor")

	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Completed != 2 || result.Failed != 0 || result.Remaining != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}

	conv, err := f.store.Get(convID)
	if err != nil {
		t.Fatalf("Get conversation failed: %v", err)
	}
	if conv.RemoteID == "" || conv.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Conversation not remapped/synced: %+v", conv)
	}

	msg, err := f.store.Get(msgID)
	if err != nil {
		t.Fatalf("Get message failed: %v", err)
	}
	if msg.RemoteID == "" || msg.SyncStatus != models.SyncStatusSynced {
		t.Errorf("Message not remapped/synced: %+v", msg)
	}

	// The server saw the resolved parent reference.
	rec := f.backend.records[msg.RemoteID]
	if rec.ParentRemoteID != conv.RemoteID {
		t.Errorf("Expected parent remote id %s, got %s", conv.RemoteID, rec.ParentRemoteID)
	}
}

// TestIdempotentReplay verifies a replayed create yields exactly one
// remote record.
func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Replay me")

	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	// Simulate a crash before markCompleted persisted: re-enqueue the
	// same create and push again.
	conv, _ := f.store.Get(convID)
	payload, _ := models.MarshalPayload(conv.Payload)
	if _, err := f.queue.Enqueue(&models.SyncOperation{
		OperationKind: models.OpCreate,
		EntityKind:    models.KindConversation,
		EntityLocalID: convID,
		Payload:       payload,
		Priority:      models.PriorityNormal,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	if len(f.backend.records) != 1 {
		t.Errorf("Expected exactly one remote record, got %d", len(f.backend.records))
	}
}

// TestTransientFailureRetries verifies a transient push failure leaves
// the operation pending for the next pass and the entity unsynced.
func TestTransientFailureRetries(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Flaky network")
	f.backend.failCreates = 1

	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Failed != 1 || result.Completed != 0 || result.Remaining != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}
	conv, _ := f.store.Get(convID)
	if conv.SyncStatus != models.SyncStatusPending {
		t.Error("Entity marked synced despite failed push")
	}

	// Next pass succeeds.
	result, err = f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Completed != 1 || result.Remaining != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
}

// TestPermanentFailureStopsRetrying verifies a permanent rejection lands
// the operation in failed immediately.
func TestPermanentFailureStopsRetrying(t *testing.T) {
	f := newFixture(t)
	saveConversation(t, f, "Rejected")
	f.backend.failCreates = 1
	f.backend.permanent = true

	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}

	failed, err := f.queue.FailedCount()
	if err != nil {
		t.Fatalf("FailedCount failed: %v", err)
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed operation, got %d", failed)
	}
}

// TestMessageWaitsForParent verifies a message whose parent create is
// still unpushed fails transient instead of landing orphaned.
func TestMessageWaitsForParent(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Parent first")
	saveMessage(t, f, convID, "hola")
	f.backend.failCreates = 1 // the conversation create fails this pass

	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Completed != 0 || result.Failed != 2 {
		t.Errorf("Unexpected result: %+v", result)
	}

	// Both land on the retry pass, parent before child.
	result, err = f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Completed != 2 || result.Remaining != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
}

// TestPullInsertsRemoteEntities verifies remote-only records are
// inserted as synced and the watermark advances.
func TestPullInsertsRemoteEntities(t *testing.T) {
	f := newFixture(t)
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{
			RemoteID:  "srv-conv-1",
			Kind:      models.KindConversation,
			Payload:   json.RawMessage(`{"title":"From another device","language":"es"}`),
			UpdatedAt: 1700000000100,
		},
	}
	f.backend.pulls[models.KindMessage] = []remote.RemoteEntity{
		{
			RemoteID:       "srv-msg-1",
			Kind:           models.KindMessage,
			Payload:        json.RawMessage(`{"sequence_index":0,"role":"user","text":"hola"}`),
			UpdatedAt:      1700000000200,
			ParentRemoteID: "srv-conv-1",
		},
	}

	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Pulled != 2 {
		t.Errorf("Expected 2 pulled, got %d", result.Pulled)
	}

	conv, err := f.store.GetByRemoteID(models.KindConversation, "srv-conv-1")
	if err != nil {
		t.Fatalf("Pulled conversation missing: %v", err)
	}
	if conv.SyncStatus != models.SyncStatusSynced {
		t.Error("Pulled conversation not marked synced")
	}

	msgs, err := f.store.Query(store.Query{ConversationLocalID: conv.LocalID})
	if err != nil {
		t.Fatalf("Query messages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message under pulled conversation, got %d", len(msgs))
	}

	wm, err := f.store.Watermark(models.KindConversation)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if wm != f.backend.serverTime {
		t.Errorf("Expected watermark %d, got %d", f.backend.serverTime, wm)
	}
}

// TestLastWriterWins verifies divergent copies converge on the later
// timestamp, with the remote side winning ties.
func TestLastWriterWins(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Local title")
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	conv, _ := f.store.Get(convID)

	// Remote copy strictly newer than the local row: remote wins.
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{
			RemoteID:  conv.RemoteID,
			Kind:      models.KindConversation,
			Payload:   json.RawMessage(`{"title":"Remote title","language":"es"}`),
			UpdatedAt: conv.UpdatedAt + 1000,
		},
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	got, _ := f.store.Get(convID)
	if got.Payload.(models.ConversationPayload).Title != "Remote title" {
		t.Error("Newer remote copy did not win")
	}
	if got.UpdatedAt != conv.UpdatedAt+1000 {
		t.Error("Remote timestamp not preserved on overwrite")
	}

	// Local edit strictly newer than the remote copy: local wins.
	local, _ := f.store.Get(convID)
	local.Payload = models.ConversationPayload{Title: "Fresher local", Language: "es"}
	if _, err := f.engine.Save(local, models.PriorityNormal); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	refreshed, _ := f.store.Get(convID)
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{
			RemoteID:  conv.RemoteID,
			Kind:      models.KindConversation,
			Payload:   json.RawMessage(`{"title":"Stale remote","language":"es"}`),
			UpdatedAt: refreshed.UpdatedAt - 1000,
		},
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	got, _ = f.store.Get(convID)
	if got.Payload.(models.ConversationPayload).Title != "Fresher local" {
		t.Error("Older remote copy overwrote newer local state")
	}
}

// TestRemoteDeleteWinsUnlessLocalNewer verifies tombstone handling.
func TestRemoteDeleteWinsUnlessLocalNewer(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Doomed")
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	conv, _ := f.store.Get(convID)

	// Tombstone newer than the local row deletes it.
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{RemoteID: conv.RemoteID, Kind: models.KindConversation, UpdatedAt: conv.UpdatedAt + 1000, Deleted: true},
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if _, err := f.store.Get(convID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("Remote tombstone did not delete local row")
	}

	// A stale tombstone loses to a newer local edit.
	otherID := saveConversation(t, f, "Survivor")
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	other, _ := f.store.Get(otherID)
	other.Payload = models.ConversationPayload{Title: "Edited after tombstone", Language: "es"}
	if _, err := f.engine.Save(other, models.PriorityNormal); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	edited, _ := f.store.Get(otherID)
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{RemoteID: other.RemoteID, Kind: models.KindConversation, UpdatedAt: edited.UpdatedAt - 1000, Deleted: true},
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if _, err := f.store.Get(otherID); err != nil {
		t.Error("Stale tombstone deleted a newer local edit")
	}
}

// TestLocalDeleteRacesRemoteUpdate verifies the arbitration: the remote
// update wins unless the local delete is strictly newer, and a losing
// delete intent is discarded.
func TestLocalDeleteRacesRemoteUpdate(t *testing.T) {
	f := newFixture(t)
	convID := saveConversation(t, f, "Contested")
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	conv, _ := f.store.Get(convID)

	// Delete locally; the remote delete cannot reach the server yet.
	if err := f.engine.DeleteLocal(convID, models.PriorityNormal); err != nil {
		t.Fatalf("DeleteLocal failed: %v", err)
	}
	f.backend.failDeletes = 1

	// Meanwhile the server has an update newer than our delete.
	f.backend.pulls[models.KindConversation] = []remote.RemoteEntity{
		{
			RemoteID:  conv.RemoteID,
			Kind:      models.KindConversation,
			Payload:   json.RawMessage(`{"title":"Updated elsewhere","language":"es"}`),
			UpdatedAt: conv.UpdatedAt + 1000000,
		},
	}
	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	// The remote copy was reinstated and the delete intent discarded.
	restored, err := f.store.GetByRemoteID(models.KindConversation, conv.RemoteID)
	if err != nil {
		t.Fatalf("Expected entity reinstated, got %v", err)
	}
	if restored.Payload.(models.ConversationPayload).Title != "Updated elsewhere" {
		t.Error("Reinstated entity carries wrong payload")
	}
	pending, err := f.queue.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected discarded delete intent, %d ops still pending", pending)
	}
	if f.backend.deleted[conv.RemoteID] {
		t.Error("Discarded delete still reached the server")
	}
}

// TestConcurrentAppendSameIndex verifies two devices appending at the
// same position converge instead of erroring: the unpushed local
// message moves to the next free index while the remote message keeps
// its server-assigned position, and the pull still advances the
// watermark.
func TestConcurrentAppendSameIndex(t *testing.T) {
	for name, f := range newFixtureBackends(t) {
		t.Run(name, func(t *testing.T) {
			convID := saveConversation(t, f, "Race")
			if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
				t.Fatalf("SyncAll failed: %v", err)
			}
			conv, _ := f.store.Get(convID)

			msgID := saveMessage(t, f, convID, "local seq zero")
			f.backend.failCreates = 1 // the message create cannot reach the server this pass

			f.backend.pulls[models.KindMessage] = []remote.RemoteEntity{
				{
					RemoteID:       "srv-msg-race",
					Kind:           models.KindMessage,
					Payload:        json.RawMessage(`{"sequence_index":0,"role":"user","text":"remote seq zero"}`),
					UpdatedAt:      conv.UpdatedAt + 500,
					ParentRemoteID: conv.RemoteID,
				},
			}
			if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
				t.Fatalf("SyncAll failed: %v", err)
			}

			wm, err := f.store.Watermark(models.KindMessage)
			if err != nil {
				t.Fatalf("Watermark failed: %v", err)
			}
			if wm == 0 {
				t.Error("Watermark did not advance past the collision")
			}

			remoteMsg, err := f.store.GetByRemoteID(models.KindMessage, "srv-msg-race")
			if err != nil {
				t.Fatalf("Pulled message missing: %v", err)
			}
			if got := remoteMsg.Payload.(models.MessagePayload).SequenceIndex; got != 0 {
				t.Errorf("Remote message lost its server-assigned position, got %d", got)
			}

			local, err := f.store.Get(msgID)
			if err != nil {
				t.Fatalf("Get local message failed: %v", err)
			}
			if got := local.Payload.(models.MessagePayload).SequenceIndex; got != 1 {
				t.Errorf("Expected local message re-sequenced to 1, got %d", got)
			}

			// The retried create ships the new position.
			result, err := f.engine.SyncAll(context.Background(), false)
			if err != nil {
				t.Fatalf("SyncAll failed: %v", err)
			}
			if result.Completed != 1 || result.Remaining != 0 {
				t.Errorf("Unexpected result: %+v", result)
			}
			pushed, _ := f.store.Get(msgID)
			var shipped models.MessagePayload
			if err := json.Unmarshal(f.backend.records[pushed.RemoteID].Payload, &shipped); err != nil {
				t.Fatalf("Unmarshal pushed payload failed: %v", err)
			}
			if shipped.SequenceIndex != 1 {
				t.Errorf("Pushed create carries index %d, expected 1", shipped.SequenceIndex)
			}

			// A collision with an already synced row moves the incoming
			// message instead.
			f.backend.pulls[models.KindMessage] = []remote.RemoteEntity{
				{
					RemoteID:       "srv-msg-race-2",
					Kind:           models.KindMessage,
					Payload:        json.RawMessage(`{"sequence_index":1,"role":"assistant","text":"second device again"}`),
					UpdatedAt:      conv.UpdatedAt + 900,
					ParentRemoteID: conv.RemoteID,
				},
			}
			if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
				t.Fatalf("SyncAll failed: %v", err)
			}
			second, err := f.store.GetByRemoteID(models.KindMessage, "srv-msg-race-2")
			if err != nil {
				t.Fatalf("Pulled message missing: %v", err)
			}
			if got := second.Payload.(models.MessagePayload).SequenceIndex; got != 2 {
				t.Errorf("Expected incoming message placed at 2, got %d", got)
			}
		})
	}
}

// TestPolicySkips verifies offline and wifi-only handling, including the
// force override.
func TestPolicySkips(t *testing.T) {
	f := newFixture(t)

	f.monitor.SetState(network.State{Online: false, Transport: network.TransportUnknown})
	result, err := f.engine.SyncAll(context.Background(), false)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if !result.Skipped || result.SkipReason != SkipReasonOffline {
		t.Errorf("Expected offline skip, got %+v", result)
	}

	f.engine.cfg.WifiOnly = true
	f.monitor.SetState(network.State{Online: true, Transport: network.TransportCellular})
	result, _ = f.engine.SyncAll(context.Background(), false)
	if !result.Skipped || result.SkipReason != SkipReasonPolicy {
		t.Errorf("Expected policy skip, got %+v", result)
	}

	// force overrides the wifi-only restriction.
	result, err = f.engine.SyncAll(context.Background(), true)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if result.Skipped {
		t.Errorf("Expected forced sync to run, got %+v", result)
	}
}

// TestSingleFlight verifies a reentrant trigger coalesces into a skip.
func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	saveConversation(t, f, "Busy")

	var reentrant *Result
	unsubscribe := f.engine.Subscribe(func(ev Event) {
		if ev.Type == EventSyncStarted {
			reentrant, _ = f.engine.SyncAll(context.Background(), false)
		}
	})
	defer unsubscribe()

	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if reentrant == nil || !reentrant.Skipped || reentrant.SkipReason != SkipReasonInFlight {
		t.Errorf("Expected in-flight skip, got %+v", reentrant)
	}
}

// TestSyncEvents verifies subscribers observe the pass lifecycle and
// status reporting tracks outcomes.
func TestSyncEvents(t *testing.T) {
	f := newFixture(t)
	saveConversation(t, f, "Observed")

	var events []EventType
	f.engine.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	if _, err := f.engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if len(events) != 2 || events[0] != EventSyncStarted || events[1] != EventSyncCompleted {
		t.Errorf("Unexpected event sequence: %v", events)
	}
	if f.engine.Status() != StatusIdle {
		t.Errorf("Expected idle after success, got %s", f.engine.Status())
	}
	if f.engine.LastSync() == nil {
		t.Error("LastSync not recorded")
	}
	if f.engine.LastError() != nil {
		t.Errorf("Unexpected last error: %v", f.engine.LastError())
	}
}

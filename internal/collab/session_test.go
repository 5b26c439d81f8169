package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/mention"
	"github.com/threadline/collab/internal/ot"
	"github.com/threadline/collab/internal/presence"
	"github.com/threadline/collab/internal/protocol"
	"github.com/threadline/collab/internal/storage"
	"github.com/threadline/collab/internal/transport"
)

type sentMessage struct {
	Message  protocol.Message
	Priority transport.Priority
}

type fakeHandlerEntry struct {
	id int
	fn transport.Handler
}

// fakeTransport records outbound sends and dispatches injected inbound
// messages synchronously to subscribed handlers.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	handlers map[protocol.MessageType][]fakeHandlerEntry
	nextID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[protocol.MessageType][]fakeHandlerEntry)}
}

func (t *fakeTransport) Send(msgType protocol.MessageType, payload interface{}, priority transport.Priority) error {
	msg, err := protocol.Encode(msgType, payload, "outbound")
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, sentMessage{Message: msg, Priority: priority})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Subscribe(msgType protocol.MessageType, handler transport.Handler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[msgType] = append(t.handlers[msgType], fakeHandlerEntry{id: id, fn: handler})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.handlers[msgType]
		for i, e := range entries {
			if e.id == id {
				t.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (t *fakeTransport) deliver(msg protocol.Message) {
	t.mu.Lock()
	entries := append([]fakeHandlerEntry(nil), t.handlers[msg.Type]...)
	t.mu.Unlock()
	for _, entry := range entries {
		entry.fn(msg)
	}
}

func (t *fakeTransport) deliverPayload(tt *testing.T, msgType protocol.MessageType, payload interface{}) {
	tt.Helper()
	msg, err := protocol.Encode(msgType, payload, "inbound")
	if err != nil {
		tt.Fatalf("Failed to encode inbound payload: %v", err)
	}
	t.deliver(msg)
}

func (t *fakeTransport) sentOfType(msgType protocol.MessageType) []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matched []sentMessage
	for _, s := range t.sent {
		if s.Message.Type == msgType {
			matched = append(matched, s)
		}
	}
	return matched
}

func (t *fakeTransport) handlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, entries := range t.handlers {
		count += len(entries)
	}
	return count
}

func originTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestSession(t *testing.T, identity Identity) (*Session, *fakeTransport, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(originTime())
	tr := newFakeTransport()
	session := NewSession(identity,
		tr,
		ot.NewEngine(clock),
		presence.NewTracker(clock, zap.NewNop()),
		nil,
		clock,
		zap.NewNop())
	t.Cleanup(session.Close)
	return session, tr, clock
}

// applyToContent mirrors what a text buffer does with a broadcast
// operation; convergence checks compare buffers across replicas.
func applyToContent(content string, op ot.Operation) string {
	switch op.Type {
	case ot.OpInsert:
		pos := op.Position
		if pos > len(content) {
			pos = len(content)
		}
		return content[:pos] + op.Content + content[pos:]
	case ot.OpDelete:
		start := op.Position
		end := start + op.Length
		if start > len(content) {
			start = len(content)
		}
		if end > len(content) {
			end = len(content)
		}
		return content[:start] + content[end:]
	default:
		return content
	}
}

func TestSession_TrackPresenceRecordsAndBroadcasts(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	err := session.TrackPresence("note_1", protocol.ResourceNote, protocol.StatusEditing, nil)
	if err != nil {
		t.Fatalf("Failed to track presence: %v", err)
	}

	active := session.GetPresence("note_1", protocol.ResourceNote)
	if len(active) != 1 || active[0].UserID != "user_a" {
		t.Fatalf("Expected the local user tracked, got %d entries", len(active))
	}

	sent := tr.sentOfType(protocol.MsgPresence)
	if len(sent) != 1 {
		t.Fatalf("Expected 1 presence broadcast, got %d", len(sent))
	}
	if sent[0].Priority != transport.PriorityNormal {
		t.Errorf("Expected normal priority, got %s", sent[0].Priority)
	}
}

func TestSession_RemotePresenceVisibleLocally(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	tr.deliverPayload(t, protocol.MsgPresence, protocol.PresencePayload{
		UserID:       "user_b",
		UserName:     "Bob",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Status:       protocol.StatusEditing,
	})

	active := session.GetPresence("note_1", protocol.ResourceNote)
	if len(active) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(active))
	}
	if active[0].UserID != "user_b" || active[0].Status != protocol.StatusEditing {
		t.Errorf("Unexpected peer entry: %+v", active[0])
	}
}

func TestSession_OwnPresenceEchoIgnored(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	tr.deliverPayload(t, protocol.MsgPresence, protocol.PresencePayload{
		UserID:       "user_a",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Status:       protocol.StatusViewing,
	})

	if got := session.GetPresence("note_1", protocol.ResourceNote); len(got) != 0 {
		t.Errorf("Expected echoed self presence ignored, got %d entries", len(got))
	}
}

func TestSession_RemotePresenceRemoval(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	tr.deliverPayload(t, protocol.MsgPresence, protocol.PresencePayload{
		UserID:       "user_b",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Status:       protocol.StatusViewing,
	})
	tr.deliverPayload(t, protocol.MsgPresenceRemove, protocol.PresenceRemovePayload{
		UserID:     "user_b",
		ResourceID: "note_1",
	})

	if got := session.GetPresence("note_1", protocol.ResourceNote); len(got) != 0 {
		t.Errorf("Expected peer removed, got %d entries", len(got))
	}
}

func TestSession_BroadcastEditSendsAndRecordsHistory(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	applied, err := session.BroadcastEdit(context.Background(), "note_1", protocol.ResourceNote,
		ot.Operation{Type: ot.OpInsert, Position: 0, Content: "Hi "}, nil)
	if err != nil {
		t.Fatalf("Failed to broadcast edit: %v", err)
	}
	if applied.ID == "" {
		t.Error("Expected an edit id assigned")
	}

	sent := tr.sentOfType(protocol.MsgEdit)
	if len(sent) != 1 {
		t.Fatalf("Expected 1 edit broadcast, got %d", len(sent))
	}
	if sent[0].Priority != transport.PriorityNormal {
		t.Errorf("Expected normal priority, got %s", sent[0].Priority)
	}

	history := session.GetEditHistory("note_1", protocol.ResourceNote, 0)
	if len(history) != 1 || history[0].ID != applied.ID {
		t.Fatalf("Expected the edit in history, got %d entries", len(history))
	}
}

func TestSession_RemoteEditTransformedAgainstLocalHistory(t *testing.T) {
	session, tr, clock := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	_, err := session.BroadcastEdit(context.Background(), "note_1", protocol.ResourceNote,
		ot.Operation{Type: ot.OpInsert, Position: 0, Content: "AB"}, nil)
	if err != nil {
		t.Fatalf("Failed to broadcast local edit: %v", err)
	}

	var mu sync.Mutex
	var received []ot.Edit
	session.OnEdit(func(edit ot.Edit) {
		mu.Lock()
		received = append(received, edit)
		mu.Unlock()
	})

	tr.deliverPayload(t, protocol.MsgEdit, protocol.EditPayload{
		ID:           "remote_1",
		UserID:       "user_b",
		UserName:     "Bob",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Operation:    protocol.Operation{Type: "insert", Position: 5, Content: "x"},
		Timestamp:    clock.Now().Add(time.Second),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("Expected 1 remote edit delivered, got %d", len(received))
	}
	if received[0].Operation.Position != 7 {
		t.Errorf("Expected position shifted to 7 by the concurrent local insert, got %d",
			received[0].Operation.Position)
	}
	if received[0].ID != "remote_1" {
		t.Errorf("Expected origin id preserved, got %s", received[0].ID)
	}
}

func TestSession_OwnEditEchoNeverFansOut(t *testing.T) {
	session, tr, clock := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	fired := false
	session.OnEdit(func(ot.Edit) { fired = true })

	tr.deliverPayload(t, protocol.MsgEdit, protocol.EditPayload{
		ID:           "echo_1",
		UserID:       "user_a",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Operation:    protocol.Operation{Type: "insert", Position: 0, Content: "x"},
		Timestamp:    clock.Now(),
	})

	if fired {
		t.Error("Expected own echoed edit suppressed")
	}
	if got := session.GetEditHistory("note_1", protocol.ResourceNote, 0); len(got) != 0 {
		t.Errorf("Expected echoed edit not recorded, got %d entries", len(got))
	}
}

func TestSession_EditUnsubscribeIsIdempotent(t *testing.T) {
	session, tr, clock := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	fired := 0
	unsubscribe := session.OnEdit(func(ot.Edit) { fired++ })
	unsubscribe()
	unsubscribe()

	tr.deliverPayload(t, protocol.MsgEdit, protocol.EditPayload{
		ID:           "remote_1",
		UserID:       "user_b",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Operation:    protocol.Operation{Type: "insert", Position: 0, Content: "x"},
		Timestamp:    clock.Now(),
	})

	if fired != 0 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", fired)
	}
}

func TestSession_EditHandlerPanicIsolated(t *testing.T) {
	session, tr, clock := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	delivered := 0
	session.OnEdit(func(ot.Edit) { panic("bad handler") })
	session.OnEdit(func(ot.Edit) { delivered++ })

	tr.deliverPayload(t, protocol.MsgEdit, protocol.EditPayload{
		ID:           "remote_1",
		UserID:       "user_b",
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Operation:    protocol.Operation{Type: "insert", Position: 0, Content: "x"},
		Timestamp:    clock.Now(),
	})

	if delivered != 1 {
		t.Errorf("Expected delivery to the surviving handler, got %d", delivered)
	}
}

func TestSession_CursorBroadcastAndFanOut(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	err := session.BroadcastCursor("note_1", protocol.ResourceNote, protocol.CursorRange{Start: 3, End: 7})
	if err != nil {
		t.Fatalf("Failed to broadcast cursor: %v", err)
	}
	sent := tr.sentOfType(protocol.MsgCursor)
	if len(sent) != 1 {
		t.Fatalf("Expected 1 cursor broadcast, got %d", len(sent))
	}
	if sent[0].Priority != transport.PriorityLow {
		t.Errorf("Expected low priority for cursor traffic, got %s", sent[0].Priority)
	}

	var got []protocol.CursorPayload
	session.OnCursorUpdate(func(cursor protocol.CursorPayload) {
		got = append(got, cursor)
	})

	// Self echo first, then a real peer update.
	tr.deliverPayload(t, protocol.MsgCursor, protocol.CursorPayload{
		UserID: "user_a", ResourceID: "note_1", ResourceType: protocol.ResourceNote,
	})
	tr.deliverPayload(t, protocol.MsgCursor, protocol.CursorPayload{
		UserID: "user_b", ResourceID: "note_1", ResourceType: protocol.ResourceNote,
		Cursor: protocol.CursorRange{Start: 1, End: 1},
	})

	if len(got) != 1 || got[0].UserID != "user_b" {
		t.Fatalf("Expected only the peer cursor delivered, got %d updates", len(got))
	}
}

func TestSession_CloseDropsTransportSubscriptions(t *testing.T) {
	session, tr, _ := newTestSession(t, Identity{UserID: "user_a", UserName: "Alice"})

	if got := tr.handlerCount(); got != 4 {
		t.Fatalf("Expected 4 transport subscriptions, got %d", got)
	}

	session.Close()
	session.Close() // idempotent

	if got := tr.handlerCount(); got != 0 {
		t.Errorf("Expected all subscriptions dropped on close, got %d", got)
	}
}

// Two sessions exchange the same pair of concurrent same-position inserts
// in opposite orders; both text buffers must converge.
func TestSession_TwoReplicasConverge(t *testing.T) {
	base := "hello"
	sessionA, trA, _ := newTestSession(t, Identity{UserID: "alice", UserName: "Alice"})
	sessionB, trB, _ := newTestSession(t, Identity{UserID: "bob", UserName: "Bob"})

	contentA := base
	sessionA.OnEdit(func(edit ot.Edit) { contentA = applyToContent(contentA, edit.Operation) })
	contentB := base
	sessionB.OnEdit(func(edit ot.Edit) { contentB = applyToContent(contentB, edit.Operation) })

	localA, err := sessionA.BroadcastEdit(context.Background(), "note_1", protocol.ResourceNote,
		ot.Operation{Type: ot.OpInsert, Position: 2, Content: "X"}, nil)
	if err != nil {
		t.Fatalf("Replica A edit failed: %v", err)
	}
	contentA = applyToContent(contentA, localA.Operation)

	localB, err := sessionB.BroadcastEdit(context.Background(), "note_1", protocol.ResourceNote,
		ot.Operation{Type: ot.OpInsert, Position: 2, Content: "Y"}, nil)
	if err != nil {
		t.Fatalf("Replica B edit failed: %v", err)
	}
	contentB = applyToContent(contentB, localB.Operation)

	// Cross-deliver each replica's broadcast to the other.
	sentA := trA.sentOfType(protocol.MsgEdit)
	sentB := trB.sentOfType(protocol.MsgEdit)
	if len(sentA) != 1 || len(sentB) != 1 {
		t.Fatalf("Expected one broadcast per replica, got %d and %d", len(sentA), len(sentB))
	}
	trB.deliver(sentA[0].Message)
	trA.deliver(sentB[0].Message)

	if contentA != "heXYllo" {
		t.Errorf("Replica A: expected %q, got %q", "heXYllo", contentA)
	}
	if contentA != contentB {
		t.Errorf("Replicas diverged: %q vs %q", contentA, contentB)
	}
}

type staticDirectory map[string]string

func (d staticDirectory) ResolveUsername(_ context.Context, name string) (string, error) {
	return d[name], nil
}

type recordingStore struct {
	mu     sync.Mutex
	stored []*storage.Notification
}

func (s *recordingStore) Store(_ context.Context, n *storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, n)
	return nil
}

func (s *recordingStore) MarkRead(_ context.Context, _ []string) error { return nil }

func (s *recordingStore) ListUnread(_ context.Context, _ string) ([]*storage.Notification, error) {
	return nil, nil
}

func (s *recordingStore) Close() error { return nil }

func TestSession_InsertEditProcessesMentions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(originTime())
	tr := newFakeTransport()
	store := &recordingStore{}
	mentions := mention.NewProcessor(staticDirectory{"bob": "user_bob"}, store, clock, zap.NewNop())

	session := NewSession(Identity{UserID: "user_a", UserName: "Alice"},
		tr,
		ot.NewEngine(clock),
		presence.NewTracker(clock, zap.NewNop()),
		mentions,
		clock,
		zap.NewNop())
	defer session.Close()

	_, err := session.BroadcastEdit(context.Background(), "note_1", protocol.ResourceNote,
		ot.Operation{Type: ot.OpInsert, Position: 0, Content: "cc @bob on this"}, nil)
	if err != nil {
		t.Fatalf("Failed to broadcast edit: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.stored) != 1 {
		t.Fatalf("Expected 1 mention notification, got %d", len(store.stored))
	}
	if store.stored[0].ToUserID != "user_bob" || store.stored[0].FromUserID != "user_a" {
		t.Errorf("Unexpected notification routing: %+v", store.stored[0])
	}
}

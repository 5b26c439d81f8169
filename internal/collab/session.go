package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/mention"
	"github.com/threadline/collab/internal/ot"
	"github.com/threadline/collab/internal/presence"
	"github.com/threadline/collab/internal/protocol"
	"github.com/threadline/collab/internal/transport"
)

// Identity is the local actor, supplied by the hosting auth/session layer.
type Identity struct {
	UserID   string
	UserName string
}

// Transport is the slice of the connection manager the session needs.
type Transport interface {
	Send(msgType protocol.MessageType, payload interface{}, priority transport.Priority) error
	Subscribe(msgType protocol.MessageType, handler transport.Handler) func()
}

// EditHandler receives remote edits after local transformation.
type EditHandler func(edit ot.Edit)

// CursorHandler receives remote cursor updates.
type CursorHandler func(cursor protocol.CursorPayload)

// Session wires presence, OT and mentions over one transport connection.
// Local intents flow through the OT engine before broadcast; remote events
// are re-transformed against local history and fanned out to subscribers.
// Local callers never see their own events echoed back.
type Session struct {
	identity  Identity
	transport Transport
	engine    *ot.Engine
	tracker   *presence.Tracker
	mentions  *mention.Processor
	clock     clockwork.Clock
	logger    *zap.Logger

	mutex        sync.Mutex
	nextSubID    int64
	editSubs     map[int64]EditHandler
	cursorSubs   map[int64]CursorHandler
	unsubscribes []func()
	closed       bool
}

// NewSession registers the session's transport subscriptions and returns
// the façade. The mention processor may be nil when mention notifications
// are not wanted.
func NewSession(identity Identity, tr Transport, engine *ot.Engine, tracker *presence.Tracker, mentions *mention.Processor, clock clockwork.Clock, logger *zap.Logger) *Session {
	s := &Session{
		identity:   identity,
		transport:  tr,
		engine:     engine,
		tracker:    tracker,
		mentions:   mentions,
		clock:      clock,
		logger:     logger.Named("collab"),
		editSubs:   make(map[int64]EditHandler),
		cursorSubs: make(map[int64]CursorHandler),
	}

	s.unsubscribes = []func(){
		tr.Subscribe(protocol.MsgEdit, s.handleRemoteEdit),
		tr.Subscribe(protocol.MsgPresence, s.handleRemotePresence),
		tr.Subscribe(protocol.MsgPresenceRemove, s.handleRemotePresenceRemove),
		tr.Subscribe(protocol.MsgCursor, s.handleRemoteCursor),
	}

	return s
}

// TrackPresence records the local user on a resource and broadcasts it.
func (s *Session) TrackPresence(resourceID string, resourceType protocol.ResourceType, status protocol.PresenceStatus, cursor *protocol.CursorRange) error {
	s.tracker.Upsert(presence.Info{
		UserID:       s.identity.UserID,
		UserName:     s.identity.UserName,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Status:       status,
		Cursor:       cursor,
	})

	payload := protocol.PresencePayload{
		UserID:       s.identity.UserID,
		UserName:     s.identity.UserName,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Status:       status,
		Cursor:       cursor,
		LastSeen:     s.clock.Now().UTC(),
	}
	return s.transport.Send(protocol.MsgPresence, payload, transport.PriorityNormal)
}

// RemovePresence deletes local tracking and broadcasts explicit removal.
func (s *Session) RemovePresence(resourceID string) error {
	s.tracker.Remove(s.identity.UserID, resourceID)

	payload := protocol.PresenceRemovePayload{
		UserID:     s.identity.UserID,
		ResourceID: resourceID,
	}
	return s.transport.Send(protocol.MsgPresenceRemove, payload, transport.PriorityNormal)
}

// GetPresence returns all currently-known peers on the resource, the
// local user included; excluding self is up to the caller.
func (s *Session) GetPresence(resourceID string, resourceType protocol.ResourceType) []*presence.Info {
	return s.tracker.Active(resourceID, resourceType)
}

// BroadcastEdit runs the operation through the local authoritative
// transform, processes mentions on inserted content, and sends the
// transformed edit to peers. The caller's own OnEdit subscribers are
// never invoked for it.
func (s *Session) BroadcastEdit(ctx context.Context, resourceID string, resourceType protocol.ResourceType, op ot.Operation, cursor *protocol.CursorRange) (ot.Edit, error) {
	applied, err := s.engine.ApplyEdit(ot.Edit{
		UserID:       s.identity.UserID,
		UserName:     s.identity.UserName,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Operation:    op,
		Cursor:       cursor,
	})
	if err != nil {
		return ot.Edit{}, fmt.Errorf("failed to apply edit: %w", err)
	}

	if s.mentions != nil && applied.Operation.Type == ot.OpInsert && applied.Operation.Content != "" {
		s.mentions.Process(ctx, applied.Operation.Content, resourceID, resourceType, s.identity.UserID, s.identity.UserName)
	}

	payload := protocol.EditPayload{
		ID:           applied.ID,
		UserID:       applied.UserID,
		UserName:     applied.UserName,
		ResourceID:   applied.ResourceID,
		ResourceType: applied.ResourceType,
		Operation:    wireOperation(applied.Operation),
		Timestamp:    applied.Timestamp,
		Cursor:       applied.Cursor,
	}
	if err := s.transport.Send(protocol.MsgEdit, payload, transport.PriorityNormal); err != nil {
		return applied, fmt.Errorf("failed to broadcast edit: %w", err)
	}
	return applied, nil
}

// BroadcastCursor sends the local cursor position. Cursor traffic is high
// volume and disposable, so it rides the low-priority lane.
func (s *Session) BroadcastCursor(resourceID string, resourceType protocol.ResourceType, cursor protocol.CursorRange) error {
	payload := protocol.CursorPayload{
		UserID:       s.identity.UserID,
		UserName:     s.identity.UserName,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Cursor:       cursor,
	}
	return s.transport.Send(protocol.MsgCursor, payload, transport.PriorityLow)
}

// OnEdit registers a callback for remote edits. The returned unsubscribe
// is safe to call more than once.
func (s *Session) OnEdit(handler EditHandler) func() {
	s.mutex.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.editSubs[id] = handler
	s.mutex.Unlock()

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.editSubs, id)
	}
}

// OnCursorUpdate registers a callback for remote cursor updates. The
// returned unsubscribe is safe to call more than once.
func (s *Session) OnCursorUpdate(handler CursorHandler) func() {
	s.mutex.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.cursorSubs[id] = handler
	s.mutex.Unlock()

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.cursorSubs, id)
	}
}

// GetEditHistory returns recent history for a resource in chronological
// order.
func (s *Session) GetEditHistory(resourceID string, resourceType protocol.ResourceType, limit int) []*ot.HistoryEntry {
	return s.engine.GetEditHistory(resourceID, resourceType, limit)
}

// Close drops the session's transport subscriptions and cancels every
// pending presence expiry timer.
func (s *Session) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	unsubscribes := s.unsubscribes
	s.unsubscribes = nil
	s.mutex.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	s.tracker.Stop()
}

func (s *Session) handleRemoteEdit(msg protocol.Message) {
	var payload protocol.EditPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Warn("dropping malformed edit payload", zap.Error(err))
		return
	}
	if payload.UserID == s.identity.UserID {
		return
	}

	// Re-run the transform so the remote edit is adjusted against our own
	// concurrent local history before anyone sees it.
	applied, err := s.engine.ApplyEdit(ot.Edit{
		ID:           payload.ID,
		UserID:       payload.UserID,
		UserName:     payload.UserName,
		ResourceID:   payload.ResourceID,
		ResourceType: payload.ResourceType,
		Operation:    engineOperation(payload.Operation),
		Timestamp:    payload.Timestamp,
		Cursor:       payload.Cursor,
	})
	if err != nil {
		s.logger.Warn("failed to apply remote edit",
			zap.String("edit_id", payload.ID),
			zap.Error(err))
		return
	}

	s.mutex.Lock()
	handlers := make([]EditHandler, 0, len(s.editSubs))
	for _, handler := range s.editSubs {
		handlers = append(handlers, handler)
	}
	s.mutex.Unlock()

	for _, handler := range handlers {
		s.invokeEditHandler(handler, applied)
	}
}

func (s *Session) handleRemotePresence(msg protocol.Message) {
	var payload protocol.PresencePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Warn("dropping malformed presence payload", zap.Error(err))
		return
	}
	if payload.UserID == s.identity.UserID {
		return
	}

	s.tracker.Upsert(presence.Info{
		UserID:       payload.UserID,
		UserName:     payload.UserName,
		ResourceID:   payload.ResourceID,
		ResourceType: payload.ResourceType,
		Status:       payload.Status,
		Cursor:       payload.Cursor,
	})
}

func (s *Session) handleRemotePresenceRemove(msg protocol.Message) {
	var payload protocol.PresenceRemovePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Warn("dropping malformed presence removal", zap.Error(err))
		return
	}
	s.tracker.Remove(payload.UserID, payload.ResourceID)
}

func (s *Session) handleRemoteCursor(msg protocol.Message) {
	var payload protocol.CursorPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Warn("dropping malformed cursor payload", zap.Error(err))
		return
	}
	if payload.UserID == s.identity.UserID {
		return
	}

	s.mutex.Lock()
	handlers := make([]CursorHandler, 0, len(s.cursorSubs))
	for _, handler := range s.cursorSubs {
		handlers = append(handlers, handler)
	}
	s.mutex.Unlock()

	for _, handler := range handlers {
		s.invokeCursorHandler(handler, payload)
	}
}

func (s *Session) invokeEditHandler(handler EditHandler, edit ot.Edit) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("edit subscriber panicked", zap.Any("panic", r))
		}
	}()
	handler(edit)
}

func (s *Session) invokeCursorHandler(handler CursorHandler, cursor protocol.CursorPayload) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cursor subscriber panicked", zap.Any("panic", r))
		}
	}()
	handler(cursor)
}

func wireOperation(op ot.Operation) protocol.Operation {
	return protocol.Operation{
		Type:     string(op.Type),
		Position: op.Position,
		Content:  op.Content,
		Length:   op.Length,
	}
}

func engineOperation(op protocol.Operation) ot.Operation {
	return ot.Operation{
		Type:     ot.OperationType(op.Type),
		Position: op.Position,
		Content:  op.Content,
		Length:   op.Length,
	}
}

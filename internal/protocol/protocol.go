package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies a wire message. Unrecognized inbound types are
// dispatched to whoever subscribed to that exact string.
type MessageType string

const (
	MsgAuth           MessageType = "auth"
	MsgSubscribe      MessageType = "subscribe"
	MsgUnsubscribe    MessageType = "unsubscribe"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
	MsgBatch          MessageType = "batch"
	MsgPresence       MessageType = "collaboration_presence"
	MsgPresenceRemove MessageType = "collaboration_presence_remove"
	MsgEdit           MessageType = "collaboration_edit"
	MsgCursor         MessageType = "collaboration_cursor"
)

// Message is the JSON envelope every frame carries.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Batch wraps multiple queued messages drained in one timer tick.
type Batch struct {
	Type     MessageType `json:"type"`
	Messages []Message   `json:"messages"`
}

type ResourceType string

const (
	ResourceNote    ResourceType = "note"
	ResourceContact ResourceType = "contact"
)

type PresenceStatus string

const (
	StatusViewing PresenceStatus = "viewing"
	StatusEditing PresenceStatus = "editing"
)

// CursorRange is a selection span in the flat text buffer.
type CursorRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type SubscribePayload struct {
	MessageType MessageType `json:"message_type"`
}

type PresencePayload struct {
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	ResourceID   string         `json:"resource_id"`
	ResourceType ResourceType   `json:"resource_type"`
	Status       PresenceStatus `json:"status"`
	Cursor       *CursorRange   `json:"cursor,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
}

type PresenceRemovePayload struct {
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
}

type EditPayload struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	UserName     string       `json:"user_name"`
	ResourceID   string       `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	Operation    Operation    `json:"operation"`
	Timestamp    time.Time    `json:"timestamp"`
	Cursor       *CursorRange `json:"cursor,omitempty"`
}

// Operation is the wire form of an edit operation.
type Operation struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

type CursorPayload struct {
	UserID       string       `json:"user_id"`
	UserName     string       `json:"user_name"`
	ResourceID   string       `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	Cursor       CursorRange  `json:"cursor"`
}

// Encode marshals a payload into an envelope with the given id.
func Encode(msgType MessageType, payload interface{}, id string) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: data, ID: id}, nil
}

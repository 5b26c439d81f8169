package storage

import (
	"context"
	"time"

	"github.com/threadline/collab/internal/protocol"
)

// Notification is a persisted mention notification. Read state is the
// only field that mutates after creation.
type Notification struct {
	ID           string                `json:"id"`
	FromUserID   string                `json:"from_user_id"`
	FromUserName string                `json:"from_user_name"`
	ToUserID     string                `json:"to_user_id"`
	ResourceID   string                `json:"resource_id"`
	ResourceType protocol.ResourceType `json:"resource_type"`
	Content      string                `json:"content"`
	Position     int                   `json:"position"`
	CreatedAt    time.Time             `json:"created_at"`
	IsRead       bool                  `json:"is_read"`
}

// NotificationStore persists mention notifications.
type NotificationStore interface {
	Store(ctx context.Context, n *Notification) error
	MarkRead(ctx context.Context, ids []string) error
	ListUnread(ctx context.Context, userID string) ([]*Notification, error)
	Close() error
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/threadline/collab/internal/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testNotification(id, toUserID string, createdAt time.Time) *Notification {
	return &Notification{
		ID:           id,
		FromUserID:   "user_from",
		FromUserName: "Sender",
		ToUserID:     toUserID,
		ResourceID:   "note_1",
		ResourceType: protocol.ResourceNote,
		Content:      "hey @you, look at this",
		Position:     4,
		CreatedAt:    createdAt,
	}
}

func TestSQLiteStore_StoreAndListUnread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createdAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Store(ctx, testNotification("n1", "user_a", createdAt)); err != nil {
		t.Fatalf("Failed to store notification: %v", err)
	}

	unread, err := store.ListUnread(ctx, "user_a")
	if err != nil {
		t.Fatalf("Failed to list unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("Expected 1 unread notification, got %d", len(unread))
	}

	got := unread[0]
	if got.ID != "n1" {
		t.Errorf("Expected id n1, got %s", got.ID)
	}
	if got.FromUserName != "Sender" {
		t.Errorf("Expected sender name preserved, got %s", got.FromUserName)
	}
	if got.ResourceType != protocol.ResourceNote {
		t.Errorf("Expected note resource type, got %s", got.ResourceType)
	}
	if got.Position != 4 {
		t.Errorf("Expected position 4, got %d", got.Position)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Errorf("Expected created_at %v, got %v", createdAt, got.CreatedAt)
	}
	if got.IsRead {
		t.Error("Expected unread notification")
	}
}

func TestSQLiteStore_ListUnreadFiltersByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Store(ctx, testNotification("n1", "user_a", now))
	store.Store(ctx, testNotification("n2", "user_b", now))

	unread, err := store.ListUnread(ctx, "user_a")
	if err != nil {
		t.Fatalf("Failed to list unread: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != "n1" {
		t.Errorf("Expected only user_a notifications, got %d", len(unread))
	}
}

func TestSQLiteStore_ListUnreadNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Store(ctx, testNotification("n_old", "user_a", base))
	store.Store(ctx, testNotification("n_new", "user_a", base.Add(time.Minute)))

	unread, err := store.ListUnread(ctx, "user_a")
	if err != nil {
		t.Fatalf("Failed to list unread: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(unread))
	}
	if unread[0].ID != "n_new" || unread[1].ID != "n_old" {
		t.Errorf("Expected newest first, got %s then %s", unread[0].ID, unread[1].ID)
	}
}

func TestSQLiteStore_MarkRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Store(ctx, testNotification("n1", "user_a", now))
	store.Store(ctx, testNotification("n2", "user_a", now))
	store.Store(ctx, testNotification("n3", "user_a", now))

	if err := store.MarkRead(ctx, []string{"n1", "n3"}); err != nil {
		t.Fatalf("Failed to mark read: %v", err)
	}

	unread, err := store.ListUnread(ctx, "user_a")
	if err != nil {
		t.Fatalf("Failed to list unread: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != "n2" {
		t.Fatalf("Expected only n2 unread, got %d entries", len(unread))
	}
}

func TestSQLiteStore_MarkReadEmptyIsNoOp(t *testing.T) {
	store := newTestStore(t)

	if err := store.MarkRead(context.Background(), nil); err != nil {
		t.Errorf("Expected nil for empty id list, got %v", err)
	}
}

func TestSQLiteStore_StoreReplacesExistingID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Store(ctx, testNotification("n1", "user_a", now))

	updated := testNotification("n1", "user_a", now)
	updated.Content = "edited content"
	if err := store.Store(ctx, updated); err != nil {
		t.Fatalf("Failed to replace notification: %v", err)
	}

	unread, err := store.ListUnread(ctx, "user_a")
	if err != nil {
		t.Fatalf("Failed to list unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("Expected 1 notification after replace, got %d", len(unread))
	}
	if unread[0].Content != "edited content" {
		t.Errorf("Expected replaced content, got %q", unread[0].Content)
	}
}

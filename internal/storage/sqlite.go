package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/threadline/collab/internal/protocol"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mention_notifications (
		id TEXT PRIMARY KEY,
		from_user_id TEXT NOT NULL,
		from_user_name TEXT NOT NULL,
		to_user_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		content TEXT NOT NULL,
		position INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_to_user ON mention_notifications(to_user_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_unread ON mention_notifications(to_user_id, is_read);
	CREATE INDEX IF NOT EXISTS idx_notifications_created ON mention_notifications(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Store(ctx context.Context, n *Notification) error {
	query := `
		INSERT OR REPLACE INTO mention_notifications
		(id, from_user_id, from_user_name, to_user_id, resource_id, resource_type, content, position, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.FromUserID,
		n.FromUserName,
		n.ToUserID,
		n.ResourceID,
		string(n.ResourceType),
		n.Content,
		n.Position,
		n.CreatedAt.UnixMilli(),
		boolToInt(n.IsRead),
	)

	return err
}

func (s *SQLiteStore) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = "?"
	}

	query := fmt.Sprintf(`
		UPDATE mention_notifications SET is_read = 1 WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) ListUnread(ctx context.Context, userID string) ([]*Notification, error) {
	query := `
		SELECT id, from_user_id, from_user_name, to_user_id, resource_id, resource_type, content, position, created_at, is_read
		FROM mention_notifications
		WHERE to_user_id = ? AND is_read = 0
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanNotification(rows *sql.Rows) (*Notification, error) {
	var n Notification
	var resourceType string
	var createdAt int64
	var isRead int

	err := rows.Scan(
		&n.ID,
		&n.FromUserID,
		&n.FromUserName,
		&n.ToUserID,
		&n.ResourceID,
		&resourceType,
		&n.Content,
		&n.Position,
		&createdAt,
		&isRead,
	)
	if err != nil {
		return nil, err
	}

	n.ResourceType = protocol.ResourceType(resourceType)
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	n.IsRead = isRead != 0
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

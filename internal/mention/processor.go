package mention

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/protocol"
	"github.com/threadline/collab/internal/storage"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Directory resolves a mentioned username to a user id. An empty id with a
// nil error means the name is unknown.
type Directory interface {
	ResolveUsername(ctx context.Context, name string) (string, error)
}

// Processor scans edited content for @mentions and persists one
// notification per resolved mention.
type Processor struct {
	directory Directory
	store     storage.NotificationStore
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewProcessor(directory Directory, store storage.NotificationStore, clock clockwork.Clock, logger *zap.Logger) *Processor {
	return &Processor{
		directory: directory,
		store:     store,
		clock:     clock,
		logger:    logger.Named("mention"),
	}
}

// Process returns the notifications created for content. Self-mentions and
// tokens the directory cannot resolve are skipped; a failed store write
// drops that notification and keeps going.
func (p *Processor) Process(ctx context.Context, content, resourceID string, resourceType protocol.ResourceType, fromUserID, fromUserName string) []*storage.Notification {
	matches := mentionPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	var created []*storage.Notification
	for _, match := range matches {
		name := content[match[2]:match[3]]

		toUserID, err := p.directory.ResolveUsername(ctx, name)
		if err != nil {
			p.logger.Warn("mention lookup failed",
				zap.String("username", name),
				zap.Error(err))
			continue
		}
		if toUserID == "" || toUserID == fromUserID {
			continue
		}

		notification := &storage.Notification{
			ID:           uuid.NewString(),
			FromUserID:   fromUserID,
			FromUserName: fromUserName,
			ToUserID:     toUserID,
			ResourceID:   resourceID,
			ResourceType: resourceType,
			Content:      content,
			Position:     match[0],
			CreatedAt:    p.clock.Now().UTC(),
		}

		if err := p.store.Store(ctx, notification); err != nil {
			p.logger.Warn("failed to store mention notification",
				zap.String("to_user_id", toUserID),
				zap.Error(err))
			continue
		}
		created = append(created, notification)
	}

	return created
}

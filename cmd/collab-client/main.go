package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/collab"
	"github.com/threadline/collab/internal/config"
	"github.com/threadline/collab/internal/logging"
	"github.com/threadline/collab/internal/mention"
	"github.com/threadline/collab/internal/ot"
	"github.com/threadline/collab/internal/presence"
	"github.com/threadline/collab/internal/protocol"
	"github.com/threadline/collab/internal/storage"
	"github.com/threadline/collab/internal/transport"
)

// staticDirectory resolves mentions from configured username -> user id
// pairs. A real deployment plugs in the user directory service here.
type staticDirectory map[string]string

func (d staticDirectory) ResolveUsername(_ context.Context, name string) (string, error) {
	return d[name], nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v := config.NewViper()
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	clock := clockwork.NewRealClock()

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open notification store: %w", err)
	}
	defer store.Close()

	manager := transport.NewManager(transport.Config{
		URL:                  cfg.ServerURL,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		BatchInterval:        cfg.BatchInterval,
		BatchSize:            cfg.BatchSize,
		QueueCapacity:        cfg.QueueCapacity,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
	}, transport.NewWebsocketDialer(10*time.Second), clock, logger)

	directory := staticDirectory(v.GetStringMapString("directory"))
	engine := ot.NewEngine(clock)
	tracker := presence.NewTracker(clock, logger)
	mentions := mention.NewProcessor(directory, store, clock, logger)

	session := collab.NewSession(collab.Identity{
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
	}, manager, engine, tracker, mentions, clock, logger)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Connect(ctx, cfg.AuthToken); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer manager.Disconnect()

	stopEdits := session.OnEdit(func(edit ot.Edit) {
		logger.Info("remote edit",
			zap.String("user", edit.UserName),
			zap.String("resource_id", edit.ResourceID),
			zap.String("op", string(edit.Operation.Type)),
			zap.Int("position", edit.Operation.Position))
	})
	defer stopEdits()

	stopCursors := session.OnCursorUpdate(func(cursor protocol.CursorPayload) {
		logger.Debug("remote cursor",
			zap.String("user", cursor.UserName),
			zap.String("resource_id", cursor.ResourceID),
			zap.Int("start", cursor.Cursor.Start),
			zap.Int("end", cursor.Cursor.End))
	})
	defer stopCursors()

	if resourceID := v.GetString("resource.id"); resourceID != "" {
		if err := session.TrackPresence(resourceID, protocol.ResourceNote, protocol.StatusViewing, nil); err != nil {
			logger.Warn("failed to track presence", zap.Error(err))
		}
		defer session.RemovePresence(resourceID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", zap.Any("metrics", manager.Metrics()))
	return nil
}

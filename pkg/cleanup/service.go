// Package cleanup provides data retention for delivered events and
// finished workflow executions. Tracker headers are never deleted; the
// journal is the system of record.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/cresconet/loadctl/pkg/config"
)

// EventCleaner removes delivered stage events past their TTL.
// Implemented by events.Publisher.
type EventCleaner interface {
	CleanupDelivered(ctx context.Context, ttl time.Duration) (int64, error)
}

// ExecutionCleaner removes terminal workflow executions past retention.
// Implemented by the workflow stores.
type ExecutionCleaner interface {
	DeleteFinished(ctx context.Context, olderThan time.Duration) (int, error)
}

// Service periodically enforces retention policies. All operations are
// idempotent and safe to run from multiple pods.
type Service struct {
	config     *config.RetentionConfig
	events     EventCleaner
	executions ExecutionCleaner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, events EventCleaner, executions ExecutionCleaner) *Service {
	return &Service{
		config:     cfg,
		events:     events,
		executions: executions,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"execution_retention", s.config.ExecutionRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupEvents(ctx)
	s.cleanupExecutions(ctx)
}

func (s *Service) cleanupEvents(ctx context.Context) {
	count, err := s.events.CleanupDelivered(ctx, s.config.EventTTL)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleaned up delivered events", "count", count)
	}
}

func (s *Service) cleanupExecutions(ctx context.Context) {
	count, err := s.executions.DeleteFinished(ctx, s.config.ExecutionRetention)
	if err != nil {
		slog.Error("Retention: execution cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted finished executions", "count", count)
	}
}

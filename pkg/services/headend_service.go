package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// HeadEndService ingests head-end operational callbacks: a deployed
// policy starting and finishing enforcement. The head-end only knows
// the policy id, so the request is resolved through the policy index.
type HeadEndService struct {
	tracker tracker.Store
	sink    events.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewHeadEndService wires the callback path.
func NewHeadEndService(store tracker.Store, sink events.Sink, logger *slog.Logger) *HeadEndService {
	if store == nil {
		panic("NewHeadEndService: store must not be nil")
	}
	return &HeadEndService{
		tracker: store,
		sink:    sink,
		logger:  logger.With("component", "headend-service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OverrideStarted records that the policy began enforcing.
func (s *HeadEndService) OverrideStarted(ctx context.Context, headEnd string, policyID int64, at time.Time) error {
	return s.record(ctx, headEnd, policyID, models.StageOverrideStarted, at)
}

// OverrideFinished records that the policy finished enforcing. This is
// the request's normal terminal stage.
func (s *HeadEndService) OverrideFinished(ctx context.Context, headEnd string, policyID int64, at time.Time) error {
	return s.record(ctx, headEnd, policyID, models.StageOverrideFinished, at)
}

func (s *HeadEndService) record(ctx context.Context, headEnd string, policyID int64, stage models.Stage, at time.Time) error {
	header, err := s.tracker.FindByPolicyID(ctx, headEnd, policyID)
	if err == tracker.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve policy %d on %s: %w", policyID, headEnd, err)
	}

	if at.IsZero() {
		at = s.now().UTC()
	}
	if _, err = s.tracker.AppendStage(ctx, header.CorrelationID, tracker.StageUpdate{
		Stage: stage,
		At:    at,
	}); err != nil {
		return fmt.Errorf("failed to journal %s for %s: %w", stage, header.CorrelationID, err)
	}

	s.logger.Info("head-end callback recorded",
		"correlation_id", header.CorrelationID,
		"policy_id", policyID,
		"stage", stage)

	if s.sink == nil {
		return nil
	}
	event := events.NewStageEvent(events.EventInput{
		CorrelationID:  header.CorrelationID,
		SubscriptionID: header.SubscriptionID,
		Site:           header.Site,
		MeterSerial:    header.MeterSerial,
		Milestone:      stage,
		At:             at,
	})
	if err := s.sink.PublishStageEvent(ctx, event); err != nil {
		s.logger.Error("failed to publish head-end event",
			"correlation_id", header.CorrelationID, "error", err)
	}
	return nil
}

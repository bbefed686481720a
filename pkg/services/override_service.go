// Package services implements the request-facing operations behind the
// HTTP handlers: override acceptance, cancellation, status queries and
// head-end callbacks. Handlers translate HTTP to these calls and map
// the returned errors back to status codes.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/validator"
)

// Correlation ids embed the site-local clock (UTC+10), not UTC, so
// operators can read the submission time off the id.
const (
	correlationClockOffset = 10 * time.Hour
	correlationTimeFormat  = "2006-01-02T150405"
)

// OverrideQueue is the ingress queue the dispatcher consumes from.
// Implemented by dispatch.PostgresSource and dispatch.MemorySource.
type OverrideQueue interface {
	Enqueue(ctx context.Context, req models.OverrideRequest) error
}

// OverrideService accepts override submissions: validates them, creates
// the tracker header, and places them on the ingress queue.
type OverrideService struct {
	tracker   tracker.Store
	subs      SubscriptionRegistry
	queue     OverrideQueue
	syntactic *validator.Syntactic
	temporal  *validator.Temporal
	sink      events.Sink
	cfg       *config.OverrideConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewOverrideService wires the accept path.
func NewOverrideService(store tracker.Store, subs SubscriptionRegistry, queue OverrideQueue,
	sink events.Sink, cfg *config.OverrideConfig, logger *slog.Logger) *OverrideService {
	if store == nil {
		panic("NewOverrideService: store must not be nil")
	}
	if queue == nil {
		panic("NewOverrideService: queue must not be nil")
	}
	return &OverrideService{
		tracker:   store,
		subs:      subs,
		queue:     queue,
		syntactic: validator.NewSyntactic(cfg.DefaultDuration),
		temporal:  validator.NewTemporal(store),
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "override-service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs the accept path for one submission and returns the
// assigned correlation id. Rejections come back as *RejectionError;
// syntactic rejections happen before a correlation id exists, every
// later rejection also declines the tracked request.
func (s *OverrideService) Submit(ctx context.Context, subscriptionID string, sub validator.Submission) (string, error) {
	checked := s.syntactic.Check(sub)
	if !checked.Valid() {
		return "", &RejectionError{
			Message: fmt.Sprintf("Invalid request: found %d error(s)", len(checked.Errors)),
			Details: checked.Errors,
		}
	}

	now := s.now().UTC()
	correlationID := s.newCorrelationID(checked.Site, now)

	header := &tracker.Header{
		CorrelationID:  correlationID,
		SubscriptionID: subscriptionID,
		Site:           checked.Site,
		MeterSerial:    checked.Meter,
		OverrideValue:  checked.Status,
		Service:        models.LoadControlService,
		OriginalStart:  checked.Start,
	}
	if checked.GroupID != "" {
		header.GroupID = &checked.GroupID
	}
	if err := s.tracker.CreateHeader(ctx, header); err != nil {
		return "", fmt.Errorf("failed to create tracker header for %s: %w", correlationID, err)
	}

	if _, err := s.subs.GetActive(ctx, subscriptionID, models.LoadControlService); err != nil {
		if err != ErrNotFound {
			return "", fmt.Errorf("failed to resolve subscription %s: %w", subscriptionID, err)
		}
		s.decline(ctx, header, now, []string{validator.MsgNoActiveSubscription})
		return "", &RejectionError{
			CorrelationID: correlationID,
			Message:       "Invalid request: found 1 subscription error(s)",
			Details:       []string{validator.MsgNoActiveSubscription},
		}
	}

	// The window rules run against the normalized window, but the queued
	// request keeps the raw values; the dispatcher normalizes again at
	// dispatch time so an omitted start means "when dispatched".
	start, end := normalizeWindow(checked.Start, checked.End, now, s.cfg.DefaultDuration)
	if details := s.checkWindow(ctx, checked, start, end); len(details) > 0 {
		s.decline(ctx, header, now, details)
		return "", &RejectionError{
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("Invalid request: found %d error(s)", len(details)),
			Details:       details,
		}
	}

	err := s.queue.Enqueue(ctx, models.OverrideRequest{
		CorrelationID:  correlationID,
		SubscriptionID: subscriptionID,
		Site:           checked.Site,
		MeterSerial:    checked.Meter,
		Status:         checked.Status,
		Start:          checked.Start,
		End:            checked.End,
		GroupID:        checked.GroupID,
	})
	if err != nil {
		s.decline(ctx, header, now, []string{err.Error()})
		return "", fmt.Errorf("failed to enqueue request %s: %w", correlationID, err)
	}

	s.logger.Info("override request accepted",
		"correlation_id", correlationID,
		"subscription_id", subscriptionID,
		"site", checked.Site,
		"meter_serial", checked.Meter)
	return correlationID, nil
}

// checkWindow applies the duration cap and the temporal pass.
func (s *OverrideService) checkWindow(ctx context.Context, checked *validator.Checked, start, end time.Time) []string {
	if s.cfg.MaxDuration > 0 && end.Sub(start) > s.cfg.MaxDuration {
		return []string{validator.MsgDurationTooLong}
	}
	classification, err := s.temporal.Classify(ctx, checked.Site, checked.Meter, start, end)
	if err != nil {
		s.logger.Error("temporal classification failed",
			"site", checked.Site, "meter_serial", checked.Meter, "error", err)
		return []string{err.Error()}
	}
	if msg := classification.Message(); msg != "" {
		return []string{msg}
	}
	return nil
}

// decline journals the DECLINED stage and publishes the milestone.
// Failures here are logged, not surfaced: the caller already has a
// rejection to report.
func (s *OverrideService) decline(ctx context.Context, h *tracker.Header, at time.Time, details []string) {
	message := strings.Join(details, "; ")
	if _, err := s.tracker.AppendStage(ctx, h.CorrelationID, tracker.StageUpdate{
		Stage:   models.StageDeclined,
		Message: message,
		At:      at,
	}); err != nil {
		s.logger.Error("failed to journal decline",
			"correlation_id", h.CorrelationID, "error", err)
		return
	}
	if s.sink == nil {
		return
	}
	event := events.NewStageEvent(events.EventInput{
		CorrelationID:  h.CorrelationID,
		SubscriptionID: h.SubscriptionID,
		Site:           h.Site,
		MeterSerial:    h.MeterSerial,
		Milestone:      models.StageDeclined,
		Description:    message,
		At:             at,
	})
	if err := s.sink.PublishStageEvent(ctx, event); err != nil {
		s.logger.Error("failed to publish decline event",
			"correlation_id", h.CorrelationID, "error", err)
	}
}

func (s *OverrideService) newCorrelationID(site string, now time.Time) string {
	stamp := now.Add(correlationClockOffset).Format(correlationTimeFormat)
	return fmt.Sprintf("%s-%s-%s", site, stamp, uuid.New())
}

// normalizeWindow fills an omitted start with now and an omitted end
// with start + defaultDuration.
func normalizeWindow(start, end *time.Time, now time.Time, defaultDuration time.Duration) (time.Time, time.Time) {
	s := now
	if start != nil {
		s = start.UTC()
	}
	e := s.Add(defaultDuration)
	if end != nil {
		e = end.UTC()
	}
	return s, e
}

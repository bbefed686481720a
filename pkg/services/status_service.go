package services

import (
	"context"
	"fmt"

	"github.com/cresconet/loadctl/pkg/tracker"
)

// StatusService answers request status and journal queries.
type StatusService struct {
	tracker tracker.Store
}

// NewStatusService creates the read-side service over the tracker.
func NewStatusService(store tracker.Store) *StatusService {
	if store == nil {
		panic("NewStatusService: store must not be nil")
	}
	return &StatusService{tracker: store}
}

// Status returns the header for a correlation id, or ErrNotFound.
func (s *StatusService) Status(ctx context.Context, correlationID string) (*tracker.Header, error) {
	header, err := s.tracker.GetHeader(ctx, correlationID)
	if err == tracker.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", correlationID, err)
	}
	return header, nil
}

// Journal returns the full stage journal for a correlation id, oldest
// first, or ErrNotFound for an unknown id.
func (s *StatusService) Journal(ctx context.Context, correlationID string) ([]tracker.StageRecord, error) {
	if _, err := s.Status(ctx, correlationID); err != nil {
		return nil, err
	}
	records, err := s.tracker.ListStages(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal for %s: %w", correlationID, err)
	}
	return records, nil
}

// ListBySite returns a site's requests, newest first.
func (s *StatusService) ListBySite(ctx context.Context, site string, limit int) ([]tracker.Header, error) {
	headers, err := s.tracker.ListBySite(ctx, site, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests for site %s: %w", site, err)
	}
	return headers, nil
}

// ListBySubscription returns a subscriber's requests, newest first.
func (s *StatusService) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]tracker.Header, error) {
	headers, err := s.tracker.ListBySubscription(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests for subscription %s: %w", subscriptionID, err)
	}
	return headers, nil
}

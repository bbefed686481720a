package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/workflow"
)

// CancelSubmitter queues cancel executions. Implemented by
// workflow.Engine.
type CancelSubmitter interface {
	SubmitCancel(ctx context.Context, p workflow.CancelPayload) (string, error)
}

// CancelService validates cancellation requests and hands accepted ones
// to the workflow engine. All validation failures are *RejectionError
// with messages the caller may match on.
type CancelService struct {
	tracker tracker.Store
	subs    SubscriptionRegistry
	engine  CancelSubmitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewCancelService wires the cancel accept path.
func NewCancelService(store tracker.Store, subs SubscriptionRegistry, engine CancelSubmitter, logger *slog.Logger) *CancelService {
	if store == nil {
		panic("NewCancelService: store must not be nil")
	}
	if engine == nil {
		panic("NewCancelService: engine must not be nil")
	}
	return &CancelService{
		tracker: store,
		subs:    subs,
		engine:  engine,
		logger:  logger.With("component", "cancel-service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Cancel checks the preconditions in order and submits the cancel
// execution. subscriber is the caller's identity; it must own the
// subscription the request was made under.
func (s *CancelService) Cancel(ctx context.Context, subscriptionID, correlationID, subscriber string) error {
	sub, err := s.subs.GetActive(ctx, subscriptionID, models.LoadControlService)
	if err == ErrNotFound {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Subscription id %s is not valid", subscriptionID))
	}
	if err != nil {
		return fmt.Errorf("failed to resolve subscription %s: %w", subscriptionID, err)
	}
	if sub.Subscriber != subscriber {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Given subscriber %s does not own the subscription %s", subscriber, subscriptionID))
	}

	header, err := s.tracker.GetHeader(ctx, correlationID)
	if err == tracker.ErrNotFound {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Correlation id %s not found", correlationID))
	}
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", correlationID, err)
	}
	if header.GroupID != nil && *header.GroupID != "" {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Correlation id %s is a part of group dispatch and cannot be canceled", correlationID))
	}
	if header.SubscriptionID != subscriptionID {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Subscription id %s does not match the subscription id of the override request to cancel", subscriptionID))
	}
	if !header.CurrentStage.In(models.CancellableStages) {
		return NewRejectionError(correlationID,
			fmt.Sprintf("Load control request in state: %s - cannot cancel from this state", header.CurrentStage))
	}
	if header.RequestEnd != nil && !header.RequestEnd.After(s.now().UTC()) {
		return NewRejectionError(correlationID,
			"Request given has an end date in the past so is already completed")
	}

	key, err := s.engine.SubmitCancel(ctx, workflow.CancelPayload{
		CorrelationID:  correlationID,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return fmt.Errorf("failed to submit cancellation for %s: %w", correlationID, err)
	}

	s.logger.Info("cancellation accepted",
		"correlation_id", correlationID,
		"subscription_id", subscriptionID,
		"execution_key", key)
	return nil
}

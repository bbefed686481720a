package events

import (
	"context"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// eventTimeFormat is ISO-8601 to seconds precision.
const eventTimeFormat = "2006-01-02T15:04:05Z07:00"

// StageEvent is the milestone payload delivered to external consumers.
// Field names are camelCase on the wire; absent fields are omitted, not
// nulled.
type StageEvent struct {
	EventType         string `json:"eventType"`
	EventDescription  string `json:"eventDescription,omitempty"`
	Milestone         string `json:"milestone,omitempty"`
	SubscriptionID    string `json:"subscriptionId,omitempty"`
	CorrelationID     string `json:"correlationId"`
	MeterSerialNumber string `json:"meterSerialNumber,omitempty"`
	Site              string `json:"site,omitempty"`
	EventDatetime     string `json:"eventDatetime"`
}

// EventInput carries the source fields for a stage event. Description
// defaults to "Request moved to stage <milestone>" when empty.
type EventInput struct {
	CorrelationID  string
	SubscriptionID string
	Site           string
	MeterSerial    string
	Milestone      models.Stage
	Description    string
	At             time.Time
}

// NewStageEvent builds the wire payload from an input.
func NewStageEvent(in EventInput) StageEvent {
	description := in.Description
	if description == "" {
		description = "Request moved to stage " + string(in.Milestone)
	}
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return StageEvent{
		EventType:         EventTypeLoadControl,
		EventDescription:  description,
		Milestone:         string(in.Milestone),
		SubscriptionID:    in.SubscriptionID,
		CorrelationID:     in.CorrelationID,
		MeterSerialNumber: in.MeterSerial,
		Site:              in.Site,
		EventDatetime:     at.UTC().Format(eventTimeFormat),
	}
}

// Sink delivers stage events to the external stream.
type Sink interface {
	PublishStageEvent(ctx context.Context, event StageEvent) error
}

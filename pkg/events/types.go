// Package events defines the milestone-event payloads emitted as a
// request moves through its lifecycle, and the sink that delivers them.
//
// Events are persisted to the events table and broadcast on a postgres
// NOTIFY channel in the same transaction, giving at-least-once delivery
// to external consumers. Ordering across events is not guaranteed;
// consumers treat (correlationId, milestone) pairs as idempotent.
package events

// EventTypeLoadControl tags every payload emitted by this service.
const EventTypeLoadControl = "LOAD_CONTROL"

// GlobalChannel receives every stage event (for stream consumers that
// follow the whole fleet).
const GlobalChannel = "dlc:events"

// RequestChannel returns the NOTIFY channel for one request.
func RequestChannel(correlationID string) string {
	return "dlc:" + correlationID
}

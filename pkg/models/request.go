package models

import "time"

// Service name recorded on every tracker header.
const LoadControlService = "load_control"

// Override switch directions.
const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

// HeadEndPolicyNet identifies the head-end that owns deployed policies.
const HeadEndPolicyNet = "PolicyNet"

// OverrideRequest is an accepted request travelling through the ingress
// queue towards the dispatcher. Start and End are nil when the caller
// omitted them; the dispatcher normalizes both before dispatch.
type OverrideRequest struct {
	CorrelationID  string     `json:"correlation_id"`
	SubscriptionID string     `json:"subscription_id"`
	Site           string     `json:"site"`
	MeterSerial    string     `json:"meter_serial"`
	Status         string     `json:"status"`
	Start          *time.Time `json:"start_datetime,omitempty"`
	End            *time.Time `json:"end_datetime,omitempty"`
	GroupID        string     `json:"group_id,omitempty"`
}

// PolicyClass classifies how a dispatch unit relates to its neighbours
// on the meter.
type PolicyClass string

const (
	// PolicyClassNew creates a stand-alone policy.
	PolicyClassNew PolicyClass = "new"
	// PolicyClassExtension replaces the neighbour's policy with one
	// covering the union window (same switch direction).
	PolicyClassExtension PolicyClass = "contiguousExtension"
	// PolicyClassCreation creates a policy adjacent to an
	// opposite-direction neighbour, with a settle backoff.
	PolicyClassCreation PolicyClass = "contiguousCreation"
)

// DispatchMember is a single request inside a dispatch unit.
type DispatchMember struct {
	CorrelationID  string `json:"correlation_id"`
	SubscriptionID string `json:"subscription_id"`
	Site           string `json:"site"`
	MeterSerial    string `json:"meter_serial"`

	// NeighbourCorrelationID is set for contiguous classes: the
	// already-deployed request whose window touches this one.
	NeighbourCorrelationID string `json:"neighbour_correlation_id,omitempty"`

	// NeighbourTerminalStart is the request_start of the earliest request
	// in the neighbour's extension chain (contiguousExtension only).
	NeighbourTerminalStart *time.Time `json:"neighbour_terminal_start,omitempty"`
}

// DispatchUnit is a batch of requests submitted to the workflow engine
// as one execution.
type DispatchUnit struct {
	GroupID string           `json:"group_id,omitempty"`
	Status  string           `json:"status"`
	Start   time.Time        `json:"start_datetime"`
	End     time.Time        `json:"end_datetime"`
	Class   PolicyClass      `json:"policy_class"`
	Members []DispatchMember `json:"members"`
}

// ExecutionKey derives the idempotency key for workflow submission:
// the member's correlation id for singletons, GRP-<first member> for
// grouped units.
func (u *DispatchUnit) ExecutionKey() string {
	if u.GroupID == "" && len(u.Members) == 1 {
		return u.Members[0].CorrelationID
	}
	return "GRP-" + u.Members[0].CorrelationID
}

// MeterSerials lists the member meter serials in member order.
func (u *DispatchUnit) MeterSerials() []string {
	serials := make([]string, len(u.Members))
	for i, m := range u.Members {
		serials[i] = m.MeterSerial
	}
	return serials
}

// CorrelationIDs lists the member correlation ids in member order.
func (u *DispatchUnit) CorrelationIDs() []string {
	ids := make([]string, len(u.Members))
	for i, m := range u.Members {
		ids[i] = m.CorrelationID
	}
	return ids
}

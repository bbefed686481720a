package workflow

import (
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// Cancellation replacement scenarios. The names match the branch the
// cancel execution takes after evaluateRequest.
const (
	// ScenarioReplaceFirst: the cancelled request extended an earlier one
	// that is currently enforcing; a replacement policy covering just the
	// earlier window overwrites the extended policy.
	ScenarioReplaceFirst = "replace_first_request"

	// ScenarioReplaceSecond: the cancelled request was itself extended by
	// a later one; both policies are torn down and a fresh policy is
	// created for the extender's own window.
	ScenarioReplaceSecond = "replace_second_request"
)

// OverridePayload is the payload of an override execution. PolicyID and
// PolicyName are filled by createDLCPolicy and consumed by
// deployDLCPolicy.
type OverridePayload struct {
	Unit       models.DispatchUnit `json:"unit"`
	PolicyID   int64               `json:"policy_id,omitempty"`
	PolicyName string              `json:"policy_name,omitempty"`
}

// CancelPayload is the payload of a cancel execution. evaluateRequest
// fills the scenario fields; later steps carry them forward.
type CancelPayload struct {
	CorrelationID  string `json:"correlation_id"`
	SubscriptionID string `json:"subscription_id"`

	// Scenario is empty for a plain cancel.
	Scenario string `json:"scenario,omitempty"`

	// ReplacedCorrelationID is the request that receives the replacement
	// policy.
	ReplacedCorrelationID string     `json:"replaced_correlation_id,omitempty"`
	ReplacementStart      *time.Time `json:"replacement_start_datetime,omitempty"`
	ReplacementEnd        *time.Time `json:"replacement_end_datetime,omitempty"`

	// ExtendedByPolicyID and ExtendedByStage describe the extender when
	// cancelling an EXTENDED_BY request; its policy is torn down too.
	ExtendedByPolicyID *int64 `json:"extended_by_policy_id,omitempty"`
	ExtendedByStage    string `json:"extended_by_stage,omitempty"`

	ReplacementPolicyID   int64  `json:"replacement_policy_id,omitempty"`
	ReplacementPolicyName string `json:"replacement_policy_name,omitempty"`

	// StoppedAt is when the override actually stopped at the head-end;
	// the CANCELLED stage and event are timestamped with it.
	StoppedAt *time.Time `json:"stopped_datetime,omitempty"`
}

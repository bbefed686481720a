// Package models defines the core domain types shared across the
// load-control request lifecycle: stages, override requests, and
// dispatch units.
package models

// Stage is a named point in a request's lifecycle. The tracker journal
// records one stage record per transition.
type Stage string

// Lifecycle stages. A request moves RECEIVED → QUEUED → POLICY_CREATED →
// POLICY_DEPLOYED → DLC_OVERRIDE_STARTED → DLC_OVERRIDE_FINISHED, with
// extension branches POLICY_EXTENDED / EXTENDED_BY / EXTENDS.
const (
	StageReceived         Stage = "RECEIVED"
	StageDeclined         Stage = "DECLINED"
	StageQueued           Stage = "QUEUED"
	StagePolicyCreated    Stage = "POLICY_CREATED"
	StagePolicyExtended   Stage = "POLICY_EXTENDED"
	StagePolicyDeployed   Stage = "POLICY_DEPLOYED"
	StageExtendedBy       Stage = "EXTENDED_BY"
	StageExtends          Stage = "EXTENDS"
	StageOverrideStarted  Stage = "DLC_OVERRIDE_STARTED"
	StageOverrideFinished Stage = "DLC_OVERRIDE_FINISHED"
	StageOverrideFailure  Stage = "DLC_OVERRIDE_FAILURE"
	StageCancelled        Stage = "CANCELLED"
)

// TerminalStages are sinks: once a header reaches one of these, no
// further stage record may be appended.
var TerminalStages = []Stage{
	StageDeclined,
	StageCancelled,
	StageOverrideFinished,
	StageOverrideFailure,
}

// InactiveStages are excluded from overlap and contiguity queries; a
// request in one of these no longer occupies its window on the meter.
var InactiveStages = []Stage{
	StageCancelled,
	StageDeclined,
	StageOverrideFinished,
}

// ContiguityStages are the stages in which an existing request counts as
// a contiguous neighbour: its policy exists (or is being extended) but
// the override has not yet finished.
var ContiguityStages = []Stage{
	StagePolicyCreated,
	StagePolicyExtended,
	StagePolicyDeployed,
	StageOverrideStarted,
	StageExtendedBy,
}

// CancellableStages are the stages from which a user-initiated
// cancellation is accepted.
var CancellableStages = []Stage{
	StageReceived,
	StageQueued,
	StagePolicyCreated,
	StagePolicyDeployed,
	StagePolicyExtended,
	StageExtendedBy,
	StageExtends,
	StageOverrideStarted,
}

// Terminal reports whether the stage is a sink.
func (s Stage) Terminal() bool {
	for _, t := range TerminalStages {
		if s == t {
			return true
		}
	}
	return false
}

// In reports whether the stage is a member of the given set.
func (s Stage) In(set []Stage) bool {
	for _, m := range set {
		if s == m {
			return true
		}
	}
	return false
}

func (s Stage) String() string {
	return string(s)
}

// Package policynet talks to the PolicyNet head-end system that owns the
// meters. Policies are created, deployed and torn down over its SOAP
// endpoint; the Provider interface abstracts that surface so the workflow
// engine can run against a stub in tests.
package policynet

import (
	"context"
	"time"
)

// CallResult is the outcome of a single head-end operation. StatusCode
// follows HTTP semantics: 200 means the head-end accepted the operation.
type CallResult struct {
	Message    string
	PolicyID   int64
	StatusCode int
}

// OK reports whether the head-end accepted the call.
func (r *CallResult) OK() bool {
	return r != nil && r.StatusCode == 200
}

// CreateInput carries everything the head-end needs to build an override
// policy. A policy covers one or more meters on the same site; grouped
// requests dispatch as a single multi-meter policy.
type CreateInput struct {
	PolicyName string
	Site       string
	Meters     []string
	Status     string // "ON" or "OFF"
	Start      time.Time
	End        time.Time
}

// Provider is the head-end surface the workflow engine depends on.
type Provider interface {
	// CreatePolicy registers a new override policy. The returned result
	// carries the head-end's policy id on success.
	CreatePolicy(ctx context.Context, in CreateInput) (*CallResult, error)

	// ReplacePolicy registers a policy that supersedes an existing one on
	// the same meter. The head-end resolves the handover itself once both
	// are deployed.
	ReplacePolicy(ctx context.Context, in CreateInput, replacesPolicyID int64) (*CallResult, error)

	// DeployPolicy pushes a created policy out to the meter.
	DeployPolicy(ctx context.Context, policyID int64) (*CallResult, error)

	// UndeployPolicy withdraws a deployed policy from the meter without
	// deleting it.
	UndeployPolicy(ctx context.Context, policyID int64) (*CallResult, error)

	// DeletePolicy removes a policy from the head-end entirely.
	DeletePolicy(ctx context.Context, policyID int64) (*CallResult, error)

	// PolicyExists reports whether the head-end still knows the policy.
	PolicyExists(ctx context.Context, policyID int64) (bool, error)
}

package policynet

import (
	"context"
	"fmt"
	"sync"
)

// StubProvider is an in-memory Provider for tests and local development.
// It hands out sequential policy ids and records every call.
type StubProvider struct {
	mu       sync.Mutex
	nextID   int64
	policies map[int64]stubPolicy
	calls    []string

	// FailNext, when set, makes the next call return this error once.
	FailNext error
	// DeclineNext, when set, makes the next call return a non-200
	// result with this message once.
	DeclineNext string
}

type stubPolicy struct {
	name     string
	deployed bool
}

// NewStubProvider creates an empty stub.
func NewStubProvider() *StubProvider {
	return &StubProvider{policies: map[int64]stubPolicy{}}
}

var _ Provider = (*StubProvider)(nil)

func (s *StubProvider) CreatePolicy(_ context.Context, in CreateInput) (*CallResult, error) {
	return s.create(in, 0)
}

func (s *StubProvider) ReplacePolicy(_ context.Context, in CreateInput, replacesPolicyID int64) (*CallResult, error) {
	return s.create(in, replacesPolicyID)
}

func (s *StubProvider) create(in CreateInput, replacesPolicyID int64) (*CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := "CreatePolicy"
	if replacesPolicyID != 0 {
		op = "ReplacePolicy"
	}
	if result, done, err := s.intercept(op); done {
		return result, err
	}
	s.nextID++
	id := s.nextID
	s.policies[id] = stubPolicy{name: in.PolicyName}
	return &CallResult{Message: "policy created", PolicyID: id, StatusCode: 200}, nil
}

func (s *StubProvider) DeployPolicy(_ context.Context, policyID int64) (*CallResult, error) {
	return s.mutate("DeployPolicy", policyID, func(p *stubPolicy) { p.deployed = true })
}

func (s *StubProvider) UndeployPolicy(_ context.Context, policyID int64) (*CallResult, error) {
	return s.mutate("UndeployPolicy", policyID, func(p *stubPolicy) { p.deployed = false })
}

func (s *StubProvider) DeletePolicy(_ context.Context, policyID int64) (*CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, done, err := s.intercept("DeletePolicy"); done {
		return result, err
	}
	if _, ok := s.policies[policyID]; !ok {
		return &CallResult{Message: "policy not found", PolicyID: policyID, StatusCode: 404}, nil
	}
	delete(s.policies, policyID)
	return &CallResult{Message: "policy deleted", PolicyID: policyID, StatusCode: 200}, nil
}

func (s *StubProvider) PolicyExists(_ context.Context, policyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("PolicyExists %d", policyID))
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return false, err
	}
	_, ok := s.policies[policyID]
	return ok, nil
}

func (s *StubProvider) mutate(op string, policyID int64, fn func(*stubPolicy)) (*CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, done, err := s.intercept(op); done {
		return result, err
	}
	p, ok := s.policies[policyID]
	if !ok {
		return &CallResult{Message: "policy not found", PolicyID: policyID, StatusCode: 404}, nil
	}
	fn(&p)
	s.policies[policyID] = p
	return &CallResult{Message: "ok", PolicyID: policyID, StatusCode: 200}, nil
}

// intercept applies FailNext/DeclineNext and records the call. Callers
// hold the mutex.
func (s *StubProvider) intercept(op string) (*CallResult, bool, error) {
	s.calls = append(s.calls, op)
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return nil, true, err
	}
	if s.DeclineNext != "" {
		msg := s.DeclineNext
		s.DeclineNext = ""
		return &CallResult{Message: msg, StatusCode: 500}, true, nil
	}
	return nil, false, nil
}

// Calls returns the operations invoked so far, in order.
func (s *StubProvider) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Deployed reports whether the stub considers the policy deployed.
func (s *StubProvider) Deployed(policyID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[policyID].deployed
}

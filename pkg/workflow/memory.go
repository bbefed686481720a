package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ExecutionStore for tests and local
// development. Claiming is serialized by a single mutex, so the SKIP
// LOCKED semantics of the postgres store degenerate to plain FIFO by
// run_at.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*Execution
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]*Execution{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ ExecutionStore = (*MemoryStore)(nil)

func (s *MemoryStore) Submit(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ExecutionKey]; ok {
		return ErrDuplicateExecution
	}
	now := s.now()
	clone := *e
	if clone.Status == "" {
		clone.Status = StatusPending
	}
	if clone.RunAt.IsZero() {
		clone.RunAt = now
	}
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.executions[e.ExecutionKey] = &clone
	return nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, podID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var runnable []*Execution
	for _, e := range s.executions {
		if e.Status == StatusPending && !e.RunAt.After(now) {
			runnable = append(runnable, e)
		}
	}
	if len(runnable) == 0 {
		return nil, ErrNoExecutionsAvailable
	}
	sort.Slice(runnable, func(i, j int) bool { return runnable[i].RunAt.Before(runnable[j].RunAt) })

	e := runnable[0]
	e.Status = StatusRunning
	e.PodID = &podID
	e.HeartbeatAt = &now
	e.UpdatedAt = now
	clone := *e
	return &clone, nil
}

func (s *MemoryStore) CountRunning(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.executions {
		if e.Status == StatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveStep(_ context.Context, key, nextStep string, payload []byte, runAt time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.running(key)
	if err != nil {
		return err
	}
	e.Status = StatusPending
	e.NextStep = nextStep
	e.Payload = payload
	e.RunAt = runAt
	e.Attempts = attempts
	e.PodID = nil
	e.HeartbeatAt = nil
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, key, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.running(key)
	if err != nil {
		return err
	}
	e.Status = status
	if errorMessage != "" {
		msg := errorMessage
		e.ErrorMessage = &msg
	}
	e.PodID = nil
	e.HeartbeatAt = nil
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executions[key]; ok && e.Status == StatusRunning {
		now := s.now()
		e.HeartbeatAt = &now
	}
	return nil
}

func (s *MemoryStore) Stop(_ context.Context, key, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[key]
	if !ok || (e.Status != StatusPending && e.Status != StatusRunning) {
		return false, nil
	}
	e.Status = StatusStopped
	msg := reason
	e.ErrorMessage = &msg
	e.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) RequeueOrphans(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-threshold)
	requeued := 0
	for _, e := range s.executions {
		if e.Status == StatusRunning && e.HeartbeatAt != nil && e.HeartbeatAt.Before(cutoff) {
			e.Status = StatusPending
			e.PodID = nil
			e.HeartbeatAt = nil
			e.UpdatedAt = s.now()
			requeued++
		}
	}
	return requeued, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *MemoryStore) DeleteFinished(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	deleted := 0
	for key, e := range s.executions {
		switch e.Status {
		case StatusCompleted, StatusFailed, StatusStopped:
			if e.UpdatedAt.Before(cutoff) {
				delete(s.executions, key)
				deleted++
			}
		}
	}
	return deleted, nil
}

// running returns the execution when it is still running on some pod.
// Callers hold the mutex.
func (s *MemoryStore) running(key string) (*Execution, error) {
	e, ok := s.executions[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusRunning {
		return nil, ErrStopped
	}
	return e, nil
}

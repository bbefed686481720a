package events

import (
	"context"
	"sync"
)

// Recorder is an in-memory Sink capturing events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []StageEvent
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PublishStageEvent(_ context.Context, event StageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ForCorrelation returns the events published for one request.
func (r *Recorder) ForCorrelation(correlationID string) []StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StageEvent
	for _, e := range r.events {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

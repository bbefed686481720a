package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local tooling.
// It mirrors the PostgresStore semantics, including terminal-stage
// guards and stable correlation-id tie-breaks.
type MemoryStore struct {
	mu      sync.Mutex
	headers map[string]*Header
	stages  map[string][]StageRecord
}

// NewMemoryStore creates an empty in-memory tracker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		headers: make(map[string]*Header),
		stages:  make(map[string][]StageRecord),
	}
}

func (s *MemoryStore) CreateHeader(_ context.Context, h *Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.headers[h.CorrelationID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	if h.Service == "" {
		h.Service = models.LoadControlService
	}
	h.CurrentStage = models.StageReceived
	h.StageCount = 1
	h.CreatedAt = now
	h.UpdatedAt = now

	clone := *h
	s.headers[h.CorrelationID] = &clone
	s.stages[h.CorrelationID] = []StageRecord{snapshotStage(&clone, 1, string(models.StageReceived), "", now)}
	return nil
}

func (s *MemoryStore) GetHeader(_ context.Context, correlationID string) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.headers[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *h
	return &clone, nil
}

func (s *MemoryStore) AppendStage(_ context.Context, correlationID string, upd StageUpdate) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(correlationID, upd)
}

func (s *MemoryStore) BulkAppendStage(_ context.Context, correlationIDs []string, upd StageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range correlationIDs {
		if _, err := s.appendLocked(id, upd); err != nil {
			return fmt.Errorf("append stage for %s: %w", id, err)
		}
	}
	return nil
}

func (s *MemoryStore) appendLocked(correlationID string, upd StageUpdate) (*Header, error) {
	h, ok := s.headers[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	if h.CurrentStage.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStage, correlationID, h.CurrentStage)
	}

	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	h.CurrentStage = upd.Stage
	h.StageCount++
	h.UpdatedAt = at
	if upd.RequestStart != nil {
		h.RequestStart = cloneTime(upd.RequestStart)
	}
	if upd.RequestEnd != nil {
		h.RequestEnd = cloneTime(upd.RequestEnd)
	}
	if upd.OriginalStart != nil {
		h.OriginalStart = cloneTime(upd.OriginalStart)
	}
	if upd.PolicyID != nil {
		id := *upd.PolicyID
		h.PolicyID = &id
		headEnd := models.HeadEndPolicyNet
		h.HeadEnd = &headEnd
	}
	if upd.PolicyName != nil {
		name := *upd.PolicyName
		h.PolicyName = &name
	}
	if upd.HeadEnd != nil {
		he := *upd.HeadEnd
		h.HeadEnd = &he
	}
	if upd.ExtendedBy != nil {
		eb := *upd.ExtendedBy
		h.ExtendedBy = &eb
	}
	if upd.Extends != nil {
		ex := *upd.Extends
		h.Extends = &ex
	}
	if upd.ClearPolicy {
		h.PolicyID = nil
		h.PolicyName = nil
		h.HeadEnd = nil
	}

	s.stages[correlationID] = append(s.stages[correlationID],
		snapshotStage(h, h.StageCount, string(upd.Stage), upd.Message, at))

	clone := *h
	return &clone, nil
}

func (s *MemoryStore) ListStages(_ context.Context, correlationID string) ([]StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.stages[correlationID]
	out := make([]StageRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *MemoryStore) QueryMeterWindow(_ context.Context, q MeterWindowQuery) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Header
	for _, h := range s.headers {
		if h.Site != q.Site || h.MeterSerial != q.MeterSerial || h.Service != models.LoadControlService {
			continue
		}
		if q.EndEquals != nil && (h.RequestEnd == nil || !h.RequestEnd.Equal(*q.EndEquals)) {
			continue
		}
		if q.EndAtOrAfter != nil && (h.RequestEnd == nil || h.RequestEnd.Before(*q.EndAtOrAfter)) {
			continue
		}
		if q.StartAtOrBefore != nil && (h.RequestStart == nil || h.RequestStart.After(*q.StartAtOrBefore)) {
			continue
		}
		if len(q.IncludeStages) > 0 && !h.CurrentStage.In(q.IncludeStages) {
			continue
		}
		if len(q.ExcludeStages) > 0 && h.CurrentStage.In(q.ExcludeStages) {
			continue
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i].RequestEnd, out[j].RequestEnd
		switch {
		case ei == nil && ej != nil:
			return true
		case ei != nil && ej == nil:
			return false
		case ei != nil && ej != nil && !ei.Equal(*ej):
			return ei.Before(*ej)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out, nil
}

func (s *MemoryStore) ListBySite(_ context.Context, site string, limit int) ([]Header, error) {
	return s.list(func(h *Header) bool { return h.Site == site }, limit)
}

func (s *MemoryStore) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]Header, error) {
	return s.list(func(h *Header) bool { return h.SubscriptionID == subscriptionID }, limit)
}

func (s *MemoryStore) list(match func(*Header) bool, limit int) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Header
	for _, h := range s.headers {
		if match(h) {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByPolicyID(_ context.Context, headEnd string, policyID int64) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match *Header
	for _, h := range s.headers {
		if h.HeadEnd == nil || h.PolicyID == nil {
			continue
		}
		if *h.HeadEnd != headEnd || *h.PolicyID != policyID {
			continue
		}
		if match == nil || h.CorrelationID < match.CorrelationID {
			match = h
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	clone := *match
	return &clone, nil
}

func (s *MemoryStore) PendingReceived(_ context.Context, correlationIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, id := range correlationIDs {
		if h, ok := s.headers[id]; ok && h.CurrentStage == models.StageReceived {
			out = append(out, id)
		}
	}
	return out, nil
}

func snapshotStage(h *Header, number int, name, message string, at time.Time) StageRecord {
	var msg *string
	if message != "" {
		m := message
		msg = &m
	}
	return StageRecord{
		CorrelationID: h.CorrelationID,
		StageNumber:   number,
		StageName:     name,
		Message:       msg,
		RequestStart:  cloneTime(h.RequestStart),
		RequestEnd:    cloneTime(h.RequestEnd),
		OriginalStart: cloneTime(h.OriginalStart),
		PolicyID:      h.PolicyID,
		PolicyName:    h.PolicyName,
		ExtendedBy:    h.ExtendedBy,
		Extends:       h.Extends,
		CreatedAt:     at,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// Classification is the outcome of the temporal pass over one
// (site, meter) window. Contiguous neighbours are not conflicts; they
// are resolved later by the contiguity resolver.
type Classification int

const (
	Clean Classification = iota
	Duplicate
	Overlap
)

// Message returns the caller-visible rejection message, or "" for
// Clean.
func (c Classification) Message() string {
	switch c {
	case Duplicate:
		return MsgDuplicate
	case Overlap:
		return MsgOverlap
	default:
		return ""
	}
}

// Temporal classifies a proposed window against existing requests on
// the same meter.
type Temporal struct {
	store tracker.Store
}

// NewTemporal creates the temporal validator over a tracker store.
func NewTemporal(store tracker.Store) *Temporal {
	return &Temporal{store: store}
}

// Classify scans non-terminal requests on (site, meter) whose window
// touches [start, end]. Exact same window is a duplicate; windows that
// merely abut (existing end == start, or existing start == end) are
// contiguous and skipped; any other intersection is an overlap. Only
// one outcome is surfaced even when several candidates conflict.
func (t *Temporal) Classify(ctx context.Context, site, meter string, start, end time.Time) (Classification, error) {
	headers, err := t.store.QueryMeterWindow(ctx, tracker.MeterWindowQuery{
		Site:            site,
		MeterSerial:     meter,
		EndAtOrAfter:    &start,
		StartAtOrBefore: &end,
		ExcludeStages:   models.InactiveStages,
	})
	if err != nil {
		return Clean, fmt.Errorf("failed to query existing windows for %s/%s: %w", site, meter, err)
	}

	for _, h := range headers {
		if h.RequestStart == nil || h.RequestEnd == nil {
			continue
		}
		switch {
		case h.RequestStart.Equal(start) && h.RequestEnd.Equal(end):
			return Duplicate, nil
		case h.RequestStart.Equal(end) || h.RequestEnd.Equal(start):
			// Contiguous with an existing window; handled downstream.
			continue
		default:
			return Overlap, nil
		}
	}
	return Clean, nil
}

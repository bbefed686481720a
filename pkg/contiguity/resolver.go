// Package contiguity finds already-deployed requests that abut a
// proposed override window on the same meter and classifies the
// relationship: extend the neighbour's policy, create adjacent to an
// opposite-direction neighbour, or create stand-alone.
package contiguity

import (
	"context"
	"fmt"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// AmbiguousNeighboursError reports more than one contiguous request on
// the same (site, meter, start). The journal guarantees at most one, so
// this is a data-integrity failure and the workflow must halt.
type AmbiguousNeighboursError struct {
	Site        string
	MeterSerial string
	Start       time.Time
}

func (e *AmbiguousNeighboursError) Error() string {
	return fmt.Sprintf("more than one contiguous Load Control request found for site %s, meter %s, start %s",
		e.Site, e.MeterSerial, e.Start.UTC().Format(time.RFC3339))
}

// Resolution is the outcome of a contiguity probe. Neighbour and
// Terminal are nil when Class is PolicyClassNew; Terminal is the
// earliest request in the extension chain and equals Neighbour when the
// neighbour extends nothing or switches the opposite direction.
type Resolution struct {
	Class     models.PolicyClass
	Neighbour *tracker.Header
	Terminal  *tracker.Header
}

// Resolver probes the tracker store for contiguous neighbours.
type Resolver struct {
	store tracker.Store
}

// NewResolver creates a Resolver over a tracker store.
func NewResolver(store tracker.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve finds the request whose window ends exactly at start on the
// same (site, meter) and classifies the proposal. Only requests with a
// live policy count as neighbours.
func (r *Resolver) Resolve(ctx context.Context, site, meter, status string, start time.Time) (*Resolution, error) {
	headers, err := r.store.QueryMeterWindow(ctx, tracker.MeterWindowQuery{
		Site:          site,
		MeterSerial:   meter,
		EndEquals:     &start,
		IncludeStages: models.ContiguityStages,
	})
	if err != nil {
		return nil, fmt.Errorf("contiguity probe failed for %s/%s: %w", site, meter, err)
	}

	switch len(headers) {
	case 0:
		return &Resolution{Class: models.PolicyClassNew}, nil
	case 1:
		// continue below
	default:
		return nil, &AmbiguousNeighboursError{Site: site, MeterSerial: meter, Start: start}
	}

	neighbour := headers[0]

	if neighbour.OverrideValue != status {
		// Opposite switch direction; no chain walk needed.
		return &Resolution{
			Class:     models.PolicyClassCreation,
			Neighbour: &neighbour,
			Terminal:  &neighbour,
		}, nil
	}

	terminal, err := r.terminalRequest(ctx, &neighbour)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Class:     models.PolicyClassExtension,
		Neighbour: &neighbour,
		Terminal:  terminal,
	}, nil
}

// terminalRequest walks the extends back-chain to the earliest request.
// The terminal request's start is the effective start of the extended
// policy.
func (r *Resolver) terminalRequest(ctx context.Context, from *tracker.Header) (*tracker.Header, error) {
	terminal := from
	seen := map[string]bool{from.CorrelationID: true}

	for terminal.Extends != nil {
		next, err := r.store.GetHeader(ctx, *terminal.Extends)
		if err != nil {
			return nil, fmt.Errorf("correlation id %s not found when getting terminal request: %w",
				*terminal.Extends, err)
		}
		if seen[next.CorrelationID] {
			return nil, fmt.Errorf("extension chain cycle detected at correlation id %s", next.CorrelationID)
		}
		seen[next.CorrelationID] = true
		terminal = next
	}
	return terminal, nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/contiguity"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// throttledTooLongMessage declines a request whose window expired while
// it waited in the ingress queue. Subscribers match on this string.
const throttledTooLongMessage = "Request is rejected as it has a end datetime in the past"

// eventPublishConcurrency bounds the per-chunk fan-out of stage events.
const eventPublishConcurrency = 8

// OverrideSubmitter hands completed dispatch units to the workflow
// engine. Implemented by workflow.Engine; resubmission of an existing
// execution key must succeed silently.
type OverrideSubmitter interface {
	SubmitOverride(ctx context.Context, unit models.DispatchUnit) (string, error)
}

// Health is a snapshot of the dispatcher's state.
type Health struct {
	PodID             string     `json:"pod_id"`
	Running           bool       `json:"running"`
	LastBatchAt       *time.Time `json:"last_batch_at,omitempty"`
	BatchesProcessed  int        `json:"batches_processed"`
	RequestsProcessed int        `json:"requests_processed"`
}

// Dispatcher drains the ingress queue: it gates on RECEIVED, normalizes
// request windows, groups and chunks, classifies contiguity, and submits
// dispatch units to the workflow engine under a rate limit.
type Dispatcher struct {
	podID    string
	source   Source
	tracker  tracker.Store
	resolver *contiguity.Resolver
	engine   OverrideSubmitter
	sink     events.Sink
	cfg      *config.DispatchConfig
	override *config.OverrideConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                sync.Mutex
	running           bool
	lastBatchAt       *time.Time
	batchesProcessed  int
	requestsProcessed int
}

// NewDispatcher wires a dispatcher over the ingress queue and tracker.
func NewDispatcher(podID string, source Source, store tracker.Store, engine OverrideSubmitter,
	sink events.Sink, cfg *config.DispatchConfig, override *config.OverrideConfig, logger *slog.Logger) *Dispatcher {
	limit := rate.Limit(float64(cfg.RateLimitCalls) / cfg.RateLimitPeriod.Seconds())
	return &Dispatcher{
		podID:    podID,
		source:   source,
		tracker:  store,
		resolver: contiguity.NewResolver(store),
		engine:   engine,
		sink:     sink,
		cfg:      cfg,
		override: override,
		limiter:  rate.NewLimiter(limit, cfg.RateLimitCalls),
		logger:   logger.With("component", "dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop and the stale-claim sweep in goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	d.wg.Add(2)
	go d.run(ctx)
	go d.runStaleClaimSweep(ctx)
}

// Stop signals the loop to stop and waits for the in-flight batch.
// Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Health returns a snapshot of the dispatcher's state.
func (d *Dispatcher) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Health{
		PodID:             d.podID,
		Running:           d.running,
		LastBatchAt:       d.lastBatchAt,
		BatchesProcessed:  d.batchesProcessed,
		RequestsProcessed: d.requestsProcessed,
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	d.logger.Info("Dispatcher started", "pod_id", d.podID)

	for {
		select {
		case <-d.stopCh:
			d.logger.Info("Dispatcher shutting down")
			return
		case <-ctx.Done():
			d.logger.Info("Context cancelled, dispatcher shutting down")
			return
		default:
			if err := d.processBatch(ctx); err != nil {
				if errors.Is(err, ErrNoRequestsAvailable) {
					d.sleep(d.pollInterval())
					continue
				}
				d.logger.Error("Error processing ingress batch", "error", err)
				d.sleep(time.Second)
			}
		}
	}
}

// runStaleClaimSweep periodically returns ingress claims abandoned by a
// dead pod to pending. Every pod runs the sweep; requeueing is
// idempotent, and requeued requests pass the RECEIVED gate again on the
// next batch.
func (d *Dispatcher) runStaleClaimSweep(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.StaleClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := d.source.RequeueStale(ctx, d.cfg.StaleClaimThreshold)
			if err != nil {
				d.logger.Error("Stale claim sweep failed", "error", err)
				continue
			}
			if count > 0 {
				d.logger.Warn("Requeued stale ingress claims", "count", count)
				claimsRequeued.Add(float64(count))
			}
		}
	}
}

// processBatch claims and dispatches one batch from the ingress queue.
// After the batch, it sleeps out the pro-rata share of the rate-limit
// period so sustained bursts cannot outrun RATE_LIMIT_CALLS.
func (d *Dispatcher) processBatch(ctx context.Context) error {
	batch, err := d.source.ClaimBatch(ctx, d.podID, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	started := time.Now()
	requestsClaimed.Add(float64(len(batch)))

	remaining, doneIDs, err := d.gatePending(ctx, batch)
	if err != nil {
		releaseErr := d.source.Release(ctx, queueIDs(batch))
		return errors.Join(err, releaseErr)
	}
	if err := d.source.MarkDone(ctx, doneIDs); err != nil {
		return err
	}

	for _, b := range groupRequests(remaining) {
		for _, chunk := range chunkRequests(b.Requests, d.cfg.MaxDispatchCount) {
			if err := d.dispatchChunk(ctx, &b, chunk); err != nil {
				d.logger.Error("Dispatch failed, releasing chunk for retry",
					"correlation_ids", correlationIDs(chunk), "error", err)
				if releaseErr := d.source.Release(ctx, queueIDs(chunk)); releaseErr != nil {
					return errors.Join(err, releaseErr)
				}
				continue
			}
			if err := d.source.MarkDone(ctx, queueIDs(chunk)); err != nil {
				return err
			}
		}
	}

	elapsed := time.Since(started)
	batchDuration.Observe(elapsed.Seconds())
	d.recordBatch(len(batch))

	expected := time.Duration(float64(len(batch)) / float64(d.cfg.RateLimitCalls) *
		float64(d.cfg.RateLimitPeriod))
	if elapsed < expected {
		d.sleep(expected - elapsed)
	}
	return nil
}

// gatePending drops requests that have already moved past RECEIVED
// (redeliveries, duplicate enqueues). Their queue rows are returned for
// deletion.
func (d *Dispatcher) gatePending(ctx context.Context, batch []QueuedRequest) ([]QueuedRequest, []int64, error) {
	pending, err := d.tracker.PendingReceived(ctx, correlationIDs(batch))
	if err != nil {
		return nil, nil, fmt.Errorf("pending gate: %w", err)
	}
	pendingSet := make(map[string]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}

	var remaining []QueuedRequest
	var doneIDs []int64
	for _, q := range batch {
		if !pendingSet[q.CorrelationID] {
			d.logger.Info("Request already processed, dropping from queue",
				"correlation_id", q.CorrelationID)
			doneIDs = append(doneIDs, q.ID)
			continue
		}
		remaining = append(remaining, q)
	}
	return remaining, doneIDs, nil
}

// dispatchChunk turns one chunk into a dispatch unit and submits it.
func (d *Dispatcher) dispatchChunk(ctx context.Context, b *bucket, chunk []QueuedRequest) error {
	now := d.now()

	// Normalize the window: a missing start means now, a missing end
	// means start plus the default duration.
	start := now
	if b.Start != nil {
		start = b.Start.UTC()
	}
	end := start.Add(d.override.DefaultDuration)
	if b.End != nil {
		end = b.End.UTC()
	}

	if !end.After(now) {
		d.logger.Error("Request throttled past its own window",
			"correlation_ids", correlationIDs(chunk))
		return d.decline(ctx, chunk, start, end, now)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	unit := models.DispatchUnit{
		GroupID: b.GroupID,
		Status:  b.Status,
		Start:   start,
		End:     end,
		Class:   models.PolicyClassNew,
		Members: make([]models.DispatchMember, 0, len(chunk)),
	}
	for _, q := range chunk {
		unit.Members = append(unit.Members, models.DispatchMember{
			CorrelationID:  q.Request.CorrelationID,
			SubscriptionID: q.Request.SubscriptionID,
			Site:           q.Request.Site,
			MeterSerial:    q.Request.MeterSerial,
		})
	}

	// Contiguity only applies to single-meter requests; grouped units
	// always create stand-alone policies.
	if b.GroupID == "" && len(chunk) == 1 {
		if err := d.classify(ctx, &unit, start); err != nil {
			return err
		}
	}

	if _, err := d.engine.SubmitOverride(ctx, unit); err != nil {
		return fmt.Errorf("submit dispatch unit %s: %w", unit.ExecutionKey(), err)
	}

	queuedAt := d.now()
	if err := d.tracker.BulkAppendStage(ctx, unit.CorrelationIDs(), tracker.StageUpdate{
		Stage:         models.StageQueued,
		At:            queuedAt,
		RequestStart:  &start,
		RequestEnd:    &end,
		OriginalStart: &start,
	}); err != nil {
		return fmt.Errorf("record QUEUED: %w", err)
	}
	d.publishStage(ctx, unit.Members, models.StageQueued, "", queuedAt)

	unitsSubmitted.WithLabelValues(string(unit.Class)).Inc()
	d.logger.Info("Dispatch unit submitted",
		"execution_key", unit.ExecutionKey(), "class", unit.Class,
		"members", len(unit.Members), "start", start, "end", end)
	return nil
}

// classify probes for a contiguous neighbour and annotates the unit.
func (d *Dispatcher) classify(ctx context.Context, unit *models.DispatchUnit, start time.Time) error {
	m := &unit.Members[0]
	res, err := d.resolver.Resolve(ctx, m.Site, m.MeterSerial, unit.Status, start)
	if err != nil {
		return err
	}
	unit.Class = res.Class
	if res.Neighbour != nil {
		m.NeighbourCorrelationID = res.Neighbour.CorrelationID
	}
	if res.Class == models.PolicyClassExtension && res.Terminal != nil {
		m.NeighbourTerminalStart = res.Terminal.RequestStart
	}
	return nil
}

// decline moves every member of the chunk to DECLINED and drops it from
// the queue.
func (d *Dispatcher) decline(ctx context.Context, chunk []QueuedRequest, start, end, now time.Time) error {
	if err := d.tracker.BulkAppendStage(ctx, correlationIDs(chunk), tracker.StageUpdate{
		Stage:        models.StageDeclined,
		Message:      throttledTooLongMessage,
		At:           now,
		RequestStart: &start,
		RequestEnd:   &end,
	}); err != nil {
		return fmt.Errorf("record DECLINED: %w", err)
	}

	members := make([]models.DispatchMember, 0, len(chunk))
	for _, q := range chunk {
		members = append(members, models.DispatchMember{
			CorrelationID:  q.Request.CorrelationID,
			SubscriptionID: q.Request.SubscriptionID,
			Site:           q.Request.Site,
			MeterSerial:    q.Request.MeterSerial,
		})
	}
	d.publishStage(ctx, members, models.StageDeclined, throttledTooLongMessage, now)
	requestsDeclined.Add(float64(len(chunk)))
	return nil
}

// publishStage fans stage events out over the unit's members. Delivery
// failures are logged; the tracker journal is the source of truth.
func (d *Dispatcher) publishStage(ctx context.Context, members []models.DispatchMember, stage models.Stage, description string, at time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eventPublishConcurrency)
	for _, m := range members {
		g.Go(func() error {
			err := d.sink.PublishStageEvent(gctx, events.NewStageEvent(events.EventInput{
				CorrelationID:  m.CorrelationID,
				SubscriptionID: m.SubscriptionID,
				Site:           m.Site,
				MeterSerial:    m.MeterSerial,
				Milestone:      stage,
				Description:    description,
				At:             at,
			}))
			if err != nil {
				d.logger.Warn("failed to publish stage event",
					"correlation_id", m.CorrelationID, "milestone", stage, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) recordBatch(size int) {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastBatchAt = &now
	d.batchesProcessed++
	d.requestsProcessed += size
}

// sleep waits for the given duration or until stop is signalled.
func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(dur):
	}
}

// pollInterval returns the poll duration with jitter.
func (d *Dispatcher) pollInterval() time.Duration {
	base := d.cfg.PollInterval
	jitter := d.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func queueIDs(batch []QueuedRequest) []int64 {
	ids := make([]int64, len(batch))
	for i, q := range batch {
		ids[i] = q.ID
	}
	return ids
}

func correlationIDs(batch []QueuedRequest) []string {
	ids := make([]string, len(batch))
	for i, q := range batch {
		ids[i] = q.CorrelationID
	}
	return ids
}

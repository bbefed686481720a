package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanDetection periodically scans for executions whose worker died
// mid-step. All pods run this independently — requeueing is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.requeueOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// requeueOrphans returns stale-heartbeat executions to pending. Steps
// only take effect at their persistence barrier, so a requeued execution
// resumes cleanly at next_step on another pod.
func (p *WorkerPool) requeueOrphans(ctx context.Context) error {
	requeued, err := p.store.RequeueOrphans(ctx, p.config.OrphanThreshold)
	if err != nil {
		return err
	}

	if requeued > 0 {
		slog.Warn("Requeued orphaned executions", "count", requeued)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += requeued
	p.orphans.mu.Unlock()

	return nil
}

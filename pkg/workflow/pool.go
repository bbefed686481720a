package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cresconet/loadctl/pkg/config"
)

// PoolHealth is a snapshot of the worker pool.
type PoolHealth struct {
	IsHealthy         bool           `json:"is_healthy"`
	DBReachable       bool           `json:"db_reachable"`
	DBError           string         `json:"db_error,omitempty"`
	PodID             string         `json:"pod_id"`
	ActiveWorkers     int            `json:"active_workers"`
	TotalWorkers      int            `json:"total_workers"`
	RunningExecutions int            `json:"running_executions"`
	MaxConcurrent     int            `json:"max_concurrent"`
	WorkerStats       []WorkerHealth `json:"worker_stats"`
	LastOrphanScan    time.Time      `json:"last_orphan_scan,omitempty"`
	OrphansRequeued   int            `json:"orphans_requeued"`
}

// WorkerPool manages a pool of workflow workers plus the orphan
// detection loop.
type WorkerPool struct {
	podID     string
	store     ExecutionStore
	config    *config.WorkflowConfig
	executors map[string]Executor
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a worker pool. executors maps execution kinds to
// their step implementations.
func NewWorkerPool(podID string, store ExecutionStore, cfg *config.WorkflowConfig, executors map[string]Executor) *WorkerPool {
	return &WorkerPool{
		podID:     podID,
		store:     store,
		config:    cfg,
		executors: executors,
		workers:   make([]*Worker, 0, cfg.WorkerCount),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns worker goroutines and the orphan detection background
// task. It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting workflow worker pool",
		"pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executors)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Workflow worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current step before exiting; the execution
// resumes from its last persistence barrier on the next claim.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping workflow worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Workflow worker pool stopped gracefully")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	running, err := p.store.CountRunning(ctx)
	if err != nil {
		slog.Error("Failed to count running executions for health check",
			"pod_id", p.podID, "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := err == nil
	var dbError string
	if err != nil {
		dbError = fmt.Sprintf("running executions query failed: %v", err)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRequeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:         len(p.workers) > 0 && dbHealthy,
		DBReachable:       dbHealthy,
		DBError:           dbError,
		PodID:             p.podID,
		ActiveWorkers:     activeWorkers,
		TotalWorkers:      len(p.workers),
		RunningExecutions: running,
		MaxConcurrent:     p.config.MaxConcurrentExecutions,
		WorkerStats:       workerStats,
		LastOrphanScan:    lastOrphanScan,
		OrphansRequeued:   orphansRequeued,
	}
}

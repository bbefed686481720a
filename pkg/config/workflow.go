package config

import "time"

// WorkflowConfig contains workflow worker pool configuration.
// These values control how executions are polled, claimed, and resumed.
type WorkflowConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int

	// MaxConcurrentExecutions is the global limit of executions running
	// across ALL replicas. Enforced by a database COUNT(*) check.
	MaxConcurrentExecutions int

	// PollInterval is the base interval for checking runnable executions.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter time.Duration

	// StepTimeout is the maximum wall time for a single resume of an
	// execution (one or more steps until it waits or finishes).
	StepTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// executions to reach a persistence barrier during shutdown.
	GracefulShutdownTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes the claim on a
	// running execution.
	HeartbeatInterval time.Duration

	// OrphanDetectionInterval is how often to scan for executions whose
	// worker died mid-step.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long an execution can go without a
	// heartbeat before it is requeued.
	OrphanThreshold time.Duration
}

// DefaultWorkflowConfig returns the built-in workflow defaults.
func DefaultWorkflowConfig() *WorkflowConfig {
	return &WorkflowConfig{
		WorkerCount:             5,
		MaxConcurrentExecutions: 20,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		StepTimeout:             5 * time.Minute,
		GracefulShutdownTimeout: 5 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 2 * time.Minute,
		OrphanThreshold:         3 * time.Minute,
	}
}

// LoadWorkflowConfig reads the workflow knobs from the environment.
func LoadWorkflowConfig() (*WorkflowConfig, error) {
	cfg := DefaultWorkflowConfig()

	var err error
	if cfg.WorkerCount, err = getEnvInt("WORKFLOW_WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentExecutions, err = getEnvInt("WORKFLOW_MAX_CONCURRENT", cfg.MaxConcurrentExecutions); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("WORKFLOW_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.PollIntervalJitter, err = getEnvDuration("WORKFLOW_POLL_JITTER", cfg.PollIntervalJitter); err != nil {
		return nil, err
	}
	if cfg.StepTimeout, err = getEnvDuration("WORKFLOW_STEP_TIMEOUT", cfg.StepTimeout); err != nil {
		return nil, err
	}
	if cfg.GracefulShutdownTimeout, err = getEnvDuration("WORKFLOW_SHUTDOWN_TIMEOUT", cfg.GracefulShutdownTimeout); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("WORKFLOW_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.OrphanDetectionInterval, err = getEnvDuration("WORKFLOW_ORPHAN_INTERVAL", cfg.OrphanDetectionInterval); err != nil {
		return nil, err
	}
	if cfg.OrphanThreshold, err = getEnvDuration("WORKFLOW_ORPHAN_THRESHOLD", cfg.OrphanThreshold); err != nil {
		return nil, err
	}
	return cfg, nil
}

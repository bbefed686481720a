package config

import "time"

// RetentionConfig controls background cleanup of delivered events and
// finished workflow executions. Tracker headers and stage records are
// never deleted.
type RetentionConfig struct {
	// EventTTL is how long persisted stage events are kept after
	// delivery.
	EventTTL time.Duration

	// ExecutionRetention is how long completed/stopped workflow
	// executions are kept for inspection.
	ExecutionRetention time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:           7 * 24 * time.Hour,
		ExecutionRetention: 30 * 24 * time.Hour,
		CleanupInterval:    1 * time.Hour,
	}
}

// LoadRetentionConfig reads the retention knobs from the environment.
func LoadRetentionConfig() (*RetentionConfig, error) {
	cfg := DefaultRetentionConfig()

	var err error
	if cfg.EventTTL, err = getEnvDuration("EVENT_TTL", cfg.EventTTL); err != nil {
		return nil, err
	}
	if cfg.ExecutionRetention, err = getEnvDuration("EXECUTION_RETENTION", cfg.ExecutionRetention); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvDuration("CLEANUP_INTERVAL", cfg.CleanupInterval); err != nil {
		return nil, err
	}
	return cfg, nil
}

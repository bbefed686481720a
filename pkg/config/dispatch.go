package config

import "time"

// DispatchConfig controls the grouping + throttle dispatcher.
type DispatchConfig struct {
	// MaxDispatchCount is the hard cap on members per dispatch unit.
	// A trailing chunk smaller than half the cap is folded into the
	// previous chunk, so a unit may carry up to MaxDispatchCount*3/2-1.
	MaxDispatchCount int

	// RateLimitCalls / RateLimitPeriod bound workflow submissions.
	RateLimitCalls  int
	RateLimitPeriod time.Duration

	// BatchSize is the maximum number of queued requests claimed from
	// the ingress queue per poll.
	BatchSize int

	// PollInterval is the base interval for checking the ingress queue.
	PollInterval time.Duration

	// PollIntervalJitter randomises the poll interval:
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// StaleClaimThreshold is how long an ingress claim may sit without
	// being marked done or released before the sweep returns it to
	// pending (the claiming pod died mid-batch).
	StaleClaimThreshold time.Duration

	// StaleClaimInterval is how often each pod sweeps for stale claims.
	StaleClaimInterval time.Duration
}

// DefaultDispatchConfig returns the built-in dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		MaxDispatchCount:    100,
		RateLimitCalls:      1000,
		RateLimitPeriod:     60 * time.Second,
		BatchSize:           500,
		PollInterval:        1 * time.Second,
		PollIntervalJitter:  500 * time.Millisecond,
		StaleClaimThreshold: 5 * time.Minute,
		StaleClaimInterval:  time.Minute,
	}
}

// LoadDispatchConfig reads the dispatcher knobs from the environment.
func LoadDispatchConfig() (*DispatchConfig, error) {
	cfg := DefaultDispatchConfig()

	var err error
	if cfg.MaxDispatchCount, err = getEnvInt("MAX_DISPATCH_COUNT", cfg.MaxDispatchCount); err != nil {
		return nil, err
	}
	if cfg.RateLimitCalls, err = getEnvInt("RATE_LIMIT_CALLS", cfg.RateLimitCalls); err != nil {
		return nil, err
	}
	if cfg.RateLimitPeriod, err = getEnvDuration("RATE_LIMIT_PERIOD", cfg.RateLimitPeriod); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("DISPATCH_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("DISPATCH_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.PollIntervalJitter, err = getEnvDuration("DISPATCH_POLL_JITTER", cfg.PollIntervalJitter); err != nil {
		return nil, err
	}
	if cfg.StaleClaimThreshold, err = getEnvDuration("DISPATCH_STALE_CLAIM_THRESHOLD", cfg.StaleClaimThreshold); err != nil {
		return nil, err
	}
	if cfg.StaleClaimInterval, err = getEnvDuration("DISPATCH_STALE_CLAIM_INTERVAL", cfg.StaleClaimInterval); err != nil {
		return nil, err
	}
	return cfg, nil
}

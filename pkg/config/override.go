package config

import "time"

// OverrideConfig contains the request-window rules applied during
// validation, contiguity resolution, and deploy scheduling.
type OverrideConfig struct {
	// DefaultDuration is applied when a request omits its end datetime.
	DefaultDuration time.Duration

	// MaxDuration caps end - start for a single request.
	MaxDuration time.Duration

	// ContiguousStartBuffer delays deployment of an extension policy
	// until the neighbour's own deployment has settled.
	ContiguousStartBuffer time.Duration

	// OppositeSwitchBackoff pushes an opposite-direction contiguous
	// request's start forward so the neighbour finishes cleanly.
	OppositeSwitchBackoff time.Duration
}

// DefaultOverrideConfig returns the built-in override defaults.
func DefaultOverrideConfig() *OverrideConfig {
	return &OverrideConfig{
		DefaultDuration:       30 * time.Minute,
		MaxDuration:           24 * time.Hour,
		ContiguousStartBuffer: 5 * time.Minute,
		OppositeSwitchBackoff: 5 * time.Minute,
	}
}

// LoadOverrideConfig reads the override knobs from the environment.
func LoadOverrideConfig() (*OverrideConfig, error) {
	cfg := DefaultOverrideConfig()

	defaultMinutes, err := getEnvInt("DEFAULT_OVERRIDE_DURATION_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.DefaultDuration = time.Duration(defaultMinutes) * time.Minute

	maxHours, err := getEnvInt("MAX_OVERRIDE_DURATION_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.MaxDuration = time.Duration(maxHours) * time.Hour

	bufferMinutes, err := getEnvInt("CONTIGUOUS_START_BUFFER_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	cfg.ContiguousStartBuffer = time.Duration(bufferMinutes) * time.Minute

	backoffMinutes, err := getEnvInt("OPPOSITE_SWITCH_DIRECTION_BACKOFF", 5)
	if err != nil {
		return nil, err
	}
	cfg.OppositeSwitchBackoff = time.Duration(backoffMinutes) * time.Minute

	return cfg, nil
}

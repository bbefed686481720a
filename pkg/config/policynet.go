package config

import (
	"fmt"
	"os"
	"time"
)

// PolicyNetConfig contains the head-end client configuration.
// The password is intentionally env-only and never logged.
type PolicyNetConfig struct {
	// Endpoint is the base URL of the PolicyNet SOAP service.
	Endpoint string

	// Username / Password authenticate the shared session.
	Username string
	Password string

	// SessionLifetime is how long an acquired session token stays
	// valid before the adapter refreshes it.
	SessionLifetime time.Duration

	// CallTimeout bounds a single SOAP call.
	CallTimeout time.Duration

	// MaxRetryElapsed bounds transport-error retries per call.
	MaxRetryElapsed time.Duration
}

// DefaultPolicyNetConfig returns the built-in head-end defaults.
func DefaultPolicyNetConfig() *PolicyNetConfig {
	return &PolicyNetConfig{
		SessionLifetime: 300 * time.Second,
		CallTimeout:     30 * time.Second,
		MaxRetryElapsed: 2 * time.Minute,
	}
}

// LoadPolicyNetConfig reads the head-end knobs from the environment.
func LoadPolicyNetConfig() (*PolicyNetConfig, error) {
	cfg := DefaultPolicyNetConfig()

	cfg.Endpoint = getEnv("POLICYNET_ENDPOINT", "http://localhost:9080/policynet")
	cfg.Username = getEnv("POLICYNET_USERNAME", "loadctl")
	cfg.Password = os.Getenv("POLICYNET_PASSWORD")

	var err error
	if cfg.SessionLifetime, err = getEnvDuration("PROVIDER_SESSION_LIFETIME", cfg.SessionLifetime); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = getEnvDuration("POLICYNET_CALL_TIMEOUT", cfg.CallTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxRetryElapsed, err = getEnvDuration("POLICYNET_MAX_RETRY_ELAPSED", cfg.MaxRetryElapsed); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("POLICYNET_ENDPOINT must not be empty")
	}
	return cfg, nil
}

// Package config loads typed service configuration from the environment.
//
// Every knob has a built-in default; Load only fails on values that are
// present but unparseable. A .env file (loaded by the caller via godotenv)
// feeds the same variables in local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the service.
type Config struct {
	Override  *OverrideConfig
	Dispatch  *DispatchConfig
	Workflow  *WorkflowConfig
	PolicyNet *PolicyNetConfig
	Retention *RetentionConfig
}

// Load builds the full configuration from environment variables,
// starting from defaults.
func Load() (*Config, error) {
	override, err := LoadOverrideConfig()
	if err != nil {
		return nil, fmt.Errorf("override config: %w", err)
	}
	dispatch, err := LoadDispatchConfig()
	if err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	workflow, err := LoadWorkflowConfig()
	if err != nil {
		return nil, fmt.Errorf("workflow config: %w", err)
	}
	policyNet, err := LoadPolicyNetConfig()
	if err != nil {
		return nil, fmt.Errorf("policynet config: %w", err)
	}
	retention, err := LoadRetentionConfig()
	if err != nil {
		return nil, fmt.Errorf("retention config: %w", err)
	}
	return &Config{
		Override:  override,
		Dispatch:  dispatch,
		Workflow:  workflow,
		PolicyNet: policyNet,
		Retention: retention,
	}, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	// Accept both bare seconds ("60") and Go duration syntax ("60s").
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the built-in configuration: four concurrent units,
// three attempts with jittered backoff, breakers opening after five
// consecutive failures, state in the XDG data directory.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			GlobalConcurrency: 4,
			MinSuccessRatio:   1.0,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelayMs: 500,
				MaxDelayMs:  30000,
				Jitter:      0.5,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeoutMs:   30000,
			},
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			Path:       filepath.Join(xdg.DataHome, "stagerunner", "state.db"),
			LockTTLMs:  30000,
			LockWaitMs: 10000,
		},
	}
}

package config

import (
	"time"

	"github.com/aristath/stagerunner/internal/engine"
)

// RetryConfig mirrors engine.RetryConfig with JSON-friendly millisecond
// durations.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelayMs int64   `json:"base_delay_ms,omitempty"`
	MaxDelayMs  int64   `json:"max_delay_ms,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// BreakerConfig mirrors engine.BreakerConfig.
type BreakerConfig struct {
	FailureThreshold uint32 `json:"failure_threshold,omitempty"`
	ResetTimeoutMs   int64  `json:"reset_timeout_ms,omitempty"`
}

// EngineConfig is the run-behavior section of the configuration.
type EngineConfig struct {
	GlobalConcurrency   int           `json:"global_concurrency,omitempty"`
	PerUnitTimeoutMs    int64         `json:"per_unit_timeout_ms,omitempty"`
	WholeRunTimeoutMs   int64         `json:"whole_run_timeout_ms,omitempty"`
	FailFast            bool          `json:"fail_fast,omitempty"`
	RequiredUnits       []string      `json:"required_units,omitempty"`
	AllowPartialResults bool          `json:"allow_partial_results,omitempty"`
	MinSuccessRatio     float64       `json:"min_success_ratio,omitempty"`
	Retry               RetryConfig   `json:"retry"`
	Breaker             BreakerConfig `json:"breaker"`
}

// StoreConfig selects and parameterizes the durable state backend.
type StoreConfig struct {
	Backend    string `json:"backend"` // "sqlite" or "memory"
	Path       string `json:"path,omitempty"`
	LockTTLMs  int64  `json:"lock_ttl_ms,omitempty"`
	LockWaitMs int64  `json:"lock_wait_ms,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Engine EngineConfig `json:"engine"`
	Store  StoreConfig  `json:"store"`
}

// Options converts the engine section to engine.Options.
func (c EngineConfig) Options() engine.Options {
	return engine.Options{
		GlobalConcurrency:   c.GlobalConcurrency,
		PerUnitTimeout:      time.Duration(c.PerUnitTimeoutMs) * time.Millisecond,
		WholeRunTimeout:     time.Duration(c.WholeRunTimeoutMs) * time.Millisecond,
		FailFast:            c.FailFast,
		RequiredUnitIDs:     append([]string(nil), c.RequiredUnits...),
		AllowPartialResults: c.AllowPartialResults,
		MinSuccessRatio:     c.MinSuccessRatio,
		Retry: engine.RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
			Jitter:      c.Retry.Jitter,
		},
		Breaker: engine.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     time.Duration(c.Breaker.ResetTimeoutMs) * time.Millisecond,
		},
	}
}

// LockTTL returns the store lock lease duration.
func (c StoreConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// LockWait returns the bounded lock acquisition wait.
func (c StoreConfig) LockWait() time.Duration {
	return time.Duration(c.LockWaitMs) * time.Millisecond
}

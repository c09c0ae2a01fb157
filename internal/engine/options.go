package engine

import "time"

// Options configures a run.
type Options struct {
	// GlobalConcurrency caps how many units run simultaneously (default 4).
	GlobalConcurrency int

	// PerUnitTimeout bounds each unit attempt. A unit's Timeout field
	// overrides it. Zero disables the per-unit deadline.
	PerUnitTimeout time.Duration

	// WholeRunTimeout bounds the entire run. Zero disables it.
	WholeRunTimeout time.Duration

	// FailFast aborts remaining waves when a unit in RequiredUnitIDs fails
	// terminally. Failures of required units abort regardless; the flag is
	// kept for configuration symmetry and future widening.
	FailFast bool

	// RequiredUnitIDs are units whose terminal failure aborts the run.
	RequiredUnitIDs []string

	// AllowPartialResults classifies a run with failures as partial when
	// the success ratio reaches MinSuccessRatio.
	AllowPartialResults bool

	// MinSuccessRatio is the succeeded/total threshold for a partial run
	// (default 1.0: every unit must succeed).
	MinSuccessRatio float64

	// Retry configures per-unit retry with exponential backoff.
	Retry RetryConfig

	// Breaker configures the per-kind circuit breakers.
	Breaker BreakerConfig
}

func (o Options) withDefaults() Options {
	if o.GlobalConcurrency <= 0 {
		o.GlobalConcurrency = 4
	}
	if o.MinSuccessRatio <= 0 {
		o.MinSuccessRatio = 1.0
	}
	o.Retry = o.Retry.withDefaults()
	o.Breaker = o.Breaker.withDefaults()
	return o
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts int           // Total attempts per unit, including the first (default 3)
	BaseDelay   time.Duration // First backoff delay (default 500ms)
	MaxDelay    time.Duration // Backoff ceiling (default 30s)
	Jitter      float64       // Randomization factor in [0,1]; 0 means deterministic delays
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// BreakerConfig configures the per-kind circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        // Consecutive failures before the breaker opens (default 5)
	ResetTimeout     time.Duration // Open duration before a half-open trial (default 30s)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultBlacklistTimeout is used when neither the structured timeout nor the
// legacy combined timeout is set.
const DefaultBlacklistTimeout = time.Hour

type Configuration struct {
	// Configuration controlling metrics.
	Metrics MetricsConfig
	// Maximum number of task attempt failures before a task is abandoned by the scheduler.
	MaxTaskFailures int `validate:"gt=0"`
	// How often the blacklist timeout sweep runs.
	// The sweep itself is a cheap no-op whenever nothing can have expired.
	BlacklistSweepInterval time.Duration `validate:"required"`
	// Configuration controlling executor and node blacklisting.
	Blacklist BlacklistConfig
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
}

type BlacklistConfig struct {
	// If false, an inert tracker is used and no blacklisting state is kept.
	Enabled bool
	// Number of times a single task may be retried on one executor within one taskset.
	MaxTaskAttemptsPerExecutor int `validate:"omitempty,gt=0"`
	// Number of times a single task may be retried on one node within one taskset.
	// Must be strictly less than MaxTaskFailures, otherwise a transient
	// single-node outage could exhaust all attempts for a task.
	MaxTaskAttemptsPerNode int `validate:"omitempty,gt=0"`
	// Distinct tasks that must fail on one executor within one taskset before
	// that executor is blacklisted for the taskset.
	MaxFailuresPerExecutorStage int `validate:"omitempty,gt=0"`
	// Distinct executors on one node that must be blacklisted for a taskset
	// before the node is blacklisted for the taskset.
	MaxFailedExecutorsPerNodeStage int `validate:"omitempty,gt=0"`
	// Distinct task failures on one executor, across the whole application,
	// before that executor is blacklisted application-wide.
	MaxFailuresPerExecutor int `validate:"omitempty,gt=0"`
	// Distinct executors on one node that must be blacklisted application-wide
	// before the whole node is blacklisted.
	MaxFailedExecutorsPerNode int `validate:"omitempty,gt=0"`
	// Duration after which a blacklisted executor or node automatically becomes eligible again.
	Timeout time.Duration
	// Legacy single combined timeout setting, consulted only when Timeout is absent.
	LegacyTimeout time.Duration
	// If true, blacklisted executors (and all executors on blacklisted nodes)
	// are killed via the cluster resource manager.
	KillBlacklistedExecutors bool
	// Skips startup validation of this config. Intended for tests only.
	UnsafeSkipValidation bool
}

// EffectiveTimeout resolves the blacklist timeout,
// falling back to the legacy setting and then the default.
func (c BlacklistConfig) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	if c.LegacyTimeout > 0 {
		return c.LegacyTimeout
	}
	return DefaultBlacklistTimeout
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(configValidation, Configuration{})
	return validate.Struct(c)
}

// configValidation performs the cross-field checks that individual field tags can't express.
func configValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	if !c.Blacklist.Enabled || c.Blacklist.UnsafeSkipValidation {
		return
	}
	if c.Blacklist.MaxTaskAttemptsPerNode >= c.MaxTaskFailures {
		sl.ReportError(
			c.Blacklist.MaxTaskAttemptsPerNode,
			"Blacklist.MaxTaskAttemptsPerNode",
			"MaxTaskAttemptsPerNode",
			"ltfield=MaxTaskFailures",
			"",
		)
	}
}

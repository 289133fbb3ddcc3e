package configuration

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/taskgridproject/taskgrid/internal/common/taskgriderrors"
)

// ValidateBlacklist checks that the blacklist thresholds make sense before
// blacklisting is enabled. Invalid configuration is a fatal startup error,
// not a runtime failure. maxTaskFailures is the application-wide limit on
// attempt failures per task.
//
// The check can be bypassed via UnsafeSkipValidation, which exists for tests only.
func ValidateBlacklist(c BlacklistConfig, maxTaskFailures int) error {
	if c.UnsafeSkipValidation {
		return nil
	}
	var result *multierror.Error
	mustBePositive := func(name string, value int) {
		if value <= 0 {
			result = multierror.Append(result, errors.WithStack(&taskgriderrors.ErrInvalidArgument{
				Name:    name,
				Value:   value,
				Message: "must be greater than 0",
			}))
		}
	}
	mustBePositive("maxTaskAttemptsPerExecutor", c.MaxTaskAttemptsPerExecutor)
	mustBePositive("maxTaskAttemptsPerNode", c.MaxTaskAttemptsPerNode)
	mustBePositive("maxFailuresPerExecutorStage", c.MaxFailuresPerExecutorStage)
	mustBePositive("maxFailedExecutorsPerNodeStage", c.MaxFailedExecutorsPerNodeStage)
	mustBePositive("maxFailuresPerExecutor", c.MaxFailuresPerExecutor)
	mustBePositive("maxFailedExecutorsPerNode", c.MaxFailedExecutorsPerNode)
	if c.EffectiveTimeout() <= 0 {
		result = multierror.Append(result, errors.WithStack(&taskgriderrors.ErrInvalidArgument{
			Name:    "timeout",
			Value:   c.EffectiveTimeout(),
			Message: "must be greater than 0",
		}))
	}
	// A single task may never be allowed to use up all of its attempts on one
	// node, otherwise a transient outage of that node fails the whole taskset.
	if c.MaxTaskAttemptsPerNode >= maxTaskFailures {
		result = multierror.Append(result, errors.WithStack(&taskgriderrors.ErrInvalidArgument{
			Name:  "maxTaskAttemptsPerNode",
			Value: c.MaxTaskAttemptsPerNode,
			Message: fmt.Sprintf(
				"must be less than maxTaskFailures (%d), or a taskset could be failed by one bad node", maxTaskFailures),
		}))
	}
	return result.ErrorOrNil()
}

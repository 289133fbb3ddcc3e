// Package blacklist decides which executors and nodes should be temporarily
// excluded from receiving new work because they have exhibited a pattern of
// task failures.
//
// The tracker only counts failures from tasksets that completed successfully
// overall. Failures belonging to a taskset that itself failed are assumed to
// reflect bad user code rather than bad infrastructure and are discarded.
// Node-level blacklisting is always derived from executor-level blacklisting,
// never directly from raw task failures.
//
// Apart from NodeBlacklist and IsNodeBlacklisted, which read a published
// immutable snapshot, operations are not internally synchronized: the host
// scheduler must serialize all mutating calls through its own lock.
package blacklist

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

// Tracker is the application-wide blacklist decision engine.
// There are two implementations: the active tracker and an inert one used
// when blacklisting is disabled, selected once at construction.
type Tracker interface {
	prometheus.Collector

	// UpdateBlacklistForSuccessfulTaskSet merges the failures observed during a
	// successfully completed taskset into the durable per-executor records and
	// promotes executors (and transitively nodes) that cross their thresholds.
	UpdateBlacklistForSuccessfulTaskSet(stageId, stageAttemptId int, failuresByExec map[string]*ExecutorFailuresInTaskSet)

	// IsExecutorBlacklisted reports whether the executor is currently excluded application-wide.
	IsExecutorBlacklisted(executorId string) bool

	// IsNodeBlacklisted reports whether the node is currently excluded application-wide.
	// Safe to call without holding the host scheduler's lock.
	IsNodeBlacklisted(node string) bool

	// NodeBlacklist returns the current set of blacklisted nodes as an
	// immutable snapshot. Safe to call without holding the host scheduler's
	// lock; callers must not mutate the returned map.
	NodeBlacklist() map[string]bool

	// ApplyBlacklistTimeout lifts exclusions whose timeout has elapsed and
	// prunes stale failure records. A cheap no-op when nothing can have expired.
	ApplyBlacklistTimeout()

	// HandleRemovedExecutor drops the failure records of an executor that has
	// permanently left the cluster. Any blacklist status the executor holds is
	// deliberately kept until it times out, so that correlated failures across
	// executors that die in quick succession on one node still count against
	// the node.
	HandleRemovedExecutor(executorId string)
}

// ExecutorRegistry is the subset of host scheduler state the tracker consumes.
type ExecutorRegistry interface {
	// HostForExecutor returns the node an executor is currently running on.
	HostForExecutor(executorId string) (string, bool)
	// AliveExecutorsOnHost returns the ids of all executors currently alive on a node.
	AliveExecutorsOnHost(node string) []string
}

// ExecutorAllocationClient asks the cluster resource manager to terminate executors.
// Implementations must not block; the tracker calls these on the scheduling path.
type ExecutorAllocationClient interface {
	KillExecutors(executorIds []string)
}

// BlacklistedExecutor is the blacklist status of one executor.
type BlacklistedExecutor struct {
	// Node the executor was running on when it was blacklisted.
	Node string
	// Time after which the executor becomes eligible again.
	ExpiryTime time.Time
}

// New returns a Tracker appropriate for the given configuration: an inert
// tracker if blacklisting is disabled, otherwise an active tracker backed by
// validated thresholds. registry is required when blacklisting is enabled;
// allocationClient may be nil, in which case kill requests are skipped.
func New(
	conf configuration.BlacklistConfig,
	maxTaskFailures int,
	clk clock.PassiveClock,
	registry ExecutorRegistry,
	allocationClient ExecutorAllocationClient,
) (Tracker, error) {
	if !conf.Enabled {
		return &DisabledTracker{}, nil
	}
	if err := configuration.ValidateBlacklist(conf, maxTaskFailures); err != nil {
		return nil, err
	}
	return newActiveTracker(conf, clk, registry, allocationClient), nil
}

// DisabledTracker is the inert Tracker used when blacklisting is disabled.
// Every query is negative and no state is kept.
type DisabledTracker struct{}

func (t *DisabledTracker) UpdateBlacklistForSuccessfulTaskSet(stageId, stageAttemptId int, failuresByExec map[string]*ExecutorFailuresInTaskSet) {
}
func (t *DisabledTracker) IsExecutorBlacklisted(executorId string) bool { return false }

func (t *DisabledTracker) IsNodeBlacklisted(node string) bool { return false }

func (t *DisabledTracker) NodeBlacklist() map[string]bool { return nil }

func (t *DisabledTracker) ApplyBlacklistTimeout() {}

func (t *DisabledTracker) HandleRemovedExecutor(executorId string) {}

func (t *DisabledTracker) Describe(ch chan<- *prometheus.Desc) {}

func (t *DisabledTracker) Collect(ch chan<- prometheus.Metric) {}

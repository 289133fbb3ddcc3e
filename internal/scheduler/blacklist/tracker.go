package blacklist

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

// ActiveTracker is the single source of truth for "is executor X usable right
// now" and "is node Y usable right now", updated from scheduler-reported
// taskset outcomes.
//
// Mutating methods must all be called while holding the host scheduler's lock.
// The node blacklist is additionally published as an immutable snapshot that
// is atomically swapped on every change, so NodeBlacklist and IsNodeBlacklisted
// can be polled from other threads without any locking.
type ActiveTracker struct {
	maxFailuresPerExec    int
	maxFailedExecsPerNode int
	timeout               time.Duration
	killEnabled           bool

	// Used for all timing decisions. Injected so tests can simulate time passing.
	clock            clock.PassiveClock
	registry         ExecutorRegistry
	allocationClient ExecutorAllocationClient

	// Failures per executor, accumulated across successful tasksets.
	// An executor is never present here and in executorIdToBlacklistStatus at once.
	executorIdToFailureList     map[string]*ExecutorFailureList
	executorIdToBlacklistStatus map[string]BlacklistedExecutor
	nodeIdToBlacklistExpiryTime map[string]time.Time
	// Executors that have ever been blacklisted on each node while still
	// tracked. Not cleared when an executor is removed from the application,
	// so correlated failures across executors that die in quick succession on
	// one node are still detected. Cleaned up only by the timeout sweep.
	nodeToBlacklistedExecs map[string]map[string]bool

	// Published immutable snapshot of the blacklisted nodes.
	nodeBlacklist atomic.Pointer[map[string]bool]

	// Earliest time at which anything currently tracked can expire.
	// The zero time means nothing is tracked. Always at or before the true
	// minimum held expiry, so a sweep is never skipped when one is needed.
	nextExpiryTime time.Time

	blacklistedNodeDesc *prometheus.Desc
}

func newActiveTracker(
	conf configuration.BlacklistConfig,
	clk clock.PassiveClock,
	registry ExecutorRegistry,
	allocationClient ExecutorAllocationClient,
) *ActiveTracker {
	t := &ActiveTracker{
		maxFailuresPerExec:          conf.MaxFailuresPerExecutor,
		maxFailedExecsPerNode:       conf.MaxFailedExecutorsPerNode,
		timeout:                     conf.EffectiveTimeout(),
		killEnabled:                 conf.KillBlacklistedExecutors,
		clock:                       clk,
		registry:                    registry,
		allocationClient:            allocationClient,
		executorIdToFailureList:     map[string]*ExecutorFailureList{},
		executorIdToBlacklistStatus: map[string]BlacklistedExecutor{},
		nodeIdToBlacklistExpiryTime: map[string]time.Time{},
		nodeToBlacklistedExecs:      map[string]map[string]bool{},
		blacklistedNodeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "blacklisted_node"),
			"Indicates which nodes are currently blacklisted.",
			[]string{"node"},
			nil,
		),
	}
	emptyNodeBlacklist := map[string]bool{}
	t.nodeBlacklist.Store(&emptyNodeBlacklist)
	return t
}

func (t *ActiveTracker) UpdateBlacklistForSuccessfulTaskSet(
	stageId, stageAttemptId int,
	failuresByExec map[string]*ExecutorFailuresInTaskSet,
) {
	now := t.clock.Now()
	expiryTimeForNewBlacklists := now.Add(t.timeout)
	for exec, newFailures := range failuresByExec {
		if _, ok := t.executorIdToBlacklistStatus[exec]; ok {
			// Already excluded application-wide; tracking further failures
			// would break the ledger/status mutual exclusion.
			continue
		}
		appFailures, ok := t.executorIdToFailureList[exec]
		if !ok {
			appFailures = NewExecutorFailureList()
			t.executorIdToFailureList[exec] = appFailures
		}
		appFailures.AddFailures(stageId, stageAttemptId, newFailures)
		appFailures.DropFailuresWithTimeoutBefore(now)

		newTotal := appFailures.NumUniqueTaskFailures()
		if newTotal < t.maxFailuresPerExec {
			continue
		}

		log.WithField("executor", exec).Infof(
			"Blacklisting executor because it has %d task failures in successful tasksets", newTotal)
		node := newFailures.Node
		t.executorIdToBlacklistStatus[exec] = BlacklistedExecutor{Node: node, ExpiryTime: expiryTimeForNewBlacklists}
		// No need to keep failure records for an executor that is now excluded.
		delete(t.executorIdToFailureList, exec)
		blacklistedExecutorsCounter.Inc()
		t.killBlacklistedExecutor(exec)

		execsOnNode, ok := t.nodeToBlacklistedExecs[node]
		if !ok {
			execsOnNode = map[string]bool{}
			t.nodeToBlacklistedExecs[node] = execsOnNode
		}
		execsOnNode[exec] = true
		if len(execsOnNode) < t.maxFailedExecsPerNode {
			continue
		}
		if _, ok := t.nodeIdToBlacklistExpiryTime[node]; !ok {
			log.WithField("node", node).Infof(
				"Blacklisting node because it has %d executors blacklisted: %v", len(execsOnNode), maps.Keys(execsOnNode))
			t.nodeIdToBlacklistExpiryTime[node] = expiryTimeForNewBlacklists
			t.publishNodeBlacklist()
			blacklistedNodesCounter.Inc()
			t.killExecutorsOnBlacklistedNode(node)
		}
	}
	if len(failuresByExec) > 0 {
		t.updateNextExpiryTime(now)
	}
}

func (t *ActiveTracker) IsExecutorBlacklisted(executorId string) bool {
	_, ok := t.executorIdToBlacklistStatus[executorId]
	return ok
}

func (t *ActiveTracker) IsNodeBlacklisted(node string) bool {
	return t.NodeBlacklist()[node]
}

func (t *ActiveTracker) NodeBlacklist() map[string]bool {
	return *t.nodeBlacklist.Load()
}

func (t *ActiveTracker) ApplyBlacklistTimeout() {
	now := t.clock.Now()
	if t.nextExpiryTime.IsZero() || !now.After(t.nextExpiryTime) {
		return
	}

	// Prune expired entries from the failure ledgers, so that one-off failures
	// spread out in time never add up to a blacklisting.
	for exec, failures := range t.executorIdToFailureList {
		failures.DropFailuresWithTimeoutBefore(now)
		if failures.IsEmpty() {
			delete(t.executorIdToFailureList, exec)
		}
	}

	var unblacklistedExecs []string
	for exec, status := range t.executorIdToBlacklistStatus {
		if !status.ExpiryTime.Before(now) {
			continue
		}
		unblacklistedExecs = append(unblacklistedExecs, exec)
		delete(t.executorIdToBlacklistStatus, exec)
		unblacklistedExecutorsCounter.Inc()
		execsOnNode := t.nodeToBlacklistedExecs[status.Node]
		delete(execsOnNode, exec)
		if len(execsOnNode) == 0 {
			delete(t.nodeToBlacklistedExecs, status.Node)
		}
	}
	if len(unblacklistedExecs) > 0 {
		log.Infof("Removing executors %v from blacklist because their blacklist has timed out", unblacklistedExecs)
	}

	var unblacklistedNodes []string
	for node, expiryTime := range t.nodeIdToBlacklistExpiryTime {
		if expiryTime.Before(now) {
			unblacklistedNodes = append(unblacklistedNodes, node)
			delete(t.nodeIdToBlacklistExpiryTime, node)
			unblacklistedNodesCounter.Inc()
		}
	}
	if len(unblacklistedNodes) > 0 {
		log.Infof("Removing nodes %v from blacklist because their blacklist has timed out", unblacklistedNodes)
		t.publishNodeBlacklist()
	}

	t.updateNextExpiryTime(now)
}

func (t *ActiveTracker) HandleRemovedExecutor(executorId string) {
	// Failure records are cleared eagerly, but any blacklist status is kept
	// until it times out: executors that die in quick succession on one node
	// must still count towards blacklisting that node.
	delete(t.executorIdToFailureList, executorId)
}

// updateNextExpiryTime recomputes the earliest time at which the sweep has work to do.
// Ledger entries are allowed to linger up to timeout past their exact expiry,
// which keeps a steady stream of task failures from forcing a sweep per
// failure. Blacklist statuses are swept as soon as due, since unblocking an
// excluded executor promptly matters more than memory overhead.
func (t *ActiveTracker) updateNextExpiryTime(now time.Time) {
	var next time.Time
	if len(t.executorIdToFailureList) > 0 {
		var minLedgerExpiry time.Time
		for _, failures := range t.executorIdToFailureList {
			minLedgerExpiry = earliest(minLedgerExpiry, failures.MinExpiryTime())
		}
		next = now.Add(t.timeout)
		if minLedgerExpiry.After(next) {
			next = minLedgerExpiry
		}
	}
	for _, status := range t.executorIdToBlacklistStatus {
		next = earliest(next, status.ExpiryTime)
	}
	for _, expiryTime := range t.nodeIdToBlacklistExpiryTime {
		next = earliest(next, expiryTime)
	}
	t.nextExpiryTime = next
}

func (t *ActiveTracker) publishNodeBlacklist() {
	nodeBlacklist := make(map[string]bool, len(t.nodeIdToBlacklistExpiryTime))
	for node := range t.nodeIdToBlacklistExpiryTime {
		nodeBlacklist[node] = true
	}
	t.nodeBlacklist.Store(&nodeBlacklist)
}

func (t *ActiveTracker) killBlacklistedExecutor(executorId string) {
	if !t.killEnabled || t.allocationClient == nil {
		return
	}
	log.WithField("executor", executorId).Info("Killing blacklisted executor")
	t.allocationClient.KillExecutors([]string{executorId})
}

func (t *ActiveTracker) killExecutorsOnBlacklistedNode(node string) {
	if !t.killEnabled || t.allocationClient == nil || t.registry == nil {
		return
	}
	execs := t.registry.AliveExecutorsOnHost(node)
	if len(execs) == 0 {
		return
	}
	log.WithField("node", node).Infof("Killing all %d executors on blacklisted node", len(execs))
	t.allocationClient.KillExecutors(execs)
}

func (t *ActiveTracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.blacklistedNodeDesc
}

func (t *ActiveTracker) Collect(ch chan<- prometheus.Metric) {
	// Reads only the published snapshot, so scraping never needs the host scheduler's lock.
	for node := range t.NodeBlacklist() {
		ch <- prometheus.MustNewConstMetric(t.blacklistedNodeDesc, prometheus.GaugeValue, 1, node)
	}
}

// earliest returns the earlier of a and b, treating the zero time as unset.
func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

package blacklist

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

// TaskSetBlacklist tracks blacklisting within one taskset: which executors
// and nodes may not run a particular task, and which may not run any task of
// the taskset at all. It is bookkeeping only; escalation to application-wide
// blacklisting happens in the Tracker once the taskset completes successfully.
//
// Like the tracker, this type is not internally synchronized: the host
// scheduler serializes all access.
type TaskSetBlacklist struct {
	maxTaskAttemptsPerExecutor int
	maxTaskAttemptsPerNode     int
	maxFailuresPerExec         int
	maxFailedExecsPerNode      int
	timeout                    time.Duration

	stageId int
	clock   clock.PassiveClock

	// Failures of each executor within this taskset.
	// Handed to the Tracker if the taskset completes successfully,
	// discarded wholesale if the taskset itself fails.
	execToFailures map[string]*ExecutorFailuresInTaskSet
	// All executors with any failures in this taskset per node, whether or not
	// they are blacklisted. Needed to blacklist the node when failures of one
	// task are spread across several executors on it.
	nodeToExecsWithFailures map[string]map[string]bool
	// Task indexes that may no longer be attempted on each node.
	nodeToBlacklistedTaskIndexes map[string]map[int]bool
	blacklistedExecs             map[string]bool
	blacklistedNodes             map[string]bool
}

func NewTaskSetBlacklist(conf configuration.BlacklistConfig, stageId int, clk clock.PassiveClock) *TaskSetBlacklist {
	return &TaskSetBlacklist{
		maxTaskAttemptsPerExecutor:   conf.MaxTaskAttemptsPerExecutor,
		maxTaskAttemptsPerNode:       conf.MaxTaskAttemptsPerNode,
		maxFailuresPerExec:           conf.MaxFailuresPerExecutorStage,
		maxFailedExecsPerNode:        conf.MaxFailedExecutorsPerNodeStage,
		timeout:                      conf.EffectiveTimeout(),
		stageId:                      stageId,
		clock:                        clk,
		execToFailures:               map[string]*ExecutorFailuresInTaskSet{},
		nodeToExecsWithFailures:      map[string]map[string]bool{},
		nodeToBlacklistedTaskIndexes: map[string]map[int]bool{},
		blacklistedExecs:             map[string]bool{},
		blacklistedNodes:             map[string]bool{},
	}
}

// IsExecutorBlacklistedForTask reports whether the given task index may no
// longer be attempted on the given executor within this taskset.
func (b *TaskSetBlacklist) IsExecutorBlacklistedForTask(executorId string, taskIndex int) bool {
	if failures, ok := b.execToFailures[executorId]; ok {
		return failures.FailureCount(taskIndex) >= b.maxTaskAttemptsPerExecutor
	}
	return false
}

// IsNodeBlacklistedForTask reports whether the given task index may no longer
// be attempted anywhere on the given node within this taskset.
func (b *TaskSetBlacklist) IsNodeBlacklistedForTask(node string, taskIndex int) bool {
	return b.nodeToBlacklistedTaskIndexes[node][taskIndex]
}

// IsExecutorBlacklistedForTaskSet reports whether the executor may not run any
// task of this taskset.
func (b *TaskSetBlacklist) IsExecutorBlacklistedForTaskSet(executorId string) bool {
	return b.blacklistedExecs[executorId]
}

// IsNodeBlacklistedForTaskSet reports whether the node may not run any task of
// this taskset.
func (b *TaskSetBlacklist) IsNodeBlacklistedForTaskSet(node string) bool {
	return b.blacklistedNodes[node]
}

// UpdateBlacklistForFailedTask records one failed task attempt and escalates
// the per-task, per-executor and per-node taskset blacklists as thresholds are
// crossed.
func (b *TaskSetBlacklist) UpdateBlacklistForFailedTask(host, executorId string, taskIndex int) {
	execFailures, ok := b.execToFailures[executorId]
	if !ok {
		execFailures = NewExecutorFailuresInTaskSet(host)
		b.execToFailures[executorId] = execFailures
	}
	execFailures.UpdateWithFailure(taskIndex, b.clock.Now().Add(b.timeout))

	execsWithFailuresOnNode, ok := b.nodeToExecsWithFailures[host]
	if !ok {
		execsWithFailuresOnNode = map[string]bool{}
		b.nodeToExecsWithFailures[host] = execsWithFailuresOnNode
	}
	execsWithFailuresOnNode[executorId] = true

	// Across all executors on this node, has this task index failed often
	// enough to rule the whole node out for it?
	failuresOnHost := 0
	for exec := range execsWithFailuresOnNode {
		if failures, ok := b.execToFailures[exec]; ok {
			failuresOnHost += failures.FailureCount(taskIndex)
		}
	}
	if failuresOnHost >= b.maxTaskAttemptsPerNode {
		blacklistedTaskIndexes, ok := b.nodeToBlacklistedTaskIndexes[host]
		if !ok {
			blacklistedTaskIndexes = map[int]bool{}
			b.nodeToBlacklistedTaskIndexes[host] = blacklistedTaskIndexes
		}
		blacklistedTaskIndexes[taskIndex] = true
	}

	if execFailures.NumUniqueTasksWithFailures() < b.maxFailuresPerExec || b.blacklistedExecs[executorId] {
		return
	}
	log.WithField("executor", executorId).Infof(
		"Blacklisting executor for stage %d", b.stageId)
	b.blacklistedExecs[executorId] = true

	numBlacklistedOnNode := 0
	for exec := range execsWithFailuresOnNode {
		if b.blacklistedExecs[exec] {
			numBlacklistedOnNode++
		}
	}
	if numBlacklistedOnNode >= b.maxFailedExecsPerNode && !b.blacklistedNodes[host] {
		log.WithField("node", host).Infof(
			"Blacklisting node for stage %d", b.stageId)
		b.blacklistedNodes[host] = true
	}
}

// ExecutorFailures exposes the per-executor failure records of this taskset,
// the input to Tracker.UpdateBlacklistForSuccessfulTaskSet.
func (b *TaskSetBlacklist) ExecutorFailures() map[string]*ExecutorFailuresInTaskSet {
	return b.execToFailures
}

// BlacklistedExecutors returns the executors currently blacklisted for this taskset.
func (b *TaskSetBlacklist) BlacklistedExecutors() []string {
	return maps.Keys(b.blacklistedExecs)
}

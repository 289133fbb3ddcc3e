package blacklist

import (
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

type stageAttempt struct {
	stageId        int
	stageAttemptId int
}

// Manager owns the live per-taskset blacklists and ties their lifecycle to the
// application-wide tracker: failures accumulate per taskset while it runs, are
// merged into the tracker when the taskset completes successfully, and are
// discarded wholesale when the taskset itself fails.
//
// Not internally synchronized; the host scheduler serializes all calls.
type Manager struct {
	tracker Tracker
	conf    configuration.BlacklistConfig
	clock   clock.PassiveClock

	taskSetBlacklists map[stageAttempt]*TaskSetBlacklist
}

func NewManager(tracker Tracker, conf configuration.BlacklistConfig, clk clock.PassiveClock) *Manager {
	return &Manager{
		tracker:           tracker,
		conf:              conf,
		clock:             clk,
		taskSetBlacklists: map[stageAttempt]*TaskSetBlacklist{},
	}
}

// TaskFailed records one failed task attempt against the taskset it belongs to.
func (m *Manager) TaskFailed(stageId, stageAttemptId, taskIndex int, executorId, host string) {
	if !m.conf.Enabled {
		return
	}
	key := stageAttempt{stageId: stageId, stageAttemptId: stageAttemptId}
	taskSetBlacklist, ok := m.taskSetBlacklists[key]
	if !ok {
		taskSetBlacklist = NewTaskSetBlacklist(m.conf, stageId, m.clock)
		m.taskSetBlacklists[key] = taskSetBlacklist
	}
	taskSetBlacklist.UpdateBlacklistForFailedTask(host, executorId, taskIndex)
}

// TaskSetSucceeded merges the taskset's failure records into the
// application-wide tracker and retires the per-taskset blacklist.
func (m *Manager) TaskSetSucceeded(stageId, stageAttemptId int) {
	key := stageAttempt{stageId: stageId, stageAttemptId: stageAttemptId}
	taskSetBlacklist, ok := m.taskSetBlacklists[key]
	if !ok {
		return
	}
	m.tracker.UpdateBlacklistForSuccessfulTaskSet(stageId, stageAttemptId, taskSetBlacklist.ExecutorFailures())
	delete(m.taskSetBlacklists, key)
}

// TaskSetFailed discards all failure accounting for a taskset that itself
// failed. Those failures are assumed to reflect bad user code, not bad
// infrastructure, and must not count towards any executor's or node's
// exclusion tally.
func (m *Manager) TaskSetFailed(stageId, stageAttemptId int) {
	key := stageAttempt{stageId: stageId, stageAttemptId: stageAttemptId}
	if _, ok := m.taskSetBlacklists[key]; ok {
		log.Debugf("Discarding blacklist accounting for failed taskset %d.%d", stageId, stageAttemptId)
		delete(m.taskSetBlacklists, key)
	}
}

// IsExecutorBlacklistedForStage reports whether the executor may not run any
// task of the given stage attempt. Unknown stage attempts are not blacklisted.
func (m *Manager) IsExecutorBlacklistedForStage(stageId, stageAttemptId int, executorId string) bool {
	key := stageAttempt{stageId: stageId, stageAttemptId: stageAttemptId}
	if taskSetBlacklist, ok := m.taskSetBlacklists[key]; ok {
		return taskSetBlacklist.IsExecutorBlacklistedForTaskSet(executorId)
	}
	return false
}

// TaskSetBlacklistFor returns the live per-taskset blacklist for fine-grained
// placement checks, or nil if the taskset is unknown.
func (m *Manager) TaskSetBlacklistFor(stageId, stageAttemptId int) *TaskSetBlacklist {
	return m.taskSetBlacklists[stageAttempt{stageId: stageId, stageAttemptId: stageAttemptId}]
}

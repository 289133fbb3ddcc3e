package scheduler

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/taskgridproject/taskgrid/internal/scheduler/blacklist"
	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

// Scheduler is the host of the blacklist subsystem. It owns the single coarse
// lock that serializes all mutating blacklist calls; the tracker and the
// per-taskset blacklists are not synchronized internally.
type Scheduler struct {
	// Serializes all scheduling state mutations, including every mutating
	// tracker call. Queries that read the published node-blacklist snapshot
	// bypass this lock.
	mu sync.Mutex

	registry         *ExecutorRegistry
	tracker          blacklist.Tracker
	blacklistManager *blacklist.Manager
}

func NewScheduler(
	registry *ExecutorRegistry,
	tracker blacklist.Tracker,
	conf configuration.BlacklistConfig,
	clk clock.PassiveClock,
) *Scheduler {
	return &Scheduler{
		registry:         registry,
		tracker:          tracker,
		blacklistManager: blacklist.NewManager(tracker, conf, clk),
	}
}

// ExecutorAdded registers a newly started executor.
func (s *Scheduler) ExecutorAdded(executorId, host string) {
	s.registry.AddExecutor(executorId, host)
}

// ExecutorRemoved handles an executor permanently leaving the cluster.
func (s *Scheduler) ExecutorRemoved(executorId string) {
	s.registry.RemoveExecutor(executorId)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.HandleRemovedExecutor(executorId)
}

// ReportTaskFailed records one failed task attempt.
// The executor's node is resolved from the registry; failures of executors
// that are no longer registered are dropped.
func (s *Scheduler) ReportTaskFailed(stageId, stageAttemptId, taskIndex int, executorId string) {
	host, ok := s.registry.HostForExecutor(executorId)
	if !ok {
		log.WithField("executor", executorId).Debug("Dropping task failure for unknown executor")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklistManager.TaskFailed(stageId, stageAttemptId, taskIndex, executorId, host)
}

// ReportTaskSetSucceeded merges the taskset's failures into the
// application-wide blacklist.
func (s *Scheduler) ReportTaskSetSucceeded(stageId, stageAttemptId int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklistManager.TaskSetSucceeded(stageId, stageAttemptId)
}

// ReportTaskSetFailed discards the taskset's failure accounting.
func (s *Scheduler) ReportTaskSetFailed(stageId, stageAttemptId int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklistManager.TaskSetFailed(stageId, stageAttemptId)
}

// IsExecutorBlacklisted reports whether an executor is excluded application-wide.
func (s *Scheduler) IsExecutorBlacklisted(executorId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.IsExecutorBlacklisted(executorId)
}

// IsExecutorBlacklistedForStage reports whether an executor is excluded for
// one stage attempt.
func (s *Scheduler) IsExecutorBlacklistedForStage(stageId, stageAttemptId int, executorId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklistManager.IsExecutorBlacklistedForStage(stageId, stageAttemptId, executorId)
}

// IsNodeBlacklisted reports whether a node is excluded application-wide.
// Reads the published snapshot; safe to call from any goroutine without
// contending with the scheduling path.
func (s *Scheduler) IsNodeBlacklisted(node string) bool {
	return s.tracker.IsNodeBlacklisted(node)
}

// NodeBlacklist returns the current set of blacklisted nodes.
// Reads the published snapshot; safe to call from any goroutine.
func (s *Scheduler) NodeBlacklist() map[string]bool {
	return s.tracker.NodeBlacklist()
}

// ApplyBlacklistTimeout runs the blacklist expiry sweep.
// Registered as a periodic background task.
func (s *Scheduler) ApplyBlacklistTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.ApplyBlacklistTimeout()
}

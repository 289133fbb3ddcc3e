package blacklist

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// TaskFailure records how many times one task index has failed on an executor
// within a taskset, together with the latest time at which any of those
// failures stops counting towards blacklisting.
type TaskFailure struct {
	Count      int
	ExpiryTime time.Time
}

// ExecutorFailuresInTaskSet accumulates the failures of one executor within one taskset.
type ExecutorFailuresInTaskSet struct {
	// Node the executor is running on.
	Node string
	// Failure count and exclusion expiry per task index.
	TaskToFailureCountAndExpiryTime map[int]TaskFailure
}

func NewExecutorFailuresInTaskSet(node string) *ExecutorFailuresInTaskSet {
	return &ExecutorFailuresInTaskSet{
		Node:                            node,
		TaskToFailureCountAndExpiryTime: map[int]TaskFailure{},
	}
}

// UpdateWithFailure records one more failure of the given task index.
// The accounted expiry for a task index never moves backward.
func (f *ExecutorFailuresInTaskSet) UpdateWithFailure(taskIndex int, expiryTime time.Time) {
	failure := f.TaskToFailureCountAndExpiryTime[taskIndex]
	failure.Count++
	if expiryTime.After(failure.ExpiryTime) {
		failure.ExpiryTime = expiryTime
	}
	f.TaskToFailureCountAndExpiryTime[taskIndex] = failure
}

// NumUniqueTasksWithFailures returns the number of distinct task indexes that
// have failed on this executor in this taskset. Repeated failures of the same
// index count once.
func (f *ExecutorFailuresInTaskSet) NumUniqueTasksWithFailures() int {
	return len(f.TaskToFailureCountAndExpiryTime)
}

// FailureCount returns how many times the given task index has failed on this executor.
func (f *ExecutorFailuresInTaskSet) FailureCount(taskIndex int) int {
	return f.TaskToFailureCountAndExpiryTime[taskIndex].Count
}

func (f *ExecutorFailuresInTaskSet) String() string {
	var sb strings.Builder
	sb.WriteString("numUniqueTasksWithFailures = ")
	fmt.Fprintf(&sb, "%d; ", f.NumUniqueTasksWithFailures())
	fmt.Fprintf(&sb, "tasksToFailures = %v", f.TaskToFailureCountAndExpiryTime)
	return sb.String()
}

// taskSetTaskId identifies one task within one taskset.
type taskSetTaskId struct {
	stageId        int
	stageAttemptId int
	taskIndex      int
}

type taskFailure struct {
	taskId     taskSetTaskId
	expiryTime time.Time
}

// ExecutorFailureList is the durable rolling record of the task failures of
// one executor, accumulated across tasksets that completed successfully.
// Entries are kept sorted by expiry time ascending so that dropping expired
// entries costs time proportional to the number dropped.
//
// The list is expected to stay small: executors are blacklisted, and their
// list discarded, as soon as the failure threshold is reached.
type ExecutorFailureList struct {
	failures []taskFailure
}

func NewExecutorFailureList() *ExecutorFailureList {
	return &ExecutorFailureList{}
}

// AddFailures appends every task failure recorded for this executor during the
// given taskset. Failures of the same task index from different tasksets or
// stage attempts are distinct entries.
func (l *ExecutorFailureList) AddFailures(stageId, stageAttemptId int, failuresInTaskSet *ExecutorFailuresInTaskSet) {
	for taskIndex, failure := range failuresInTaskSet.TaskToFailureCountAndExpiryTime {
		l.failures = append(l.failures, taskFailure{
			taskId: taskSetTaskId{
				stageId:        stageId,
				stageAttemptId: stageAttemptId,
				taskIndex:      taskIndex,
			},
			expiryTime: failure.ExpiryTime,
		})
	}
	slices.SortFunc(l.failures, func(a, b taskFailure) bool {
		return a.expiryTime.Before(b.expiryTime)
	})
}

// DropFailuresWithTimeoutBefore removes every entry whose expiry is strictly
// before dropBefore. Short-circuits when nothing can have expired.
func (l *ExecutorFailureList) DropFailuresWithTimeoutBefore(dropBefore time.Time) {
	if len(l.failures) == 0 || !l.failures[0].expiryTime.Before(dropBefore) {
		return
	}
	i := 0
	for i < len(l.failures) && l.failures[i].expiryTime.Before(dropBefore) {
		i++
	}
	l.failures = slices.Delete(l.failures, 0, i)
}

// MinExpiryTime returns the smallest expiry among held entries,
// or the zero time if the list is empty.
func (l *ExecutorFailureList) MinExpiryTime() time.Time {
	if len(l.failures) == 0 {
		return time.Time{}
	}
	return l.failures[0].expiryTime
}

// NumUniqueTaskFailures returns the number of distinct (taskset, taskIndex)
// failures currently held.
func (l *ExecutorFailureList) NumUniqueTaskFailures() int {
	return len(l.failures)
}

func (l *ExecutorFailureList) IsEmpty() bool {
	return len(l.failures) == 0
}

func (l *ExecutorFailureList) String() string {
	return fmt.Sprintf("failures = %v", l.failures)
}

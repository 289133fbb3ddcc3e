package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/taskgridproject/taskgrid/internal/scheduler/configuration"
)

const testMaxTaskFailures = 4

type stubRegistry struct {
	executorsByHost map[string][]string
}

func (r *stubRegistry) HostForExecutor(executorId string) (string, bool) {
	for host, execs := range r.executorsByHost {
		for _, exec := range execs {
			if exec == executorId {
				return host, true
			}
		}
	}
	return "", false
}

func (r *stubRegistry) AliveExecutorsOnHost(node string) []string {
	return r.executorsByHost[node]
}

type mockAllocationClient struct {
	killed [][]string
}

func (c *mockAllocationClient) KillExecutors(executorIds []string) {
	c.killed = append(c.killed, executorIds)
}

func newTestTracker(t *testing.T, conf configuration.BlacklistConfig, clk *clocktesting.FakePassiveClock) *ActiveTracker {
	tracker, err := New(conf, testMaxTaskFailures, clk, &stubRegistry{}, nil)
	require.NoError(t, err)
	return tracker.(*ActiveTracker)
}

// taskSetFailures builds the failure record of one executor in one taskset,
// with one failure per given task index expiring at the given time.
func taskSetFailures(node string, expiryTime time.Time, taskIndexes ...int) *ExecutorFailuresInTaskSet {
	failures := NewExecutorFailuresInTaskSet(node)
	for _, taskIndex := range taskIndexes {
		failures.UpdateWithFailure(taskIndex, expiryTime)
	}
	return failures
}

func TestNewSelectsImplementation(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())

	tracker, err := New(configuration.BlacklistConfig{Enabled: false}, testMaxTaskFailures, clk, &stubRegistry{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &DisabledTracker{}, tracker)

	tracker, err = New(testBlacklistConfig(), testMaxTaskFailures, clk, &stubRegistry{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ActiveTracker{}, tracker)

	// Invalid thresholds are a fatal construction error.
	conf := testBlacklistConfig()
	conf.MaxFailuresPerExecutor = 0
	_, err = New(conf, testMaxTaskFailures, clk, &stubRegistry{}, nil)
	assert.Error(t, err)

	// Unless validation is explicitly bypassed.
	conf.UnsafeSkipValidation = true
	_, err = New(conf, testMaxTaskFailures, clk, &stubRegistry{}, nil)
	assert.NoError(t, err)
}

func TestExecutorBlacklistedOnThreshold(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	// One failure is below MaxFailuresPerExecutor.
	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0),
	})
	assert.False(t, tracker.IsExecutorBlacklisted("1"))
	assert.Contains(t, tracker.executorIdToFailureList, "1")

	// The second distinct task failure crosses the threshold within the same call.
	tracker.UpdateBlacklistForSuccessfulTaskSet(2, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 1),
	})
	assert.True(t, tracker.IsExecutorBlacklisted("1"))

	// Expiry is exactly now + timeout, and the ledger entry is purged:
	// an executor is never tracked and blacklisted at once.
	status, ok := tracker.executorIdToBlacklistStatus["1"]
	require.True(t, ok)
	assert.Equal(t, "hostA", status.Node)
	assert.True(t, status.ExpiryTime.Equal(t0.Add(conf.Timeout)))
	assert.NotContains(t, tracker.executorIdToFailureList, "1")
}

func TestSameTaskIndexCountsOnce(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	// Task 0 failed twice in the same taskset (a retry of the same task):
	// one unique failure, no blacklisting.
	failures := NewExecutorFailuresInTaskSet("hostA")
	failures.UpdateWithFailure(0, t0.Add(conf.Timeout))
	failures.UpdateWithFailure(0, t0.Add(conf.Timeout))
	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{"3": failures})

	assert.False(t, tracker.IsExecutorBlacklisted("3"))
	assert.Equal(t, 1, tracker.executorIdToFailureList["3"].NumUniqueTaskFailures())
}

func TestNodeBlacklistedOnSecondExecutor(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	assert.True(t, tracker.IsExecutorBlacklisted("1"))
	assert.False(t, tracker.IsNodeBlacklisted("hostA"))

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 1, map[string]*ExecutorFailuresInTaskSet{
		"2": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	assert.True(t, tracker.IsExecutorBlacklisted("2"))
	assert.True(t, tracker.IsNodeBlacklisted("hostA"))
	assert.False(t, tracker.IsNodeBlacklisted("hostB"))
	assert.Equal(t, map[string]bool{"hostA": true}, tracker.NodeBlacklist())
}

func TestBlacklistTimeoutSweep(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
		"2": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	require.True(t, tracker.IsExecutorBlacklisted("1"))
	require.True(t, tracker.IsExecutorBlacklisted("2"))
	require.True(t, tracker.IsNodeBlacklisted("hostA"))

	// Nothing can have expired yet; the sweep is a no-op.
	tracker.ApplyBlacklistTimeout()
	assert.True(t, tracker.IsExecutorBlacklisted("1"))
	assert.True(t, tracker.IsNodeBlacklisted("hostA"))

	clk.SetTime(t0.Add(conf.Timeout + time.Millisecond))
	tracker.ApplyBlacklistTimeout()
	assert.False(t, tracker.IsExecutorBlacklisted("1"))
	assert.False(t, tracker.IsExecutorBlacklisted("2"))
	assert.False(t, tracker.IsNodeBlacklisted("hostA"))
	assert.Empty(t, tracker.NodeBlacklist())
	assert.Empty(t, tracker.executorIdToBlacklistStatus)
	assert.Empty(t, tracker.nodeIdToBlacklistExpiryTime)
	assert.Empty(t, tracker.nodeToBlacklistedExecs)

	// A second sweep with no elapsed time changes nothing.
	tracker.ApplyBlacklistTimeout()
	assert.True(t, tracker.nextExpiryTime.IsZero())
	assert.Empty(t, tracker.executorIdToBlacklistStatus)
}

func TestLedgerEntriesExpire(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0),
	})
	require.Contains(t, tracker.executorIdToFailureList, "1")

	// Old failures are dropped before new ones are counted, so two failures
	// further apart than the timeout never add up to a blacklisting.
	later := t0.Add(2 * conf.Timeout)
	clk.SetTime(later)
	tracker.UpdateBlacklistForSuccessfulTaskSet(2, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", later.Add(conf.Timeout), 1),
	})
	assert.False(t, tracker.IsExecutorBlacklisted("1"))
	assert.Equal(t, 1, tracker.executorIdToFailureList["1"].NumUniqueTaskFailures())

	// The sweep eventually drops the remaining entry and forgets the executor.
	clk.SetTime(later.Add(2 * conf.Timeout))
	tracker.ApplyBlacklistTimeout()
	assert.NotContains(t, tracker.executorIdToFailureList, "1")
}

func TestHandleRemovedExecutor(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0),
	})
	require.Contains(t, tracker.executorIdToFailureList, "1")

	tracker.HandleRemovedExecutor("1")
	assert.NotContains(t, tracker.executorIdToFailureList, "1")
}

func TestRemovedExecutorStillCountsTowardsNodeBlacklist(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	require.True(t, tracker.IsExecutorBlacklisted("1"))

	// Executor 1 dies. Its blacklist status and its entry in the per-node
	// blacklisted-executor set survive, so a second bad executor on the same
	// node still blacklists the node.
	tracker.HandleRemovedExecutor("1")
	assert.True(t, tracker.IsExecutorBlacklisted("1"))
	assert.Contains(t, tracker.nodeToBlacklistedExecs["hostA"], "1")

	tracker.UpdateBlacklistForSuccessfulTaskSet(2, 0, map[string]*ExecutorFailuresInTaskSet{
		"2": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	assert.True(t, tracker.IsNodeBlacklisted("hostA"))
}

func TestNodeBlacklistSnapshotIsImmutable(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	tracker := newTestTracker(t, conf, clk)

	before := tracker.NodeBlacklist()
	assert.Empty(t, before)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
		"2": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})

	// The previously read snapshot is unchanged; a fresh read sees the update.
	assert.Empty(t, before)
	assert.Equal(t, map[string]bool{"hostA": true}, tracker.NodeBlacklist())
}

func TestKillBlacklistedExecutors(t *testing.T) {
	t0 := time.Now()
	clk := clocktesting.NewFakePassiveClock(t0)
	conf := testBlacklistConfig()
	conf.KillBlacklistedExecutors = true

	allocationClient := &mockAllocationClient{}
	registry := &stubRegistry{executorsByHost: map[string][]string{"hostA": {"1", "2", "3"}}}
	tracker, err := New(conf, testMaxTaskFailures, clk, registry, allocationClient)
	require.NoError(t, err)

	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	require.Len(t, allocationClient.killed, 1)
	assert.Equal(t, []string{"1"}, allocationClient.killed[0])

	// Blacklisting the node kills every executor still alive on it.
	tracker.UpdateBlacklistForSuccessfulTaskSet(2, 0, map[string]*ExecutorFailuresInTaskSet{
		"2": taskSetFailures("hostA", t0.Add(conf.Timeout), 0, 1),
	})
	require.Len(t, allocationClient.killed, 3)
	assert.Equal(t, []string{"2"}, allocationClient.killed[1])
	assert.ElementsMatch(t, []string{"1", "2", "3"}, allocationClient.killed[2])
}

func TestDisabledTrackerIsInert(t *testing.T) {
	tracker := &DisabledTracker{}
	tracker.UpdateBlacklistForSuccessfulTaskSet(1, 0, map[string]*ExecutorFailuresInTaskSet{
		"1": taskSetFailures("hostA", time.Now(), 0, 1, 2, 3),
	})
	assert.False(t, tracker.IsExecutorBlacklisted("1"))
	assert.False(t, tracker.IsNodeBlacklisted("hostA"))
	assert.Empty(t, tracker.NodeBlacklist())
	tracker.ApplyBlacklistTimeout()
	tracker.HandleRemovedExecutor("1")
}

func TestUnknownIdsAreNotBlacklisted(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	tracker := newTestTracker(t, testBlacklistConfig(), clk)

	assert.False(t, tracker.IsExecutorBlacklisted("no-such-executor"))
	assert.False(t, tracker.IsNodeBlacklisted("no-such-node"))
	tracker.HandleRemovedExecutor("no-such-executor")
}

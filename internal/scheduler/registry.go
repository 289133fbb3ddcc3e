package scheduler

import (
	"sync"

	"golang.org/x/exp/maps"
)

// ExecutorRegistry tracks which executors are alive and which node each one
// runs on. It is maintained from executor add/remove events and is safe for
// concurrent use.
type ExecutorRegistry struct {
	mu              sync.RWMutex
	hostByExecutor  map[string]string
	executorsByHost map[string]map[string]bool
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		hostByExecutor:  map[string]string{},
		executorsByHost: map[string]map[string]bool{},
	}
}

// AddExecutor registers an executor as alive on the given node.
// An executor runs on exactly one node at a time; re-adding an executor moves it.
func (r *ExecutorRegistry) AddExecutor(executorId, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previousHost, ok := r.hostByExecutor[executorId]; ok {
		r.removeFromHost(executorId, previousHost)
	}
	r.hostByExecutor[executorId] = host
	executors, ok := r.executorsByHost[host]
	if !ok {
		executors = map[string]bool{}
		r.executorsByHost[host] = executors
	}
	executors[executorId] = true
}

// RemoveExecutor unregisters an executor that has left the cluster.
func (r *ExecutorRegistry) RemoveExecutor(executorId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	host, ok := r.hostByExecutor[executorId]
	if !ok {
		return
	}
	delete(r.hostByExecutor, executorId)
	r.removeFromHost(executorId, host)
}

func (r *ExecutorRegistry) removeFromHost(executorId, host string) {
	executors := r.executorsByHost[host]
	delete(executors, executorId)
	if len(executors) == 0 {
		delete(r.executorsByHost, host)
	}
}

func (r *ExecutorRegistry) HostForExecutor(executorId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.hostByExecutor[executorId]
	return host, ok
}

func (r *ExecutorRegistry) AliveExecutorsOnHost(node string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.executorsByHost[node])
}

package agent

import (
	"sync"

	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// taskQueue holds envelopes waiting to run. Only one drainer runs at a
// time, so tasks on one agent execute in arrival order.
type taskQueue struct {
	pending []*taskagent.Envelope
	mu      sync.Mutex
	locked  bool
}

func (q *taskQueue) Enqueue(env *taskagent.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, env)
}

func (q *taskQueue) Dequeue() (*taskagent.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	env := q.pending[0]
	q.pending = q.pending[1:]
	return env, true
}

func (q *taskQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

// Unlock releases the drainer lock. It reports whether envelopes arrived
// after the last Dequeue and need another drain.
func (q *taskQueue) Unlock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
	return len(q.pending) > 0
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

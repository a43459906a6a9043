package agent

import (
	"slices"
	"sync"
	"time"
)

// RunningTask describes a task currently executing on this agent.
type RunningTask struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Source    string    `json:"src"`
	StartedAt time.Time `json:"started_at"`
}

type tracker struct {
	tasks map[string]*RunningTask // envelope id → task
	mu    sync.RWMutex
}

func newTracker() *tracker {
	return &tracker{
		tasks: make(map[string]*RunningTask),
	}
}

func (t *tracker) Set(task *RunningTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[task.ID] = task
}

func (t *tracker) Get(id string) *RunningTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tasks[id]
}

func (t *tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// List returns copies of the running tasks, oldest first.
func (t *tracker) List() []RunningTask {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunningTask, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	slices.SortFunc(out, func(a, b RunningTask) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer records tasks instead of sending them to Redis. Task ids given
// with asynq.TaskID are deduplicated like the real queue does.
type Enqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool

	// Err, when set, is returned by every Enqueue call.
	Err error
	// Delay stalls every Enqueue call, like a slow Redis.
	Delay time.Duration
}

func (e *Enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}

	var id string
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id, _ = opt.Value().(string)
		}
	}
	if id != "" {
		if e.ids == nil {
			e.ids = make(map[string]bool)
		}
		if e.ids[id] {
			return nil, errors.Join(errors.New("enqueue"), asynq.ErrTaskIDConflict)
		}
		e.ids[id] = true
	}

	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: id, Type: task.Type(), Payload: task.Payload()}, nil
}

// Drain returns the recorded tasks and forgets them.
func (e *Enqueuer) Drain() []*asynq.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.tasks
	e.tasks = nil
	return out
}

func (e *Enqueuer) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

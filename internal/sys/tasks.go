package sys

import (
	"context"
	"fmt"
	"sync"
)

// TaskManager runs posted tasks one at a time to completion.
// All stack state is owned by whichever goroutine drives the manager.
type TaskManager struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	// OnPanic, when set, receives a recovered task panic instead of
	// letting it unwind the loop.
	OnPanic func(v any)
}

// NewTaskManager creates an empty task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{wake: make(chan struct{}, 1)}
}

// Post queues fn. Safe to call from any goroutine.
func (tm *TaskManager) Post(fn func()) {
	if fn == nil {
		return
	}
	tm.mu.Lock()
	tm.queue = append(tm.queue, fn)
	tm.mu.Unlock()
	select {
	case tm.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (tm *TaskManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.queue)
}

// RunPending runs queued tasks, including ones posted while running,
// until the queue is empty. Returns the number of tasks run.
func (tm *TaskManager) RunPending() int {
	n := 0
	for {
		tm.mu.Lock()
		if len(tm.queue) == 0 {
			tm.mu.Unlock()
			return n
		}
		fn := tm.queue[0]
		tm.queue[0] = nil
		tm.queue = tm.queue[1:]
		tm.mu.Unlock()

		tm.runOne(fn)
		n++
	}
}

func (tm *TaskManager) runOne(fn func()) {
	if tm.OnPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				tm.OnPanic(r)
			}
		}()
	}
	fn()
}

// Run drives the task manager until ctx is cancelled.
func (tm *TaskManager) Run(ctx context.Context) error {
	for {
		tm.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tm.wake:
		}
	}
}

// Call posts fn and waits for it to finish. It must not be called from a
// task, since the task manager would wait on itself.
func (tm *TaskManager) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	var panicked any
	tm.Post(func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		fn()
	})
	select {
	case <-done:
		if panicked != nil {
			return fmt.Errorf("task panic: %v", panicked)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

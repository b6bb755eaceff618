// Package runner executes a fixed list of asynchronous unit-tasks with a
// bounded number in flight, collecting one result slot per task in
// submission order regardless of completion order.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled marks the result slot of a task that was never scheduled
// because the run was cancelled first.
var ErrCancelled = errors.New("task cancelled before scheduling")

// Task is one zero-argument unit of asynchronous work.
type Task func(ctx context.Context) (any, error)

// Result is the outcome of one task. Index is the task's submission
// position; it always matches the slot position in the returned slice.
type Result struct {
	Value any
	Err   error
	Index int
}

// Succeeded reports whether the task produced a value.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Runner runs tasks with at most a fixed number in flight. A Runner is for
// one Run call; construct a new one per batch.
type Runner struct {
	tasks     []Task
	limit     int
	cancelled atomic.Bool
}

// New creates a runner for tasks with the given concurrency limit. The limit
// is clamped to at least 1.
func New(tasks []Task, limit int) *Runner {
	if limit < 1 {
		limit = 1
	}

	return &Runner{
		tasks: tasks,
		limit: limit,
	}
}

// Cancel stops the runner from scheduling further tasks. Tasks already in
// flight run to completion and their results are recorded in their slot;
// the cancelled return of Run tells the caller the batch is incomplete.
// (Recording in-flight results keeps the slot-per-task invariant exact.)
func (r *Runner) Cancel() {
	r.cancelled.Store(true)
}

// Run executes the tasks and blocks until every scheduled task has produced
// its result slot, or cancellation has drained all in-flight tasks. A failing
// task is recorded as its slot's Err and does not halt the others. A
// zero-length task list completes immediately with empty results and
// cancelled=false. Context cancellation behaves like Cancel.
func (r *Runner) Run(ctx context.Context) ([]Result, bool) {
	if len(r.tasks) == 0 {
		return []Result{}, false
	}

	results := make([]Result, len(r.tasks))
	semaphore := make(chan struct{}, r.limit)

	var waitGroup sync.WaitGroup

	for index, task := range r.tasks {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			markUnscheduled(results, index)

			waitGroup.Wait()

			return results, true
		}

		// Re-check after the acquire: cancellation may have landed while
		// this slot was waiting on the semaphore.
		if r.stopped(ctx) {
			<-semaphore

			markUnscheduled(results, index)

			break
		}

		waitGroup.Add(1)

		go func(slot int, unit Task) {
			defer waitGroup.Done()
			defer func() { <-semaphore }()

			value, err := unit(ctx)
			results[slot] = Result{Value: value, Err: err, Index: slot}
		}(index, task)
	}

	waitGroup.Wait()

	return results, r.stopped(ctx)
}

func (r *Runner) stopped(ctx context.Context) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

func markUnscheduled(results []Result, from int) {
	for slot := from; slot < len(results); slot++ {
		results[slot] = Result{Value: nil, Err: ErrCancelled, Index: slot}
	}
}

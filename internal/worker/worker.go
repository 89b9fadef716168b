// ============================================================================
// logbus Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is an independent goroutine that loops:
//   1. Receive a task from taskCh (or exit when the pool stops)
//   2. Run it under its own context, with a timeout when one is set
//   3. Report the result to resultCh without blocking
//
// A panicking task is recovered and reported as a failed result; the worker
// keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of the Worker.
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}

		start := time.Now()
		err := w.execute(task)

		result := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			// Nobody is collecting results.
		}
	}
}

func (w *Worker) execute(task Task) error {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	if task.Run == nil {
		return fmt.Errorf("worker %d: task %s has no body", w.id, task.ID)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
			}
		}()
		done <- task.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

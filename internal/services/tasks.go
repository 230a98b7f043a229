package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskTracker runs named background goroutines and waits for them on
// shutdown. Panics inside a task are recovered and logged so one bad
// task cannot take the process down.
type TaskTracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewTaskTracker creates a tracker whose tasks observe ctx for shutdown.
func NewTaskTracker(ctx context.Context, logger *zap.Logger) *TaskTracker {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskTracker{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "task_tracker")),
	}
}

// Go launches fn on a tracked goroutine. It returns an error if the
// tracker has already been shut down.
func (t *TaskTracker) Go(name string, fn func(ctx context.Context)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("task tracker is shut down, rejected task %q", name)
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("task panicked",
					zap.String("task", name),
					zap.Any("panic", r))
			}
		}()
		t.logger.Debug("task started", zap.String("task", name))
		fn(t.ctx)
		t.logger.Debug("task finished", zap.String("task", name))
	}()
	return nil
}

// Shutdown cancels all tasks and waits up to timeout for them to exit.
// It returns an error if the wait times out. Safe to call more than once.
func (t *TaskTracker) Shutdown(timeout time.Duration) error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	if alreadyClosed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("all background tasks finished")
		return nil
	case <-time.After(timeout):
		t.logger.Warn("timed out waiting for background tasks", zap.Duration("timeout", timeout))
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}

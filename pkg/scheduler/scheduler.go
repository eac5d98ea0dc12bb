// Package scheduler runs named periodic tasks on their own intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the first cycle immediately instead of after one interval.
	RunOnStart bool
	// Timeout bounds a single cycle. Zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Runner drives a set of tasks, one goroutine per task.
type Runner struct {
	tasks  []Task
	logger *logrus.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRunner(logger *logrus.Logger, tasks ...Task) *Runner {
	return &Runner{
		tasks:  tasks,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("scheduler already started")
	}
	for _, task := range r.tasks {
		if task.Interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", task.Name)
		}
		if task.Run == nil {
			return fmt.Errorf("task %s: no run function", task.Name)
		}
	}
	r.started = true

	for _, task := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, task)
	}
	r.logger.WithField("tasks", len(r.tasks)).Info("Scheduler started")
	return nil
}

// Stop prevents new cycles from starting and waits for in-flight cycles to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, task Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	if task.RunOnStart && !r.stopping(ctx) {
		r.runCycle(ctx, task)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.stopping(ctx) {
				return
			}
			r.runCycle(ctx, task)
		}
	}
}

func (r *Runner) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// runCycle executes one cycle detached from the caller's cancellation and
// bounded by the task timeout.
func (r *Runner) runCycle(ctx context.Context, task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log := r.logger.WithField("task", task.Name)
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Task cycle panicked")
		}
	}()

	start := time.Now()
	if err := task.Run(cycleCtx); err != nil {
		log.WithError(err).Error("Task cycle failed")
		return
	}
	log.WithField("elapsed", time.Since(start)).Debug("Task cycle finished")
}

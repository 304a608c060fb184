package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

var _ port.TaskLauncher = &workerService{}

// workerService is a bounded local execution pool. It stands in for a
// remote executor by sleeping for each task's scaled estimated duration
// and then reporting completion.
type workerService struct {
	reporter  port.TaskReporter
	size      int
	timeScale float64
	jobs      chan domain.Assignment
	wg        sync.WaitGroup
	log       *zap.Logger
}

func NewWorkerService(reporter port.TaskReporter, size int, timeScale float64, log *zap.Logger) *workerService {
	if size <= 0 {
		size = 1
	}
	return &workerService{
		reporter:  reporter,
		size:      size,
		timeScale: timeScale,
		jobs:      make(chan domain.Assignment, size),
		log:       log,
	}
}

// SetReporter swaps the outcome sink. The orchestrator needs the pool at
// construction, so the pool learns about the orchestrator afterwards.
func (w *workerService) SetReporter(r port.TaskReporter) {
	w.reporter = r
}

// StartWorker launches the pool goroutines; they exit when ctx is done
func (w *workerService) StartWorker(ctx context.Context) {
	w.log.Info("Starting execution pool", zap.Int("size", w.size))
	for i := 0; i < w.size; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-w.jobs:
					w.processTask(ctx, a)
				}
			}
		}()
	}
}

// Wait blocks until every pool goroutine has returned
func (w *workerService) Wait() {
	w.wg.Wait()
}

// Launch queues an assignment, blocking while the pool is saturated
func (w *workerService) Launch(ctx context.Context, a domain.Assignment) error {
	select {
	case w.jobs <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *workerService) processTask(ctx context.Context, a domain.Assignment) {
	d := time.Duration(float64(a.Task.Requirements.EstimatedDuration) * w.timeScale)
	w.log.Info("Processing Task...",
		zap.Int("task_id", a.Task.ID),
		zap.String("name", a.Task.Name),
		zap.Int("node_id", a.NodeID),
		zap.Duration("duration", d))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := w.reporter.CompleteTask(ctx, a.Task.ID, a.NodeID); err != nil {
		// the task may have been requeued after its node failed
		w.log.Warn("Completion not accepted", zap.Int("task_id", a.Task.ID), zap.Error(err))
		return
	}
	w.log.Info("Task Completed", zap.Int("task_id", a.Task.ID))
}

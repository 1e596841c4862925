package gc

import (
	"context"
	"log"
	"sync"
	"time"
)

// Worker polls the task queue and runs GC tasks one at a time. Expired
// staging uploads are swept on a slower cadence from the same loop.
type Worker struct {
	collector *Collector
	pollDelay time.Duration
	sweepEach time.Duration
	// stagingMaxAge bounds how long an uncommitted upload survives.
	stagingMaxAge time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(collector *Collector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		collector:     collector,
		pollDelay:     time.Second,
		sweepEach:     time.Hour,
		stagingMaxAge: 24 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins processing tasks from the queue.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop stops the worker and waits for the in-flight task to complete.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()

	lastSweep := time.Now()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if time.Since(lastSweep) >= w.sweepEach {
			lastSweep = time.Now()
			if n, err := w.collector.store.ExpireStagingUploads(w.stagingMaxAge); err != nil {
				log.Printf("gc: expire staging uploads: %v", err)
			} else if n > 0 {
				log.Printf("gc: expired %d staging uploads", n)
			}
		}

		task, err := w.collector.store.NextGCTask()
		if err != nil {
			log.Printf("gc: next task: %v", err)
			time.Sleep(w.pollDelay)
			continue
		}
		if task == nil {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.pollDelay):
			}
			continue
		}

		errMsg := ""
		if err := w.collector.RunTask(w.ctx, task); err != nil {
			log.Printf("gc: task %d failed: %v", task.ID, err)
			errMsg = err.Error()
		}
		if err := w.collector.store.FinishGCTask(task.ID, errMsg); err != nil {
			log.Printf("gc: finish task %d: %v", task.ID, err)
		}
	}
}

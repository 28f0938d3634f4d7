package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

// AuditRunner executes one audit run
type AuditRunner interface {
	RunAudit(ctx context.Context, listingID int64) (string, error)
}

// AuditWorkerJob consumes the audit queue with a fixed number of goroutines
type AuditWorkerJob struct {
	Queue   services.TaskQueue
	Runner  AuditRunner
	Workers int

	errorBackoff time.Duration
	logger       *logrus.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewAuditWorkerJob(queue services.TaskQueue, runner AuditRunner, workers int) *AuditWorkerJob {
	if workers < 1 {
		workers = 1
	}
	return &AuditWorkerJob{
		Queue:        queue,
		Runner:       runner,
		Workers:      workers,
		errorBackoff: time.Second,
		logger:       logrus.StandardLogger(),
	}
}

// Start launches the consumers. They run until Stop or until ctx ends.
func (j *AuditWorkerJob) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.logger.WithField("workers", j.Workers).Info("Starting Audit Worker Job...")

	for i := 0; i < j.Workers; i++ {
		j.wg.Add(1)
		go func(worker int) {
			defer j.wg.Done()
			j.consume(ctx, worker)
		}(i + 1)
	}
}

// Stop cancels in-flight runs and waits up to timeout for consumers to return
func (j *AuditWorkerJob) Stop(timeout time.Duration) bool {
	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("Audit Worker Job stopped")
		return true
	case <-time.After(timeout):
		j.logger.WithField("timeout", timeout).Warn("Audit Worker Job did not stop in time")
		return false
	}
}

func (j *AuditWorkerJob) consume(ctx context.Context, worker int) {
	logger := j.logger.WithFields(logrus.Fields{
		"component": "AuditWorkerJob",
		"worker":    worker,
	})

	for ctx.Err() == nil {
		msg, err := j.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Failed to dequeue audit task")
			if shared.Sleep(ctx, j.errorBackoff) != nil {
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		j.Run(ctx, msg.ListingID)
	}
}

// Run executes one audit and requeues it when the run was cancelled
func (j *AuditWorkerJob) Run(ctx context.Context, listingID int64) {
	startTime := time.Now()
	logger := j.logger.WithFields(logrus.Fields{
		"component":  "AuditWorkerJob",
		"listing_id": listingID,
	})

	result, err := j.Runner.RunAudit(ctx, listingID)
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{
			"result":   result,
			"duration": time.Since(startTime),
		}).Info("Audit task completed")
	case errors.Is(err, shared.ErrRunCancelled):
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := j.Queue.Enqueue(requeueCtx, listingID); err != nil {
			logger.WithError(err).Error("Failed to requeue cancelled audit; the stale run sweep will pick it up")
			return
		}
		logger.Warn("Audit task cancelled and requeued")
	case errors.Is(err, shared.ErrListingNotFound):
		logger.WithError(err).Warn("Dropping audit task for unknown listing")
	default:
		logger.WithError(err).WithField("result", result).Error("Audit task failed")
	}
}

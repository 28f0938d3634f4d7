package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

// StaleRunSweepJob re-enqueues listings stuck in PENDING or PROCESSING
type StaleRunSweepJob struct {
	Store      services.AuditStore
	Queue      services.TaskQueue
	StaleAfter time.Duration
	BatchSize  int
}

func NewStaleRunSweepJob(store services.AuditStore, queue services.TaskQueue, cfg shared.QueueConfig) *StaleRunSweepJob {
	return &StaleRunSweepJob{
		Store:      store,
		Queue:      queue,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  100,
	}
}

// Run performs one sweep and returns how many listings were re-enqueued
func (j *StaleRunSweepJob) Run(ctx context.Context) int {
	logrus.Info("Starting Stale Run Sweep Job")
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ids, err := j.Store.ListStale(ctx, j.StaleAfter, j.BatchSize)
	if err != nil {
		logrus.WithError(err).Error("Stale Run Sweep Job failed to list stale runs")
		return 0
	}

	requeued := 0
	for _, id := range ids {
		if err := j.Store.SetAuditStatus(ctx, id, models.AuditStatusPending, nil); err != nil {
			logrus.WithError(err).WithField("listing_id", id).Warn("Failed to reset stale run")
			continue
		}
		if err := j.Queue.Enqueue(ctx, id); err != nil {
			logrus.WithError(err).WithField("listing_id", id).Warn("Failed to requeue stale run")
			continue
		}
		requeued++
	}

	logrus.WithFields(logrus.Fields{
		"stale":    len(ids),
		"requeued": requeued,
	}).Info("Stale Run Sweep Job completed")
	return requeued
}

// Start runs the sweep on a ticker until ctx ends
func (j *StaleRunSweepJob) Start(ctx context.Context, interval time.Duration) {
	logrus.WithField("interval", interval).Info("Starting periodic stale run sweeps")
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Run(ctx)
			}
		}
	}()
}

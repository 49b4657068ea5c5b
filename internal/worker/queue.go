package worker

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/sqs"
)

// JobSource receives queued dispatch jobs. Satisfied by sqs.Consumer.
type JobSource interface {
	ReceiveJob(ctx context.Context) (*sqs.DispatchJob, string, error)
	DeleteJob(ctx context.Context, receiptHandle string) error
	DeadLetter(ctx context.Context, job *sqs.DispatchJob) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// sendVisibilitySeconds is how long a job stays invisible while its
// campaign is dispatching. Large fan-outs can exceed the queue's
// default receive timeout.
const sendVisibilitySeconds = 600

// QueueWorker drains async dispatch jobs and runs them through the
// dispatch engine. Jobs that fail for reasons a retry cannot fix
// (bad campaign ID, campaign no longer sendable) are dead-lettered and
// deleted; transient failures are left on the queue for redelivery.
type QueueWorker struct {
	jobs   JobSource
	engine Dispatcher
	logger *zap.Logger
}

func NewQueueWorker(jobs JobSource, engine Dispatcher, logger *zap.Logger) *QueueWorker {
	return &QueueWorker{
		jobs:   jobs,
		engine: engine,
		logger: logger,
	}
}

func (w *QueueWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return
		default:
		}
		w.processOne(ctx)
	}
}

func (w *QueueWorker) processOne(ctx context.Context) {
	job, receipt, err := w.jobs.ReceiveJob(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("failed to receive dispatch job", zap.Error(err))
		return
	}
	if job == nil {
		return
	}

	campaignID, err := uuid.Parse(job.CampaignID)
	if err != nil {
		w.logger.Error("dispatch job has invalid campaign id",
			zap.String("campaign_id", job.CampaignID),
		)
		w.deadLetterJob(ctx, job, receipt)
		return
	}

	if err := w.jobs.ChangeVisibility(ctx, receipt, sendVisibilitySeconds); err != nil {
		// Worst case the job becomes visible again mid-send and the
		// status transition rejects the duplicate.
		w.logger.Warn("failed to extend job visibility", zap.Error(err))
	}

	result, err := w.engine.Send(ctx, campaignID)
	if err != nil {
		switch {
		case domain.IsStateConflict(err), domain.IsNotFound(err), domain.IsValidation(err):
			// Redelivery cannot change the outcome.
			w.logger.Warn("dispatch job dropped",
				zap.String("campaign_id", job.CampaignID),
				zap.Error(err),
			)
			w.deadLetterJob(ctx, job, receipt)
		default:
			w.logger.Error("dispatch job failed, leaving for redelivery",
				zap.String("campaign_id", job.CampaignID),
				zap.Error(err),
			)
		}
		return
	}

	w.logger.Info("dispatch job completed",
		zap.String("campaign_id", job.CampaignID),
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
	)
	w.deleteJob(ctx, receipt)
}

func (w *QueueWorker) deleteJob(ctx context.Context, receipt string) {
	if err := w.jobs.DeleteJob(ctx, receipt); err != nil {
		w.logger.Error("failed to delete dispatch job", zap.Error(err))
	}
}

// deadLetterJob parks an unprocessable job on the DLQ before removing
// it from the main queue.
func (w *QueueWorker) deadLetterJob(ctx context.Context, job *sqs.DispatchJob, receipt string) {
	if err := w.jobs.DeadLetter(ctx, job); err != nil {
		w.logger.Error("failed to dead-letter dispatch job",
			zap.String("campaign_id", job.CampaignID),
			zap.Error(err),
		)
	}
	w.deleteJob(ctx, receipt)
}

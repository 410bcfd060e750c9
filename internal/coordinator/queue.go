// Package coordinator implements the Job Queue / Coordinator (C3) of
// SPEC_FULL.md §4.3: the HTTP-pull lease protocol Workers use to claim,
// heartbeat and settle jobs, backed by the Metadata Store (C2).
package coordinator

import (
	"context"
	"time"

	"github.com/audiolease/transcribe/internal/config"
	"github.com/audiolease/transcribe/internal/database"
	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// eventPublisher is the subset of kafka.Producer the Queue needs — a
// best-effort side channel to the Notifier, never load-bearing for the
// lease state machine itself (SPEC_FULL.md §2A).
type eventPublisher interface {
	PublishJobEvent(ctx context.Context, event models.JobEvent) error
}

var _ jobQueue = (*Queue)(nil)

// Queue wraps JobRepository with the lease-duration/retry-cap policy and
// the (optional) job-event side channel.
type Queue struct {
	jobs       *database.JobRepository
	segments   *database.SegmentRepository
	publisher  eventPublisher // nil disables event publishing entirely
	leaseDur   time.Duration
	maxRetries int
}

// NewQueue creates a Queue. publisher may be nil — a job event that fails to
// publish is logged by the caller and never blocks the RPC that produced it.
func NewQueue(jobs *database.JobRepository, segments *database.SegmentRepository, publisher eventPublisher, cfg *config.Config) *Queue {
	return &Queue{
		jobs:       jobs,
		segments:   segments,
		publisher:  publisher,
		leaseDur:   time.Duration(cfg.LeaseDurationSeconds) * time.Second,
		maxRetries: cfg.MaxRetries,
	}
}

// Submit creates a new job at stage pending.
func (q *Queue) Submit(ctx context.Context, name, audioKey string, webhookURL *string) (uuid.UUID, error) {
	id := uuid.New()
	if err := q.jobs.InsertPending(ctx, id, name, audioKey, webhookURL); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ClaimNext atomically claims the oldest claimable job for workerID, or
// returns (nil, nil) if none is available (QueueBusy — not an error).
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	return q.jobs.ClaimOne(ctx, workerID, time.Now(), q.leaseDur)
}

// Heartbeat extends workerID's lease on jobID. The bool return is false if
// the lease was lost; callers must translate that into a 409/LeaseLost.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) (time.Time, bool, error) {
	return q.jobs.Heartbeat(ctx, jobID, workerID, time.Now(), q.leaseDur)
}

// Complete commits a successful job outcome, replaces the segment mirror,
// and (best-effort) publishes a completion event.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string, segments []models.Segment) (bool, error) {
	ok, err := q.jobs.CommitComplete(ctx, jobID, workerID, textKey, segmentsKey, summary)
	if err != nil || !ok {
		return ok, err
	}

	if err := q.segments.ReplaceForJob(ctx, jobID, segments); err != nil {
		return true, errs.New(errs.Merge, "persist segment mirror after commit", err)
	}

	q.publishEvent(ctx, jobID, models.StageCompleted)
	return true, nil
}

// Fail commits a worker-reported failure and (best-effort) publishes an
// event if the job reached a terminal failed stage.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, workerID, reason string, retryable bool) (bool, error) {
	ok, err := q.jobs.CommitFail(ctx, jobID, workerID, reason, retryable, q.maxRetries)
	if err != nil || !ok {
		return ok, err
	}

	job, err := q.jobs.GetByID(ctx, jobID)
	if err == nil && job.Stage == models.StageFailed {
		q.publishEvent(ctx, jobID, models.StageFailed)
	}
	return true, nil
}

// Status returns the current job record for GET /jobs/{id}.
func (q *Queue) Status(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return q.jobs.GetByID(ctx, jobID)
}

func (q *Queue) publishEvent(ctx context.Context, jobID uuid.UUID, stage models.Stage) {
	if q.publisher == nil {
		return
	}
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return
	}
	event := models.JobEvent{
		JobID:      jobID,
		Stage:      stage,
		WebhookURL: job.WebhookURL,
		OccurredAt: time.Now(),
	}
	if err := q.publisher.PublishJobEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to publish job event")
	}
}

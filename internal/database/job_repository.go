package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

// JobRepository implements the Metadata Store transactional primitives of
// SPEC_FULL.md §4.2. These are not a public API — only the Coordinator's
// Queue (internal/coordinator) calls them.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// InsertPending creates a job at stage pending, retry 0.
func (r *JobRepository) InsertPending(ctx context.Context, id uuid.UUID, name, audioKey string, webhookURL *string) error {
	query := `
		INSERT INTO jobs (id, name, audio_key, stage, retry_count, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query, id, name, audioKey, models.StagePending, webhookURL)
	if err != nil {
		return errs.New(errs.IO, "insert pending job", err)
	}
	return nil
}

// ClaimOne atomically picks one claimable job — stage pending or
// failed_retryable, or stage running with an expired lease — tie-broken by
// oldest created_at, and marks it running/leased to worker_id. SKIP LOCKED
// is what makes this linearizable against concurrent callers without
// blocking them (SPEC_FULL.md §4.2/§5).
func (r *JobRepository) ClaimOne(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.New(errs.IO, "begin claim tx", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE stage IN ('pending', 'failed_retryable')
		   OR (stage = 'running' AND lease_expiry < $1)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.IO, "select claimable job", err)
	}

	expiry := now.Add(leaseDuration)
	row := tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET stage = 'running', lease_holder = $1, lease_expiry = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING id, name, audio_key, text_key, segments_key, summary, stage,
			lease_holder, lease_expiry, retry_count, webhook_url, failure_reason,
			created_at, updated_at, completed_at
	`, workerID, expiry, id)

	job, err := scanJob(row)
	if err != nil {
		return nil, errs.New(errs.IO, "claim job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.New(errs.IO, "commit claim tx", err)
	}
	return job, nil
}

// Heartbeat extends the lease only if worker_id still holds it and it has
// not already expired. Returns false (no error) if the lease was lost — the
// caller must treat that as LeaseLost, not as an IO failure.
func (r *JobRepository) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, now time.Time, leaseDuration time.Duration) (time.Time, bool, error) {
	expiry := now.Add(leaseDuration)
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expiry = $1, updated_at = NOW()
		WHERE id = $2 AND stage = 'running' AND lease_holder = $3 AND lease_expiry >= $4
	`, expiry, jobID, workerID, now)
	if err != nil {
		return time.Time{}, false, errs.New(errs.IO, "heartbeat update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, errs.New(errs.IO, "heartbeat rows affected", err)
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return expiry, true, nil
}

// CommitComplete atomically sets stage=completed, clears the lease, and
// writes artifact keys, only if the lease is still held by workerID and has
// not expired. Returns false if the lease was lost (caller returns 409).
func (r *JobRepository) CommitComplete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage = 'completed',
		    lease_holder = NULL,
		    lease_expiry = NULL,
		    text_key = $1,
		    segments_key = $2,
		    summary = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4 AND stage = 'running' AND lease_holder = $5 AND lease_expiry >= NOW()
	`, textKey, segmentsKey, summary, jobID, workerID)
	if err != nil {
		return false, errs.New(errs.IO, "commit complete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.New(errs.IO, "commit complete rows affected", err)
	}
	return n == 1, nil
}

// CommitFail commits a worker-reported failure. If retryable and the job's
// retry count is below maxRetries, the job returns to failed_retryable and
// retry_count increments; otherwise it moves to the terminal failed stage.
// Returns false if the lease was lost (another holder, or already expired).
func (r *JobRepository) CommitFail(ctx context.Context, jobID uuid.UUID, workerID, reason string, retryable bool, maxRetries int) (bool, error) {
	nextStage := models.StageFailed
	var retryIncr int
	if retryable {
		nextStage = models.StageFailedRetryable
		retryIncr = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage = CASE WHEN $1::text = 'failed_retryable' AND retry_count + 1 > $2 THEN 'failed' ELSE $1::text END,
		    retry_count = CASE WHEN $1::text = 'failed_retryable' AND retry_count + 1 <= $2 THEN retry_count + $3 ELSE retry_count END,
		    lease_holder = NULL,
		    lease_expiry = NULL,
		    failure_reason = $4,
		    updated_at = NOW()
		WHERE id = $5 AND stage = 'running' AND lease_holder = $6 AND lease_expiry >= NOW()
	`, nextStage, maxRetries, retryIncr, reason, jobID, workerID)
	if err != nil {
		return false, errs.New(errs.IO, "commit fail", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.New(errs.IO, "commit fail rows affected", err)
	}
	return n == 1, nil
}

// ReapExpired returns every job whose lease has expired from running back to
// failed_retryable (or terminal failed, if it has exhausted max_retries),
// incrementing retry_count exactly like CommitFail's retryable path. This is
// the Coordinator's crash-recovery mechanism (SPEC_FULL.md §4.3).
func (r *JobRepository) ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage = CASE WHEN retry_count + 1 > $1 THEN 'failed' ELSE 'failed_retryable' END,
		    retry_count = LEAST(retry_count + 1, $1),
		    lease_holder = NULL,
		    lease_expiry = NULL,
		    failure_reason = COALESCE(failure_reason, 'lease expired: worker presumed dead'),
		    updated_at = NOW()
		WHERE stage = 'running' AND lease_expiry < $2
	`, maxRetries, now)
	if err != nil {
		return 0, errs.New(errs.IO, "reap expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.IO, "reap expired rows affected", err)
	}
	return int(n), nil
}

// GetByID retrieves a job by id.
func (r *JobRepository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, audio_key, text_key, segments_key, summary, stage,
			lease_holder, lease_expiry, retry_count, webhook_url, failure_reason,
			created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("job %s not found", jobID), err)
	}
	if err != nil {
		return nil, errs.New(errs.IO, "get job", err)
	}
	return job, nil
}

// TerminalJobsWithArtifactKeys lists the artifact keys recorded for every job
// in a terminal stage, used by the sweeper (SPEC_FULL.md §4.3 orphan-blob
// reclamation) to tell live artifacts apart from dangling ones.
func (r *JobRepository) TerminalJobsWithArtifactKeys(ctx context.Context) (map[uuid.UUID][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, text_key, segments_key FROM jobs
		WHERE stage IN ('completed', 'failed')
	`)
	if err != nil {
		return nil, errs.New(errs.IO, "list terminal jobs", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]string)
	for rows.Next() {
		var id uuid.UUID
		var textKey, segmentsKey sql.NullString
		if err := rows.Scan(&id, &textKey, &segmentsKey); err != nil {
			return nil, errs.New(errs.IO, "scan terminal job", err)
		}
		var keys []string
		if textKey.Valid {
			keys = append(keys, textKey.String)
		}
		if segmentsKey.Valid {
			keys = append(keys, segmentsKey.String)
		}
		out[id] = keys
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var textKey, segmentsKey, summary, leaseHolder, webhookURL, failureReason sql.NullString
	var leaseExpiry, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Name, &job.AudioKey, &textKey, &segmentsKey, &summary, &job.Stage,
		&leaseHolder, &leaseExpiry, &job.RetryCount, &webhookURL, &failureReason,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if textKey.Valid {
		job.TextKey = &textKey.String
	}
	if segmentsKey.Valid {
		job.SegmentsKey = &segmentsKey.String
	}
	if summary.Valid {
		job.Summary = &summary.String
	}
	if leaseHolder.Valid {
		job.LeaseHolder = &leaseHolder.String
	}
	if leaseExpiry.Valid {
		job.LeaseExpiry = &leaseExpiry.Time
	}
	if webhookURL.Valid {
		job.WebhookURL = &webhookURL.String
	}
	if failureReason.Valid {
		job.FailureReason = &failureReason.String
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

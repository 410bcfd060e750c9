package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

// WebhookDeliveryRepository handles webhook delivery operations
type WebhookDeliveryRepository struct {
	db *DB
}

// NewWebhookDeliveryRepository creates a new WebhookDeliveryRepository
func NewWebhookDeliveryRepository(db *DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

// Create creates a new webhook delivery record
func (r *WebhookDeliveryRepository) Create(ctx context.Context, delivery *models.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			id, job_id, url, status, attempts, last_attempt_at, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		delivery.ID, delivery.JobID, delivery.URL, delivery.Status,
		delivery.Attempts, delivery.LastAttemptAt, delivery.LastError,
		delivery.CreatedAt,
	)

	return err
}

// Update updates a webhook delivery record
func (r *WebhookDeliveryRepository) Update(ctx context.Context, delivery *models.WebhookDelivery) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_attempt_at = $3, last_error = $4
		WHERE id = $5
	`

	_, err := r.db.ExecContext(ctx, query,
		delivery.Status, delivery.Attempts, delivery.LastAttemptAt,
		delivery.LastError, delivery.ID,
	)

	return err
}

// GetByJobID retrieves webhook deliveries for a job
func (r *WebhookDeliveryRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) ([]*models.WebhookDelivery, error) {
	query := `
		SELECT id, job_id, url, status, attempts, last_attempt_at, last_error, created_at
		FROM webhook_deliveries
		WHERE job_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery := &models.WebhookDelivery{}
		err := rows.Scan(
			&delivery.ID, &delivery.JobID, &delivery.URL, &delivery.Status,
			&delivery.Attempts, &delivery.LastAttemptAt, &delivery.LastError,
			&delivery.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, rows.Err()
}

// GetByID retrieves a webhook delivery by ID
func (r *WebhookDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error) {
	query := `
		SELECT id, job_id, url, status, attempts, last_attempt_at, last_error, created_at
		FROM webhook_deliveries
		WHERE id = $1
	`

	delivery := &models.WebhookDelivery{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&delivery.ID, &delivery.JobID, &delivery.URL, &delivery.Status,
		&delivery.Attempts, &delivery.LastAttemptAt, &delivery.LastError,
		&delivery.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook delivery not found")
	}

	return delivery, err
}

// GetDueForRetry returns pending deliveries that have not yet exhausted
// maxRetries and whose exponential backoff window (base doubling each
// attempt, capped at maxDelay) has elapsed, oldest first. Folding the
// backoff arithmetic into the query means the RetryWorker no longer walks
// every pending row in Go just to discard the ones still cooling down.
func (r *WebhookDeliveryRepository) GetDueForRetry(ctx context.Context, maxRetries int, baseDelay, maxDelay time.Duration, limit int) ([]*models.WebhookDelivery, error) {
	query := `
		SELECT id, job_id, url, status, attempts, last_attempt_at, last_error, created_at
		FROM webhook_deliveries
		WHERE status = 'pending'
		  AND attempts < $1
		  AND (
		    last_attempt_at IS NULL
		    OR last_attempt_at <= NOW() - (LEAST($2 * POWER(2, GREATEST(attempts - 1, 0)), $3) * INTERVAL '1 second')
		  )
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, maxRetries, baseDelay.Seconds(), maxDelay.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery := &models.WebhookDelivery{}
		err := rows.Scan(
			&delivery.ID, &delivery.JobID, &delivery.URL, &delivery.Status,
			&delivery.Attempts, &delivery.LastAttemptAt, &delivery.LastError,
			&delivery.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, rows.Err()
}

// ExpirePastMaxRetries marks every still-pending delivery that has reached
// maxRetries as failed in a single statement, returning how many rows were
// flipped. Called by the RetryWorker ahead of GetDueForRetry so exhausted
// deliveries stop showing up in either query.
func (r *WebhookDeliveryRepository) ExpirePastMaxRetries(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed'
		WHERE status = 'pending' AND attempts >= $1
	`, maxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Package webhook delivers signed job-lifecycle notifications to
// Submitter-provided URLs on behalf of the Notifier (SPEC_FULL.md §2A). A
// delivery failure is logged and recorded; it never reaches back into the
// Job's stage.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/audiolease/transcribe/internal/config"
	"github.com/audiolease/transcribe/internal/database"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeliveryService sends one webhook per terminal job-stage transition, with
// an immediate attempt followed by backed-off background retries.
type DeliveryService struct {
	httpClient   *http.Client
	config       *config.Config
	jobRepo      *database.JobRepository
	deliveryRepo *database.WebhookDeliveryRepository
	retryWorker  *RetryWorker
}

// NewDeliveryService creates a new webhook delivery service.
func NewDeliveryService(db *database.DB, cfg *config.Config) *DeliveryService {
	service := &DeliveryService{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config:       cfg,
		jobRepo:      database.NewJobRepository(db),
		deliveryRepo: database.NewWebhookDeliveryRepository(db),
	}

	service.retryWorker = NewRetryWorker(service, cfg)

	return service
}

// Start starts the background retry worker.
func (s *DeliveryService) Start(ctx context.Context) {
	s.retryWorker.Start(ctx)
}

// Stop stops the background retry worker.
func (s *DeliveryService) Stop() {
	s.retryWorker.Stop()
}

// Payload is the webhook body delivered to the Submitter.
type Payload struct {
	JobID       uuid.UUID  `json:"job_id"`
	Stage       string     `json:"stage"`
	TextKey     *string    `json:"text_key,omitempty"`
	SegmentsKey *string    `json:"segments_key,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// ErrorInfo describes a terminal failure in the webhook body.
type ErrorInfo struct {
	Message string `json:"message"`
}

// DeliveryError wraps a non-2xx webhook response.
type DeliveryError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsRetryable reports whether the response warrants a retry.
func (e *DeliveryError) IsRetryable() bool {
	if e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	if e.StatusCode == 429 {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// HandleMessage implements kafka.MessageHandler: it is invoked once per
// consumed JobEvent and triggers one immediate delivery attempt.
func (s *DeliveryService) HandleMessage(ctx context.Context, event *models.JobEvent) error {
	return s.DeliverWebhook(ctx, event)
}

// DeliverWebhook makes one immediate attempt at delivering event, recording
// the outcome; remaining attempts (if any) are picked up by the RetryWorker.
// Never returns an error to the caller on a delivery failure — only on
// failure to even look up the job.
func (s *DeliveryService) DeliverWebhook(ctx context.Context, event *models.JobEvent) error {
	if event.WebhookURL == nil || *event.WebhookURL == "" {
		log.Debug().Str("job_id", event.JobID.String()).Msg("no webhook configured for job")
		return nil
	}

	job, err := s.jobRepo.GetByID(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("get job for webhook delivery: %w", err)
	}

	payload := buildPayload(job, event)

	delivery := &models.WebhookDelivery{
		ID:        uuid.New(),
		JobID:     job.ID,
		URL:       *event.WebhookURL,
		Status:    "pending",
		Attempts:  1,
		CreatedAt: time.Now(),
	}
	now := time.Now()
	delivery.LastAttemptAt = &now

	if err := s.deliveryRepo.Create(ctx, delivery); err != nil {
		log.Error().Err(err).Msg("failed to create webhook delivery record")
	}

	err = s.sendWebhook(ctx, delivery.URL, payload)
	if err == nil {
		delivery.Status = "sent"
		if err := s.deliveryRepo.Update(ctx, delivery); err != nil {
			log.Error().Err(err).Msg("failed to update delivery record")
		}
		log.Info().Str("job_id", job.ID.String()).Str("url", delivery.URL).
			Msg("webhook delivered on first attempt")
		return nil
	}

	errMsg := err.Error()
	delivery.LastError = &errMsg

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && !deliveryErr.IsRetryable() {
		delivery.Status = "failed"
		if err := s.deliveryRepo.Update(ctx, delivery); err != nil {
			log.Error().Err(err).Msg("failed to update delivery record")
		}
		log.Error().Err(err).Str("job_id", job.ID.String()).Str("url", delivery.URL).
			Int("status_code", deliveryErr.StatusCode).
			Msg("webhook delivery failed permanently, not retrying")
		return nil
	}

	delivery.Status = "pending"
	if err := s.deliveryRepo.Update(ctx, delivery); err != nil {
		log.Error().Err(err).Msg("failed to update delivery record")
	}
	log.Warn().Err(err).Str("job_id", job.ID.String()).Str("url", delivery.URL).
		Msg("webhook delivery failed on first attempt, scheduled for retry")
	return nil
}

func buildPayload(job *models.Job, event *models.JobEvent) Payload {
	payload := Payload{
		JobID:       job.ID,
		Stage:       string(event.Stage),
		TextKey:     job.TextKey,
		SegmentsKey: job.SegmentsKey,
		Summary:     job.Summary,
		OccurredAt:  event.OccurredAt,
	}
	if job.FailureReason != nil {
		payload.Error = &ErrorInfo{Message: *job.FailureReason}
	}
	return payload
}

// RetryWorker periodically retries pending webhook deliveries with
// exponential backoff.
type RetryWorker struct {
	service  *DeliveryService
	config   *config.Config
	stopChan chan struct{}
	ticker   *time.Ticker
}

// NewRetryWorker creates a new retry worker.
func NewRetryWorker(service *DeliveryService, cfg *config.Config) *RetryWorker {
	return &RetryWorker{
		service:  service,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Start starts the retry worker's polling loop.
func (w *RetryWorker) Start(ctx context.Context) {
	w.ticker = time.NewTicker(10 * time.Second)

	go func() {
		log.Info().Msg("webhook retry worker started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("webhook retry worker context cancelled, stopping")
				return
			case <-w.stopChan:
				log.Info().Msg("webhook retry worker stopped")
				return
			case <-w.ticker.C:
				w.processPendingDeliveries(ctx)
			}
		}
	}()
}

// Stop stops the retry worker.
func (w *RetryWorker) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stopChan)
}

func (w *RetryWorker) processPendingDeliveries(ctx context.Context) {
	expired, err := w.service.deliveryRepo.ExpirePastMaxRetries(ctx, w.config.WebhookMaxRetries)
	if err != nil {
		log.Error().Err(err).Msg("failed to expire deliveries past max retries")
	} else if expired > 0 {
		log.Error().Int64("count", expired).Msg("webhook deliveries failed permanently after max retries")
	}

	baseDelay := time.Duration(w.config.WebhookRetryBaseDelaySeconds) * time.Second
	maxDelay := time.Duration(w.config.WebhookRetryMaxDelaySeconds) * time.Second

	deliveries, err := w.service.deliveryRepo.GetDueForRetry(ctx, w.config.WebhookMaxRetries, baseDelay, maxDelay, 100)
	if err != nil {
		log.Error().Err(err).Msg("failed to get deliveries due for retry")
		return
	}
	if len(deliveries) == 0 {
		return
	}

	log.Info().Int("count", len(deliveries)).Msg("processing webhook deliveries due for retry")

	for _, delivery := range deliveries {
		job, err := w.service.jobRepo.GetByID(ctx, delivery.JobID)
		if err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID.String()).
				Str("job_id", delivery.JobID.String()).
				Msg("failed to get job for delivery retry")
			continue
		}

		payload := Payload{
			JobID:       job.ID,
			Stage:       string(job.Stage),
			TextKey:     job.TextKey,
			SegmentsKey: job.SegmentsKey,
			Summary:     job.Summary,
			OccurredAt:  time.Now(),
		}
		if job.FailureReason != nil {
			payload.Error = &ErrorInfo{Message: *job.FailureReason}
		}

		w.retryDelivery(ctx, job, delivery, payload)
	}
}

func (w *RetryWorker) retryDelivery(ctx context.Context, job *models.Job, delivery *models.WebhookDelivery, payload Payload) {
	delivery.Attempts++
	now := time.Now()
	delivery.LastAttemptAt = &now

	err := w.service.sendWebhook(ctx, delivery.URL, payload)
	if err == nil {
		delivery.Status = "sent"
		if err := w.service.deliveryRepo.Update(ctx, delivery); err != nil {
			log.Error().Err(err).Msg("failed to update delivery record")
		}
		log.Info().Str("job_id", job.ID.String()).Str("url", delivery.URL).
			Int("attempts", delivery.Attempts).
			Msg("webhook delivered after retry")
		return
	}

	errMsg := err.Error()
	delivery.LastError = &errMsg

	log.Warn().Err(err).Str("job_id", job.ID.String()).Str("url", delivery.URL).
		Int("attempt", delivery.Attempts).Int("max_retries", w.config.WebhookMaxRetries).
		Msg("webhook retry failed")

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && !deliveryErr.IsRetryable() {
		delivery.Status = "failed"
		log.Error().Err(err).Str("job_id", job.ID.String()).Str("url", delivery.URL).
			Int("status_code", deliveryErr.StatusCode).
			Msg("webhook delivery failed with permanent error, not retrying")
	}

	if err := w.service.deliveryRepo.Update(ctx, delivery); err != nil {
		log.Error().Err(err).Msg("failed to update delivery record")
	}
}

func (s *DeliveryService) sendWebhook(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "transcribe-notifier/1.0")
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if s.config.WebhookHMACSecret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(body, s.config.WebhookHMACSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("webhook returned status %d", resp.StatusCode),
			Body:       string(respBody),
		}
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

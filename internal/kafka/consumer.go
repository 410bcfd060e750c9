package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/audiolease/transcribe/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Consumer wraps a Kafka consumer reading job-lifecycle events for the
// Notifier (SPEC_FULL.md §2A).
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
}

// MessageHandler reacts to one job-lifecycle event. The Notifier's
// implementation turns this into a signed webhook delivery attempt.
type MessageHandler interface {
	HandleMessage(ctx context.Context, event *models.JobEvent) error
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(brokers []string, topic, groupID string, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // disable auto-commit, using manual commits
		// Start from earliest message when no committed offset exists (first
		// deployment), so events published before the Notifier's first
		// startup are not lost.
		StartOffset: kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka consumer initialized")

	return &Consumer{
		reader:  reader,
		handler: handler,
	}
}

// Start consumes messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka consumer")

	const (
		maxRetries     = 10
		baseDelay      = 1 * time.Second
		maxDelay       = 5 * time.Minute
		maxRetriesSkip = 50 // after this many retries, skip the message rather than block the queue
	)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Consumer context cancelled, stopping")
			return ctx.Err()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Err(err).Msg("Failed to fetch message")
				continue
			}

			var lastErr error
			for attempt := 0; attempt < maxRetriesSkip; attempt++ {
				if err := c.processMessage(ctx, msg); err != nil {
					lastErr = err

					log.Error().
						Err(err).
						Str("topic", msg.Topic).
						Int("partition", msg.Partition).
						Int64("offset", msg.Offset).
						Int("attempt", attempt+1).
						Int("max_retries", maxRetriesSkip).
						Msg("Failed to process job event - will retry")

					delay := baseDelay * time.Duration(1<<uint(min(attempt, maxRetries)))
					if delay > maxDelay {
						delay = maxDelay
					}

					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
						continue
					}
				} else {
					lastErr = nil
					if err := c.reader.CommitMessages(ctx, msg); err != nil {
						log.Error().Err(err).Msg("Failed to commit message")
					}
					break
				}
			}

			if lastErr != nil {
				log.Error().
					Err(lastErr).
					Str("topic", msg.Topic).
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("job event processing failed after all retries, skipping")

				if err := c.reader.CommitMessages(ctx, msg); err != nil {
					log.Error().Err(err).Msg("Failed to commit skipped message")
				}
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	log.Debug().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Processing job event")

	var event models.JobEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("unmarshal job event: %w", err)
	}

	if err := c.handler.HandleMessage(ctx, &event); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}

	log.Info().
		Str("job_id", event.JobID.String()).
		Str("stage", string(event.Stage)).
		Msg("Job event processed successfully")

	return nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}

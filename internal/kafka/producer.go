// Package kafka carries job-lifecycle events from the Coordinator to the
// Notifier (SPEC_FULL.md §2A). It is deliberately not on the hot path of the
// core lease protocol (§4.3), which stays HTTP-pull based.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/audiolease/transcribe/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Producer wraps a Kafka producer for job-lifecycle events.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka producer initialized")

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishJobEvent publishes a terminal job-stage transition for the Notifier
// to act on. Best-effort from the Coordinator's point of view: a publish
// failure is logged by the caller and never blocks or fails the commit RPC
// that triggered it (SPEC_FULL.md §2A).
func (p *Producer) PublishJobEvent(ctx context.Context, event models.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.JobID.String()),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write job event to kafka: %w", err)
	}

	log.Info().
		Str("job_id", event.JobID.String()).
		Str("stage", string(event.Stage)).
		Str("topic", p.topic).
		Msg("Job event published")

	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	log.Info().Msg("Closing Kafka producer")
	return p.writer.Close()
}

// Command notifier consumes job-lifecycle events published by the
// Coordinator and delivers signed webhooks to Submitters (SPEC_FULL.md §2A).
// It never touches job stage; a delivery failure only ever affects the
// webhook_deliveries row, with backed-off retries handled in-process.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/audiolease/transcribe/internal/config"
	"github.com/audiolease/transcribe/internal/database"
	"github.com/audiolease/transcribe/internal/kafka"
	"github.com/audiolease/transcribe/internal/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("starting notifier")

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	deliveryService := webhook.NewDeliveryService(db, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveryService.Start(ctx)
	defer deliveryService.Stop()

	consumer := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaTopicJobEvents,
		cfg.KafkaConsumerGroup,
		deliveryService,
	)
	defer consumer.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("kafka consumer error")
		}
	}()

	log.Info().Msg("notifier started, waiting for job events...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down notifier...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("consumer shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("consumer shutdown timeout")
	}

	log.Info().Msg("notifier exited")
}

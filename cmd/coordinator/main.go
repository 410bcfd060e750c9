// Command coordinator runs the Job Queue / Coordinator process (C3): the
// HTTP API Submitters and Workers both talk to, backed by the Metadata
// Store (C2) and a Blob Store (C1) backend.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/audiolease/transcribe/internal/blobstore"
	"github.com/audiolease/transcribe/internal/config"
	"github.com/audiolease/transcribe/internal/coordinator"
	"github.com/audiolease/transcribe/internal/database"
	"github.com/audiolease/transcribe/internal/kafka"
	"github.com/audiolease/transcribe/migrations"
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

	log.Info().Msg("starting coordinator")

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	if err := migrations.Run(db.DB); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	store, err := newBlobStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize blob store")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicJobEvents)
	defer producer.Close()

	jobs := database.NewJobRepository(db)
	segments := database.NewSegmentRepository(db)
	queue := coordinator.NewQueue(jobs, segments, producer, cfg)

	workerAuth := coordinator.NewWorkerAuth(cfg.WorkerSharedSecretHash)
	server := coordinator.NewServer(queue, store, maxUploadMB, workerAuth)

	router := mux.NewRouter()
	server.Routes(router)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordinator.Run(ctx, jobs, store,
		time.Duration(cfg.ReaperIntervalSeconds)*time.Second, cfg.MaxRetries)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("coordinator server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("coordinator forced to shutdown")
	}

	log.Info().Msg("coordinator exited")
}

// maxUploadMB bounds the body size the blob-PUT handler accepts per
// request; SPEC_FULL.md does not expose this as env config since it is a
// defensive server-side limit, not a tuning knob.
const maxUploadMB = 512

func newBlobStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobStoreBackend == "s3" {
		return blobstore.NewS3Store(context.Background(), cfg.S3Endpoint, cfg.S3Region,
			cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
	}
	return blobstore.NewLocalStore(cfg.BlobStoreDir)
}

// Command worker runs a Worker process (C4–C7): it polls the Coordinator
// for jobs, decodes audio in parallel chunks against the speech decoder,
// merges the results, and uploads the committed transcript.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/audiolease/transcribe/internal/blobstore"
	"github.com/audiolease/transcribe/internal/config"
	"github.com/audiolease/transcribe/internal/decoder"
	"github.com/audiolease/transcribe/internal/merger"
	"github.com/audiolease/transcribe/internal/segmenter"
	"github.com/audiolease/transcribe/internal/uploader"
	"github.com/audiolease/transcribe/internal/worker"
	"github.com/audiolease/transcribe/internal/workerclient"
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

	log.Info().Str("worker_id", cfg.WorkerID).Msg("starting worker")

	requestTimeout := time.Duration(cfg.HTTPRequestTimeoutSeconds) * time.Second
	client := workerclient.New(cfg.CoordinatorURL, cfg.WorkerID, cfg.WorkerSharedSecret, requestTimeout)

	tmpDir := os.TempDir()

	prober, err := segmenter.NewProber("ffprobe")
	if err != nil {
		log.Fatal().Err(err).Msg("initialize ffprobe")
	}
	vad, err := segmenter.NewVADScanner("ffmpeg")
	if err != nil {
		log.Fatal().Err(err).Msg("initialize VAD scanner")
	}
	extractor, err := decoder.NewExtractor("ffmpeg", tmpDir)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize chunk extractor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	geminiDecoder, err := decoder.NewGeminiDecoder(ctx, cfg.GeminiAPIKey, cfg.GeminiAPIEndpoint, cfg.GeminiModelTranscribe)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize Gemini decoder")
	}
	decoderPool := decoder.NewPool(extractor, geminiDecoder, cfg.ParallelDecoders)

	mergerCfg := merger.Config{
		OverlapSeconds:    float64(cfg.ChunkOverlapSeconds),
		MinSilenceSeconds: cfg.VADMinSilenceSeconds,
	}
	segmentMerger := merger.New(mergerCfg)

	store, err := newBlobStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize blob store")
	}

	var formatter uploader.TextFormatter
	if cfg.FormatterEndpoint != "" {
		formatter, err = uploader.NewLangChainFormatter(ctx, cfg.GeminiAPIKey, cfg.FormatterEndpoint, cfg.GeminiModelTranscribe)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize formatter collaborator")
		}
	}
	var summarizer uploader.Summarizer
	if cfg.SummarizerEndpoint != "" {
		summarizer, err = uploader.NewLangChainSummarizer(ctx, cfg.GeminiAPIKey, cfg.SummarizerEndpoint, cfg.GeminiModelTranscribe)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize summarizer collaborator")
		}
	}
	up := uploader.New(store, client, formatter, summarizer)

	segmentCfg := segmenter.Config{
		StrideSeconds:           float64(cfg.ChunkStrideSeconds),
		OverlapSeconds:          float64(cfg.ChunkOverlapSeconds),
		VADSearchWindowSeconds:  float64(cfg.VADSearchWindowSeconds),
		VADSilenceThresholdDBFS: cfg.VADSilenceThresholdDBFS,
		VADMinSilenceSeconds:    cfg.VADMinSilenceSeconds,
		MinDurationForChunking:  float64(cfg.MinDurationForChunkingSecond),
	}

	pipeline := worker.New(worker.Config{
		Client:      client,
		Prober:      prober,
		VAD:         vad,
		SegmentCfg:  segmentCfg,
		DecoderPool: decoderPool,
		Merger:      segmentMerger,
		Uploader:    up,
		WorkerID:    cfg.WorkerID,
		TmpDir:      tmpDir,
	})

	pollInterval := time.Duration(cfg.WorkerPollIntervalSeconds) * time.Second
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.PollLoop(ctx, pipeline, pollInterval, heartbeatInterval)
	}()

	log.Info().Msg("worker polling for jobs")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	select {
	case <-done:
		log.Info().Msg("worker poll loop stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("worker shutdown timeout, exiting anyway")
	}

	log.Info().Msg("worker exited")
}

func newBlobStore(cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobStoreBackend == "s3" {
		return blobstore.NewS3Store(context.Background(), cfg.S3Endpoint, cfg.S3Region,
			cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
	}
	return blobstore.NewLocalStore(cfg.BlobStoreDir)
}

// Package worker implements the Worker process's poll/heartbeat loops and
// the per-job pipeline of SPEC_FULL.md §4/§9: download audio, segment,
// decode chunks in parallel, merge, upload artifacts, and commit the job.
package worker

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/audiolease/transcribe/internal/segmenter"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// coordinatorClient is the subset of workerclient.Client the pipeline and
// poll loop need, narrowed so tests can substitute a fake without an HTTP
// round trip.
type coordinatorClient interface {
	ClaimNext(ctx context.Context) (*models.NextJobResponse, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID) (time.Time, bool, error)
	Fail(ctx context.Context, jobID uuid.UUID, reason string, retryable bool) (bool, error)
	GetBlob(ctx context.Context, key string) (io.ReadCloser, error)
}

// prober is the subset of segmenter.Prober the pipeline needs.
type prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// chunkDecoder is the subset of decoder.Pool the pipeline needs, narrowed
// so tests can substitute a fake without a real ffmpeg/Gemini round trip.
type chunkDecoder interface {
	Run(ctx context.Context, audioPath string, chunks []models.Chunk) ([]models.ChunkResult, error)
}

// segmentMerger is the subset of merger.Merger the pipeline needs.
type segmentMerger interface {
	Merge(chunks []models.Chunk, results []models.ChunkResult) ([]models.Segment, string, error)
}

// artifactUploader is the subset of uploader.Uploader the pipeline needs.
type artifactUploader interface {
	Upload(ctx context.Context, jobID uuid.UUID, workerID, text string, segments []models.Segment) error
}

// Pipeline runs one job end to end: download, segment, decode, merge,
// upload. It holds no per-job state — a single Pipeline is reused across
// the Worker's whole lifetime, one job at a time.
type Pipeline struct {
	client      coordinatorClient
	prober      prober
	vad         *segmenter.VADScanner
	segmentCfg  segmenter.Config
	decoderPool chunkDecoder
	merger      segmentMerger
	uploader    artifactUploader
	workerID    string
	tmpDir      string
}

// Config bundles the collaborators Pipeline needs. vad may be nil: VAD
// failure (and its absence here) both fall back to unsnapped chunk
// boundaries per SPEC_FULL.md §4.4.
type Config struct {
	Client      coordinatorClient
	Prober      prober
	VAD         *segmenter.VADScanner
	SegmentCfg  segmenter.Config
	DecoderPool chunkDecoder
	Merger      segmentMerger
	Uploader    artifactUploader
	WorkerID    string
	TmpDir      string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		client:      cfg.Client,
		prober:      cfg.Prober,
		vad:         cfg.VAD,
		segmentCfg:  cfg.SegmentCfg,
		decoderPool: cfg.DecoderPool,
		merger:      cfg.Merger,
		uploader:    cfg.Uploader,
		workerID:    cfg.WorkerID,
		tmpDir:      cfg.TmpDir,
	}
}

// Run executes the full pipeline for job, heartbeating on heartbeatInterval
// until either the job settles or ctx is cancelled (e.g. by a lost lease).
// On any failure it calls the fail RPC and returns the error that caused
// it; the caller is not expected to retry — the Coordinator's reaper or
// retry-cap policy decides what happens next.
func (p *Pipeline) Run(ctx context.Context, job *models.NextJobResponse, heartbeatInterval time.Duration) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeatLoop(jobCtx, job.ID, heartbeatInterval, cancel)
	}()
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	err := p.process(jobCtx, job)
	if err != nil {
		p.reportFailure(ctx, job.ID, err)
	}
	return err
}

// heartbeatLoop calls Heartbeat every interval until ctx is cancelled. If
// the Coordinator reports the lease lost, it cancels the job's context so
// the decoder pool stops dispatching new chunks (SPEC_FULL.md §4.5's
// cooperative-cancellation contract).
func (p *Pipeline) heartbeatLoop(ctx context.Context, jobID uuid.UUID, interval time.Duration, cancel context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, held, err := p.client.Heartbeat(ctx, jobID)
			if err != nil {
				log.Warn().Err(err).Str("job_id", jobID.String()).Msg("heartbeat failed, will retry next interval")
				continue
			}
			if !held {
				log.Error().Str("job_id", jobID.String()).Msg("lease lost, cancelling in-flight work")
				cancel()
				return
			}
		}
	}
}

func (p *Pipeline) process(ctx context.Context, job *models.NextJobResponse) error {
	audioPath, err := p.downloadAudio(ctx, job.AudioKey)
	if err != nil {
		return err
	}
	defer os.Remove(audioPath)

	duration, err := p.prober.Duration(ctx, audioPath)
	if err != nil {
		return err
	}

	chunks := segmenter.Plan(ctx, audioPath, duration, p.segmentCfg, p.vad)

	results, err := p.decoderPool.Run(ctx, audioPath, chunks)
	if err != nil {
		return err
	}

	segments, text, err := p.merger.Merge(chunks, results)
	if err != nil {
		return err
	}

	return p.uploader.Upload(ctx, job.ID, p.workerID, text, segments)
}

func (p *Pipeline) downloadAudio(ctx context.Context, audioKey string) (string, error) {
	src, err := p.client.GetBlob(ctx, audioKey)
	if err != nil {
		return "", err
	}
	defer src.Close()

	f, err := os.CreateTemp(p.tmpDir, "job-audio-*")
	if err != nil {
		return "", errs.New(errs.IO, "create audio temp file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		os.Remove(f.Name())
		return "", errs.New(errs.IO, "download audio blob", err)
	}
	return f.Name(), nil
}

func (p *Pipeline) reportFailure(ctx context.Context, jobID uuid.UUID, cause error) {
	retryable := errs.IsRetryable(cause)
	if _, err := p.client.Fail(ctx, jobID, cause.Error(), retryable); err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to report job failure to coordinator")
	}
}

// PollLoop polls ClaimNext on interval until ctx is cancelled, running one
// job at a time through Run. A claim error is logged and retried next
// interval rather than stopping the Worker process.
func PollLoop(ctx context.Context, p *Pipeline, pollInterval, heartbeatInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.client.ClaimNext(ctx)
			if err != nil {
				log.Error().Err(err).Msg("claim-next failed")
				continue
			}
			if job == nil {
				continue
			}

			log.Info().Str("job_id", job.ID.String()).Msg("claimed job")
			if err := p.Run(ctx, job, heartbeatInterval); err != nil {
				log.Error().Err(err).Str("job_id", job.ID.String()).Msg("job failed")
			} else {
				log.Info().Str("job_id", job.ID.String()).Msg("job completed")
			}
		}
	}
}

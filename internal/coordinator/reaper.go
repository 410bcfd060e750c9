package coordinator

import (
	"context"
	"time"

	"github.com/audiolease/transcribe/internal/blobstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// reaperJobs is the subset of JobRepository the reaper needs. Its period
// must be ≤ lease_duration/3 so a dead worker's job is re-dispatched
// promptly (SPEC_FULL.md §4.3).
type reaperJobs interface {
	ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error)
}

// sweeperJobs is the subset of JobRepository the orphan-blob sweep needs.
type sweeperJobs interface {
	TerminalJobsWithArtifactKeys(ctx context.Context) (map[uuid.UUID][]string, error)
}

// sweeperStore is the subset of blobstore.Store the sweep needs.
type sweeperStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Run runs the lease-expiry reaper and, as a lower-priority pass on the
// same cadence, the orphan-blob sweep, until ctx is cancelled.
func Run(ctx context.Context, jobs interface {
	reaperJobs
	sweeperJobs
}, store sweeperStore, period time.Duration, maxRetries int) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapExpired(ctx, jobs, maxRetries)
			sweepOrphans(ctx, jobs, store)
		}
	}
}

func reapExpired(ctx context.Context, jobs reaperJobs, maxRetries int) {
	n, err := jobs.ReapExpired(ctx, time.Now(), maxRetries)
	if err != nil {
		log.Error().Err(err).Msg("reap expired leases failed")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("reaped expired leases")
	}
}

// sweepOrphans reclaims blobs left behind by a job that wrote its artifacts
// but never committed them — a worker crash between a successful blob Put
// and the complete RPC, or a commit the Coordinator rejected after the
// Worker's own best-effort cleanup also failed (SPEC_FULL.md §4.3/§9). For
// every job in a terminal stage, it re-derives the blob keys the job would
// have written and deletes any that exist but are not among the job's
// recorded artifact keys.
func sweepOrphans(ctx context.Context, jobs sweeperJobs, store sweeperStore) {
	terminal, err := jobs.TerminalJobsWithArtifactKeys(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list terminal jobs for orphan sweep failed")
		return
	}

	for jobID, recorded := range terminal {
		recordedSet := make(map[string]bool, len(recorded))
		for _, k := range recorded {
			recordedSet[k] = true
		}

		candidates := []string{blobstore.TextKey(jobID.String()), blobstore.SegmentsKey(jobID.String())}
		for _, key := range candidates {
			if recordedSet[key] {
				continue
			}
			exists, err := store.Exists(ctx, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("orphan sweep exists check failed")
				continue
			}
			if !exists {
				continue
			}
			if err := store.Delete(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("orphan sweep delete failed")
				continue
			}
			log.Info().Str("job_id", jobID.String()).Str("key", key).Msg("reclaimed orphan blob")
		}
	}
}

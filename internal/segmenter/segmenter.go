// Package segmenter implements the Audio Segmenter (C4) of
// SPEC_FULL.md §4.4: given a probed duration and geometry configuration, it
// produces the chunk sequence the Parallel Decoder (C5) will decode.
package segmenter

import (
	"context"

	"github.com/audiolease/transcribe/internal/models"
)

// Config holds the segmenter geometry, mirroring config.Config's chunking
// fields one-to-one (SPEC_FULL.md §6).
type Config struct {
	StrideSeconds           float64
	OverlapSeconds          float64
	VADSearchWindowSeconds  float64
	VADSilenceThresholdDBFS float64
	VADMinSilenceSeconds    float64
	MinDurationForChunking  float64
}

// Plan produces the chunk sequence for an audio file of the given duration.
// If vad is nil or its scan fails, boundaries fall back to unsnapped
// nominal positions — VAD failure is never fatal (SPEC_FULL.md §4.4).
func Plan(ctx context.Context, audioPath string, duration float64, cfg Config, vad *VADScanner) []models.Chunk {
	if duration < cfg.MinDurationForChunking {
		return []models.Chunk{{Index: 0, Start: 0, End: duration, Overlap: 0}}
	}

	var intervals []SilenceInterval
	if vad != nil {
		found, err := vad.Scan(ctx, audioPath, cfg.VADSilenceThresholdDBFS, cfg.VADMinSilenceSeconds)
		if err == nil {
			intervals = found
		}
	}

	n := int(duration / cfg.StrideSeconds)
	if float64(n)*cfg.StrideSeconds < duration {
		n++
	}

	chunks := make([]models.Chunk, 0, n)
	start := 0.0
	for i := 0; i < n; i++ {
		nominalEnd := float64(i+1) * cfg.StrideSeconds
		var end float64
		if i == n-1 {
			end = duration
		} else {
			end = SnapToSilence(nominalEnd, cfg.VADSearchWindowSeconds, intervals)
			if end <= start || end > duration {
				end = nominalEnd
			}
		}

		overlap := 0.0
		if i > 0 {
			overlap = cfg.OverlapSeconds
		}

		chunks = append(chunks, models.Chunk{
			Index:   i,
			Start:   start,
			End:     end,
			Overlap: overlap,
		})

		start = end - cfg.OverlapSeconds
		if start < 0 {
			start = 0
		}
	}

	return chunks
}

// Package decoder implements the Parallel Decoder (C5) of SPEC_FULL.md §4.5:
// given a chunk sequence from the segmenter and a SpeechDecoder capability,
// it runs up to K concurrent decode tasks and produces per-chunk segment
// lists tagged by chunk index.
package decoder

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/rs/zerolog/log"
)

// chunkTimeoutSlack is added on top of 10x a chunk's nominal duration to
// derive its soft decode timeout (SPEC_FULL.md §4.5).
const chunkTimeoutSlack = 30 * time.Second

// chunkExtractor is the subset of Extractor the pool needs, narrowed so
// tests can substitute a fake without invoking ffmpeg.
type chunkExtractor interface {
	Extract(ctx context.Context, audioPath string, start, end float64) (string, error)
}

// Pool runs one decode task per chunk with bounded concurrency, the same
// semaphore+WaitGroup+mutex "first error wins" shape the teacher uses for
// per-segment processing, generalized from "process one segment" to "decode
// one chunk".
type Pool struct {
	extractor chunkExtractor
	decoder   SpeechDecoder
	workers   int
}

// NewPool creates a Pool with the given concurrency (clamped to 1).
func NewPool(extractor *Extractor, speechDecoder SpeechDecoder, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{extractor: extractor, decoder: speechDecoder, workers: workers}
}

// Run decodes every chunk of audioPath, returning results sorted by chunk
// index. Cancellation of ctx stops new tasks from starting but lets
// in-flight decoder calls finish (SPEC_FULL.md §4.5's cooperative
// cancellation contract); once they have, Run discards every result and
// returns ctx's error.
func (p *Pool) Run(ctx context.Context, audioPath string, chunks []models.Chunk) ([]models.ChunkResult, error) {
	results := make([]models.ChunkResult, len(chunks))
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, chunk := range chunks {
		idx := i
		c := chunk

		select {
		case <-ctx.Done():
			results[idx] = models.ChunkResult{ChunkIndex: c.Index, Err: ctx.Err()}
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := p.decodeChunk(ctx, audioPath, c)
			results[idx] = res

			if res.Err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = res.Err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return results, errs.New(errs.Decode, "one or more chunks failed to decode", firstErr)
	}
	return results, nil
}

func (p *Pool) decodeChunk(ctx context.Context, audioPath string, chunk models.Chunk) models.ChunkResult {
	timeout := time.Duration(chunk.Duration()*10)*time.Second + chunkTimeoutSlack
	// Detached from ctx's cancellation: a lease-loss cancel must stop new
	// chunks from being dispatched (checked in Run's select) without aborting
	// an extractor/decoder call already in flight. Only the timeout applies.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log.Debug().
		Int("chunk_index", chunk.Index).
		Float64("start", chunk.Start).
		Float64("end", chunk.End).
		Msg("decoding chunk")

	pcmPath, err := p.extractor.Extract(taskCtx, audioPath, chunk.Start, chunk.End)
	if err != nil {
		return models.ChunkResult{ChunkIndex: chunk.Index, Err: err}
	}
	defer os.Remove(pcmPath)

	segments, err := p.decoder.Decode(taskCtx, pcmPath, TimeRange{Start: 0, End: chunk.Duration()})
	if err != nil {
		return models.ChunkResult{ChunkIndex: chunk.Index, Err: err}
	}

	return models.ChunkResult{ChunkIndex: chunk.Index, Segments: segments}
}

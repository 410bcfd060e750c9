package decoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/audiolease/transcribe/internal/models"
)

// encodingExtractor fakes extraction by encoding the chunk's start time into
// the "path" it returns, so a fake decoder can deterministically identify
// which chunk it was asked to decode without touching ffmpeg.
type encodingExtractor struct{}

func (encodingExtractor) Extract(ctx context.Context, audioPath string, start, end float64) (string, error) {
	return fmt.Sprintf("/tmp/chunk-start-%.0f.pcm", start), nil
}

func startFromPath(pcmPath string) float64 {
	var start float64
	fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(pcmPath, "/tmp/chunk-start-"), ".pcm"), "%f", &start)
	return start
}

type stubDecoder struct {
	failAtStart float64 // no chunk ever starts at -1 by construction below
}

func (d *stubDecoder) Decode(ctx context.Context, pcmPath string, r TimeRange) ([]models.Segment, error) {
	if startFromPath(pcmPath) == d.failAtStart {
		return nil, errors.New("decode failed")
	}
	return []models.Segment{{Start: r.Start, End: r.End, Text: "ok"}}, nil
}

func newTestPool(workers int, decoder SpeechDecoder) *Pool {
	return &Pool{extractor: encodingExtractor{}, decoder: decoder, workers: workers}
}

func TestPoolRunAllSucceed(t *testing.T) {
	p := newTestPool(2, &stubDecoder{failAtStart: -1})

	chunks := []models.Chunk{
		{Index: 0, Start: 0, End: 10},
		{Index: 1, Start: 10, End: 20},
		{Index: 2, Start: 20, End: 30},
	}

	results, err := p.Run(context.Background(), "audio.wav", chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.ChunkIndex != i {
			t.Fatalf("result %d out of order: chunk index %d", i, r.ChunkIndex)
		}
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
	}
}

func TestPoolRunFailsWholeJobOnOneChunkError(t *testing.T) {
	p := newTestPool(2, &stubDecoder{failAtStart: 10})

	chunks := []models.Chunk{
		{Index: 0, Start: 0, End: 10},
		{Index: 1, Start: 10, End: 20},
	}

	results, err := p.Run(context.Background(), "audio.wav", chunks)
	if err == nil {
		t.Fatal("expected an error when a chunk fails")
	}
	if results[1].Err == nil {
		t.Fatal("expected chunk 1 (start=10) to carry the decode error")
	}
	if results[0].Err != nil {
		t.Fatal("expected chunk 0 to succeed despite chunk 1's failure")
	}
}

// cancelMidDecodeDecoder simulates a lease loss firing while a decode call
// is already in flight: it cancels the parent context from inside Decode,
// then reports whether its own ctx still sees that cancellation.
type cancelMidDecodeDecoder struct {
	cancel            context.CancelFunc
	sawCancelPropagate bool
}

func (d *cancelMidDecodeDecoder) Decode(ctx context.Context, pcmPath string, r TimeRange) ([]models.Segment, error) {
	d.cancel()
	if ctx.Err() != nil {
		d.sawCancelPropagate = true
	}
	return []models.Segment{{Start: r.Start, End: r.End, Text: "ok"}}, nil
}

func TestDecodeChunkSurvivesParentCancellation(t *testing.T) {
	parentCtx, cancel := context.WithCancel(context.Background())
	decoder := &cancelMidDecodeDecoder{cancel: cancel}
	p := newTestPool(1, decoder)

	res := p.decodeChunk(parentCtx, "audio.wav", models.Chunk{Index: 0, Start: 0, End: 10})

	if decoder.sawCancelPropagate {
		t.Fatal("expected in-flight decode's context to stay alive after parent ctx was cancelled")
	}
	if res.Err != nil {
		t.Fatalf("expected in-flight decode to complete successfully, got error: %v", res.Err)
	}
}

package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolease/transcribe/internal/models"
	"github.com/audiolease/transcribe/internal/segmenter"
	"github.com/google/uuid"
)

type fakeClient struct {
	mu            sync.Mutex
	heartbeatOK   bool
	heartbeatErr  error
	heartbeatCnt  int
	failReason    string
	failRetryable bool
	failCalled    bool
	blob          []byte
	claimJob      *models.NextJobResponse
	claimOnce     bool
}

func (f *fakeClient) ClaimNext(ctx context.Context) (*models.NextJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimOnce || f.claimJob == nil {
		return nil, nil
	}
	f.claimOnce = true
	return f.claimJob, nil
}

func (f *fakeClient) Heartbeat(ctx context.Context, jobID uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatCnt++
	return time.Now(), f.heartbeatOK, f.heartbeatErr
}

func (f *fakeClient) Fail(ctx context.Context, jobID uuid.UUID, reason string, retryable bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalled = true
	f.failReason = reason
	f.failRetryable = retryable
	return true, nil
}

func (f *fakeClient) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(f.blob))), nil
}

type fakeProber struct{ duration float64 }

func (p fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return p.duration, nil
}

type fakeDecoder struct{ err error }

func (d fakeDecoder) Run(ctx context.Context, audioPath string, chunks []models.Chunk) ([]models.ChunkResult, error) {
	if d.err != nil {
		return nil, d.err
	}
	results := make([]models.ChunkResult, len(chunks))
	for i, c := range chunks {
		results[i] = models.ChunkResult{ChunkIndex: c.Index, Segments: []models.Segment{{Start: c.Start, End: c.End, Text: "hi"}}}
	}
	return results, nil
}

type fakeMerger struct{ err error }

func (m fakeMerger) Merge(chunks []models.Chunk, results []models.ChunkResult) ([]models.Segment, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	return []models.Segment{{Start: 0, End: 1, Text: "hi"}}, "hi", nil
}

type fakeUploader struct {
	err      error
	uploaded bool
}

func (u *fakeUploader) Upload(ctx context.Context, jobID uuid.UUID, workerID, text string, segments []models.Segment) error {
	u.uploaded = true
	return u.err
}

func newTestPipeline(client coordinatorClient, dec chunkDecoder, mrg segmentMerger, up artifactUploader) *Pipeline {
	return New(Config{
		Client: client,
		Prober: fakeProber{duration: 30},
		// MinDurationForChunking exceeds the fake 30s probe result, so
		// Plan takes the single-chunk branch and never touches VAD/ffmpeg.
		SegmentCfg:  segmenter.Config{MinDurationForChunking: 3600},
		DecoderPool: dec,
		Merger:      mrg,
		Uploader:    up,
		WorkerID:    "worker-1",
		TmpDir:      "",
	})
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	client := &fakeClient{heartbeatOK: true, blob: []byte("fake-audio-bytes")}
	up := &fakeUploader{}
	p := newTestPipeline(client, fakeDecoder{}, fakeMerger{}, up)

	job := &models.NextJobResponse{ID: uuid.New(), AudioKey: "job.audio.bin"}
	err := p.Run(context.Background(), job, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !up.uploaded {
		t.Fatal("expected Upload to be called")
	}
	if client.failCalled {
		t.Fatal("did not expect Fail to be called on success")
	}
}

func TestRunReportsFailureOnDecodeError(t *testing.T) {
	client := &fakeClient{heartbeatOK: true, blob: []byte("fake-audio-bytes")}
	up := &fakeUploader{}
	decodeErr := &stubErr{msg: "decode blew up"}
	p := newTestPipeline(client, fakeDecoder{err: decodeErr}, fakeMerger{}, up)

	job := &models.NextJobResponse{ID: uuid.New(), AudioKey: "job.audio.bin"}
	err := p.Run(context.Background(), job, time.Hour)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !client.failCalled {
		t.Fatal("expected Fail to be called")
	}
	if up.uploaded {
		t.Fatal("did not expect Upload to be called after decode failure")
	}
}

func TestHeartbeatLoopCancelsOnLeaseLost(t *testing.T) {
	client := &fakeClient{heartbeatOK: false}
	p := newTestPipeline(client, fakeDecoder{}, fakeMerger{}, &fakeUploader{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelled := make(chan struct{})
	go func() {
		p.heartbeatLoop(ctx, uuid.New(), time.Millisecond, func() { close(cancelled) })
	}()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected cancel to be called after a lost-lease heartbeat")
	}
}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

func TestPollLoopRunsOneClaimedJobThenStopsPolling(t *testing.T) {
	job := &models.NextJobResponse{ID: uuid.New(), AudioKey: "job.audio.bin"}
	client := &fakeClient{heartbeatOK: true, blob: []byte("fake-audio-bytes"), claimJob: job}
	up := &fakeUploader{}
	p := newTestPipeline(client, fakeDecoder{}, fakeMerger{}, up)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	PollLoop(ctx, p, time.Millisecond, time.Hour)

	if !up.uploaded {
		t.Fatal("expected the claimed job to run through Upload")
	}
}

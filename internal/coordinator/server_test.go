package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type fakeQueue struct {
	submitID      uuid.UUID
	submitErr     error
	statusJob     *models.Job
	statusErr     error
	claimJob      *models.Job
	claimErr      error
	heartbeatOK   bool
	heartbeatErr  error
	heartbeatTime time.Time
	completeOK    bool
	completeErr   error
	failOK        bool
	failErr       error
}

func (f *fakeQueue) Submit(ctx context.Context, name, audioKey string, webhookURL *string) (uuid.UUID, error) {
	return f.submitID, f.submitErr
}

func (f *fakeQueue) Status(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return f.statusJob, f.statusErr
}

func (f *fakeQueue) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	return f.claimJob, f.claimErr
}

func (f *fakeQueue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) (time.Time, bool, error) {
	return f.heartbeatTime, f.heartbeatOK, f.heartbeatErr
}

func (f *fakeQueue) Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string, segments []models.Segment) (bool, error) {
	return f.completeOK, f.completeErr
}

func (f *fakeQueue) Fail(ctx context.Context, jobID uuid.UUID, workerID, reason string, retryable bool) (bool, error) {
	return f.failOK, f.failErr
}

func newTestRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.Routes(r)
	return r
}

func TestSubmitJobRequiresAudioKey(t *testing.T) {
	s := NewServer(&fakeQueue{}, nil, 0, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{"name":"x"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitJobSuccess(t *testing.T) {
	id := uuid.New()
	s := NewServer(&fakeQueue{submitID: id}, nil, 0, nil)
	r := newTestRouter(s)

	body := `{"name":"episode-1","audio_key":"job123.audio.wav"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp models.SubmitJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != id {
		t.Fatalf("expected id %s, got %s", id, resp.ID)
	}
}

func TestClaimNextNoJobReturns204(t *testing.T) {
	s := NewServer(&fakeQueue{claimJob: nil}, nil, 0, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/jobs/next?worker=w1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestClaimNextRequiresWorker(t *testing.T) {
	s := NewServer(&fakeQueue{}, nil, 0, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/jobs/next", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestClaimNextReturnsJob(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	job := &models.Job{ID: id, AudioKey: "a.audio.wav", LeaseExpiry: &now}
	s := NewServer(&fakeQueue{claimJob: job}, nil, 0, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/jobs/next?worker=w1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp models.NextJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != id || resp.AudioKey != "a.audio.wav" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHeartbeatLeaseLostReturns409(t *testing.T) {
	s := NewServer(&fakeQueue{heartbeatOK: false}, nil, 0, nil)
	r := newTestRouter(s)

	id := uuid.New()
	body := `{"worker":"w1"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/heartbeat", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCompleteRequiresTextKey(t *testing.T) {
	s := NewServer(&fakeQueue{completeOK: true}, nil, 0, nil)
	r := newTestRouter(s)

	id := uuid.New()
	body := `{"worker":"w1"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/complete", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCompleteSuccess(t *testing.T) {
	s := NewServer(&fakeQueue{completeOK: true}, nil, 0, nil)
	r := newTestRouter(s)

	id := uuid.New()
	body := `{"worker":"w1","text_key":"job.txt.gz","segments":[{"start":0,"end":1,"text":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/complete", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetJobStatusNotFound(t *testing.T) {
	s := NewServer(&fakeQueue{statusErr: errs.New(errs.NotFound, "no such job", errors.New("missing"))}, nil, 0, nil)
	r := newTestRouter(s)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

func TestClaimNextReturnsJobOnOK(t *testing.T) {
	jobID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("worker") != "worker-1" {
			t.Fatalf("expected worker query param, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(models.NextJobResponse{ID: jobID, AudioKey: "a.bin", LeaseExpiryUnixMs: 1000})
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	job, err := c.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("expected job %s, got %+v", jobID, job)
	}
}

func TestClaimNextReturnsNilOnNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	job, err := c.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestHeartbeatReportsLeaseLostOnConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	_, held, err := c.Heartbeat(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if held {
		t.Fatal("expected lease not held")
	}
}

func TestCompleteSendsKeysAndSummaryAndReturnsOK(t *testing.T) {
	var gotBody struct {
		models.CompleteRequest
		Segments []models.Segment `json:"segments"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	segmentsKey := "job.segments.json.gz"
	summary := "a summary"
	ok, err := c.Complete(context.Background(), uuid.New(), "worker-1", "job.txt.gz", &segmentsKey, &summary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if gotBody.TextKey != "job.txt.gz" || gotBody.SegmentsKey != segmentsKey || gotBody.Summary != summary {
		t.Fatalf("request body not forwarded correctly: %+v", gotBody)
	}
}

func TestGetBlobReturnsNotFoundAsErrsKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	_, err := c.GetBlob(context.Background(), "missing.bin")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errs.KindOf(err) != errs.NotFound {
		t.Fatalf("expected NotFound kind, got %v", errs.KindOf(err))
	}
}

func TestSendsBearerTokenWhenSharedSecretConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "s3cret", 5*time.Second)
	if _, err := c.Fail(context.Background(), uuid.New(), "reason", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
}

func TestRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "worker-1", "", 5*time.Second)
	c.retry = retryConfig{MaxAttempts: 3, Delay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	ok, err := c.Fail(context.Background(), uuid.New(), "decode failed", true)
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

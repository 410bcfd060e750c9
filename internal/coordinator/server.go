package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/audiolease/transcribe/internal/blobstore"
	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// jobQueue is the subset of Queue the HTTP layer needs, narrowed for
// testability the way the teacher's jobService interface narrows its
// service layer.
type jobQueue interface {
	Submit(ctx context.Context, name, audioKey string, webhookURL *string) (uuid.UUID, error)
	Status(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) (time.Time, bool, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string, segments []models.Segment) (bool, error)
	Fail(ctx context.Context, jobID uuid.UUID, workerID, reason string, retryable bool) (bool, error)
}

// Server exposes the Worker-facing lease RPCs and the Submitter-facing
// submit/status endpoints of SPEC_FULL.md §4.3/§6.
type Server struct {
	queue       jobQueue
	store       blobstore.Store
	maxUploadMB int64
	workerAuth  *WorkerAuth
}

// NewServer creates a new Server. workerAuth may be nil (or constructed
// with an empty secret hash) to disable worker-side authentication.
func NewServer(queue jobQueue, store blobstore.Store, maxUploadMB int64, workerAuth *WorkerAuth) *Server {
	if workerAuth == nil {
		workerAuth = NewWorkerAuth("")
	}
	return &Server{queue: queue, store: store, maxUploadMB: maxUploadMB, workerAuth: workerAuth}
}

// Routes registers every handler on r. The Worker-facing lease and blob
// RPCs sit behind workerAuth; the Submitter-facing submit/status endpoints
// do not, since Submitter auth is out of scope here (SPEC_FULL.md §1).
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)

	r.HandleFunc("/jobs", s.SubmitJob).Methods(http.MethodPost)

	workerRoutes := r.NewRoute().Subrouter()
	workerRoutes.Use(s.workerAuth.Middleware)
	workerRoutes.HandleFunc("/jobs/next", s.ClaimNext).Methods(http.MethodGet)
	workerRoutes.HandleFunc("/jobs/{id}/heartbeat", s.Heartbeat).Methods(http.MethodPost)
	workerRoutes.HandleFunc("/jobs/{id}/complete", s.Complete).Methods(http.MethodPost)
	workerRoutes.HandleFunc("/jobs/{id}/fail", s.Fail).Methods(http.MethodPost)
	workerRoutes.HandleFunc("/blobs/{key}", s.GetBlob).Methods(http.MethodGet)
	workerRoutes.HandleFunc("/blobs/{key}", s.PutBlob).Methods(http.MethodPut)

	// Registered after the worker routes: mux matches in registration order,
	// and /jobs/{id} would otherwise capture GET /jobs/next.
	r.HandleFunc("/jobs/{id}", s.GetJobStatus).Methods(http.MethodGet)
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitJob handles POST /jobs: a Submitter registers an already-uploaded
// audio blob key for transcription.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string  `json:"name"`
		AudioKey   string  `json:"audio_key"`
		WebhookURL *string `json:"webhook_url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AudioKey == "" {
		writeJSONError(w, http.StatusBadRequest, "audio_key is required")
		return
	}

	id, err := s.queue.Submit(r.Context(), req.Name, req.AudioKey, req.WebhookURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to submit job")
		writeJSONError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusAccepted, models.SubmitJobResponse{ID: id})
}

// GetJobStatus handles GET /jobs/{id}.
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.queue.Status(r.Context(), jobID)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to get job status")
		writeJSONError(w, http.StatusInternalServerError, "failed to get job status")
		return
	}

	writeJSON(w, http.StatusOK, models.JobStatusResponse{
		ID:            job.ID,
		Stage:         job.Stage,
		FailureReason: job.FailureReason,
		TextKey:       job.TextKey,
		SegmentsKey:   job.SegmentsKey,
		Summary:       job.Summary,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	})
}

// ClaimNext handles GET /jobs/next?worker={id}.
func (s *Server) ClaimNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		writeJSONError(w, http.StatusBadRequest, "worker is required")
		return
	}

	job, err := s.queue.ClaimNext(r.Context(), workerID)
	if err != nil {
		log.Error().Err(err).Str("worker", workerID).Msg("failed to claim job")
		writeJSONError(w, http.StatusInternalServerError, "failed to claim job")
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, models.NextJobResponse{
		ID:                job.ID,
		AudioKey:          job.AudioKey,
		LeaseExpiryUnixMs: job.LeaseExpiry.UnixMilli(),
	})
}

// Heartbeat handles POST /jobs/{id}/heartbeat.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var req models.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expiry, ok, err := s.queue.Heartbeat(r.Context(), jobID, req.Worker)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("heartbeat failed")
		writeJSONError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusConflict, "lease lost")
		return
	}

	writeJSON(w, http.StatusOK, models.HeartbeatResponse{LeaseExpiryUnixMs: expiry.UnixMilli()})
}

// Complete handles POST /jobs/{id}/complete.
func (s *Server) Complete(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var req struct {
		models.CompleteRequest
		Segments []models.Segment `json:"segments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TextKey == "" {
		writeJSONError(w, http.StatusBadRequest, "text_key is required")
		return
	}

	var segmentsKey, summary *string
	if req.SegmentsKey != "" {
		segmentsKey = &req.SegmentsKey
	}
	if req.Summary != "" {
		summary = &req.Summary
	}

	ok, err := s.queue.Complete(r.Context(), jobID, req.Worker, req.TextKey, segmentsKey, summary, req.Segments)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("commit complete failed")
		writeJSONError(w, http.StatusInternalServerError, "commit failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusConflict, "lease lost")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Fail handles POST /jobs/{id}/fail.
func (s *Server) Fail(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var req models.FailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := s.queue.Fail(r.Context(), jobID, req.Worker, req.Reason, req.Retryable)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("commit fail failed")
		writeJSONError(w, http.StatusInternalServerError, "commit failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusConflict, "lease lost")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBlob handles GET /blobs/{key}, letting a remote Worker read a
// Coordinator-local blob store over HTTP.
func (s *Server) GetBlob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	body, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			writeJSONError(w, http.StatusNotFound, "blob not found")
			return
		}
		log.Error().Err(err).Str("key", key).Msg("failed to read blob")
		writeJSONError(w, http.StatusInternalServerError, "failed to read blob")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to stream blob")
	}
}

// PutBlob handles PUT /blobs/{key}.
func (s *Server) PutBlob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if s.maxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)
	}

	if err := s.store.Put(r.Context(), key, r.Body); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to write blob")
		writeJSONError(w, http.StatusInternalServerError, "failed to write blob")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

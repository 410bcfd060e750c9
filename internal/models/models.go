// Package models holds the data shapes shared by the Coordinator, Worker and
// Notifier processes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage is a Job's position in the lease state machine.
type Stage string

const (
	StagePending         Stage = "pending"
	StageRunning         Stage = "running"
	StageCompleted       Stage = "completed"
	StageFailedRetryable Stage = "failed_retryable"
	StageFailed          Stage = "failed"
)

// Job is one per uploaded audio file.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	AudioKey      string     `json:"audio_key"`
	TextKey       *string    `json:"text_key,omitempty"`
	SegmentsKey   *string    `json:"segments_key,omitempty"`
	Summary       *string    `json:"summary,omitempty"`
	Stage         Stage      `json:"stage"`
	LeaseHolder   *string    `json:"-"`
	LeaseExpiry   *time.Time `json:"-"`
	RetryCount    int        `json:"retry_count"`
	WebhookURL    *string    `json:"-"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Leased reports whether the job currently has a non-expired lease, per the
// invariant in SPEC_FULL.md §3 (ii).
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseHolder != nil && j.LeaseExpiry != nil && j.LeaseExpiry.After(now)
}

// Segment is a single timestamped transcript unit, absolute (post-merge)
// unless noted otherwise by its caller.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Chunk is an interior working entity of the worker: a time range of the
// source audio assigned to one decode task.
type Chunk struct {
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Overlap float64 `json:"overlap"`
}

// Duration returns the chunk's length in seconds.
func (c Chunk) Duration() float64 {
	return c.End - c.Start
}

// ChunkResult is one decode task's output, tagged by chunk index so C6 can
// re-order results that settle out of order (SPEC_FULL §4.5).
type ChunkResult struct {
	ChunkIndex int
	Segments   []Segment
	Err        error
}

// NextJobResponse is the body of GET /jobs/next.
type NextJobResponse struct {
	ID                uuid.UUID `json:"id"`
	AudioKey          string    `json:"audio_key"`
	LeaseExpiryUnixMs int64     `json:"lease_expiry_unix_ms"`
}

// HeartbeatRequest is the body of POST /jobs/{id}/heartbeat.
type HeartbeatRequest struct {
	Worker string `json:"worker"`
}

// HeartbeatResponse is the 200 body of POST /jobs/{id}/heartbeat.
type HeartbeatResponse struct {
	LeaseExpiryUnixMs int64 `json:"lease_expiry_unix_ms"`
}

// CompleteRequest is the body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	Worker            string  `json:"worker"`
	TextKey           string  `json:"text_key"`
	SegmentsKey       string  `json:"segments_key,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// FailRequest is the body of POST /jobs/{id}/fail.
type FailRequest struct {
	Worker    string `json:"worker"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// SubmitJobResponse is the body of POST /jobs.
type SubmitJobResponse struct {
	ID uuid.UUID `json:"id"`
}

// JobStatusResponse is the body of GET /jobs/{id}.
type JobStatusResponse struct {
	ID            uuid.UUID  `json:"id"`
	Stage         Stage      `json:"stage"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	TextKey       *string    `json:"text_key,omitempty"`
	SegmentsKey   *string    `json:"segments_key,omitempty"`
	Summary       *string    `json:"summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// WebhookDelivery is one delivery attempt of a job-lifecycle event to a
// Submitter-provided webhook URL, recorded by the Notifier (SPEC_FULL.md §2A).
// A delivery failure never affects Job stage.
type WebhookDelivery struct {
	ID            uuid.UUID  `json:"id"`
	JobID         uuid.UUID  `json:"job_id"`
	URL           string     `json:"url"`
	Status        string     `json:"status"` // pending, sent, failed
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// JobEvent is the Kafka payload published on terminal job stage transitions,
// consumed by the Notifier (SPEC_FULL.md §2A).
type JobEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Stage      Stage     `json:"stage"`
	WebhookURL *string   `json:"webhook_url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

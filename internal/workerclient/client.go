// Package workerclient is the Worker process's HTTP client to the
// Coordinator (C3), implementing the lease RPCs and blob GET/PUT of
// SPEC_FULL.md §4.3/§6 over a plain net/http.Client with exponential
// backoff retry on transient failures.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

// retryConfig mirrors the teacher's pkg/retry.Config shape: a handful of
// attempts with exponential backoff, capped, and ctx-aware.
type retryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{MaxAttempts: 3, Delay: time.Second, Multiplier: 2.0, MaxDelay: 15 * time.Second}
}

func doWithRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.Delay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// Client talks to one Coordinator instance on behalf of a Worker process.
type Client struct {
	baseURL      string
	workerID     string
	sharedSecret string
	httpClient   *http.Client
	retry        retryConfig
}

// New creates a Client. requestTimeout bounds every single HTTP round trip
// (not the retry loop as a whole). sharedSecret is sent as a bearer token
// on every request; leave it empty if the Coordinator's worker-auth check
// is disabled.
func New(baseURL, workerID, sharedSecret string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL:      baseURL,
		workerID:     workerID,
		sharedSecret: sharedSecret,
		httpClient:   &http.Client{Timeout: requestTimeout},
		retry:        defaultRetryConfig(),
	}
}

// setAuth attaches the shared-secret bearer token, if configured.
func (c *Client) setAuth(req *http.Request) {
	if c.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.sharedSecret)
	}
}

// ClaimNext polls GET /jobs/next. A nil *models.NextJobResponse with a nil
// error means the queue was empty (204 No Content) — not an error, the
// caller should just poll again after its interval.
func (c *Client) ClaimNext(ctx context.Context) (*models.NextJobResponse, error) {
	var out *models.NextJobResponse
	err := doWithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/next?worker="+c.workerID, nil)
		if err != nil {
			return errs.New(errs.IO, "build claim-next request", err)
		}
		c.setAuth(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.New(errs.IO, "claim-next request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNoContent {
			out = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp)
		}

		var job models.NextJobResponse
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return errs.New(errs.IO, "decode claim-next response", err)
		}
		out = &job
		return nil
	})
	return out, err
}

// Heartbeat calls POST /jobs/{id}/heartbeat. The bool return is false when
// the Coordinator reports the lease has already been lost (409): the
// caller must abandon the job rather than retry.
func (c *Client) Heartbeat(ctx context.Context, jobID uuid.UUID) (time.Time, bool, error) {
	body, _ := json.Marshal(models.HeartbeatRequest{Worker: c.workerID})

	var expiry time.Time
	var leaseHeld bool
	err := doWithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/"+jobID.String()+"/heartbeat", bytes.NewReader(body))
		if err != nil {
			return errs.New(errs.IO, "build heartbeat request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuth(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.New(errs.IO, "heartbeat request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			leaseHeld = false
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp)
		}

		var out models.HeartbeatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return errs.New(errs.IO, "decode heartbeat response", err)
		}
		expiry = time.UnixMilli(out.LeaseExpiryUnixMs)
		leaseHeld = true
		return nil
	})
	return expiry, leaseHeld, err
}

// Complete implements the narrow completer interface internal/uploader
// expects, translated into a POST /jobs/{id}/complete call. The bool
// return mirrors Heartbeat's: false means the lease was already lost.
// The request carries no segment list (Segments is never set), so the
// Coordinator's segment mirror for the job ends up empty.
func (c *Client) Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string) (bool, error) {
	req := struct {
		models.CompleteRequest
		Segments []models.Segment `json:"segments,omitempty"`
	}{
		CompleteRequest: models.CompleteRequest{Worker: workerID, TextKey: textKey},
	}
	if segmentsKey != nil {
		req.SegmentsKey = *segmentsKey
	}
	if summary != nil {
		req.Summary = *summary
	}
	body, _ := json.Marshal(req)

	var ok bool
	err := doWithRetry(ctx, c.retry, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/"+jobID.String()+"/complete", bytes.NewReader(body))
		if err != nil {
			return errs.New(errs.IO, "build complete request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuth(httpReq)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return errs.New(errs.IO, "complete request failed", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent:
			ok = true
			return nil
		case http.StatusConflict:
			ok = false
			return nil
		default:
			return statusErr(resp)
		}
	})
	return ok, err
}

// Fail calls POST /jobs/{id}/fail, reporting a job failure that the
// pipeline could not recover from.
func (c *Client) Fail(ctx context.Context, jobID uuid.UUID, reason string, retryable bool) (bool, error) {
	body, _ := json.Marshal(models.FailRequest{Worker: c.workerID, Reason: reason, Retryable: retryable})

	var ok bool
	err := doWithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/"+jobID.String()+"/fail", bytes.NewReader(body))
		if err != nil {
			return errs.New(errs.IO, "build fail request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuth(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.New(errs.IO, "fail request failed", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent:
			ok = true
			return nil
		case http.StatusConflict:
			ok = false
			return nil
		default:
			return statusErr(resp)
		}
	})
	return ok, err
}

// GetBlob fetches a blob from the Coordinator's store over HTTP, used by
// the Worker to download source audio before segmenting it.
func (c *Client) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := doWithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/blobs/"+key, nil)
		if err != nil {
			return errs.New(errs.IO, "build get-blob request", err)
		}
		c.setAuth(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.New(errs.IO, "get-blob request failed", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return errs.New(errs.NotFound, "blob not found: "+key, nil)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return statusErr(resp)
		}
		body = resp.Body
		return nil
	})
	return body, err
}

func statusErr(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return errs.Newf(errs.IO, nil, "coordinator returned %d: %s", resp.StatusCode, string(msg))
}

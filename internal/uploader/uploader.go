// Package uploader implements the Artifact Uploader (C7) of SPEC_FULL.md
// §4.7: gzip-compresses the merged transcript and segment list, uploads
// both to the blob store, then commits the job via the Coordinator's
// complete RPC.
package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"

	"github.com/audiolease/transcribe/internal/blobstore"
	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// completer is the subset of the worker's Coordinator client C7 needs —
// narrowed so tests can substitute a fake without a live HTTP round trip.
type completer interface {
	Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string) (bool, error)
}

// Uploader runs the §4.7 upload-then-commit sequence, optionally passing
// the merged text through best-effort formatting/summarization
// collaborators first.
type Uploader struct {
	store      blobstore.Store
	completer  completer
	formatter  TextFormatter
	summarizer Summarizer
}

// New creates an Uploader. A nil formatter/summarizer defaults to
// IdentityFormatter/NilSummarizer.
func New(store blobstore.Store, completer completer, formatter TextFormatter, summarizer Summarizer) *Uploader {
	if formatter == nil {
		formatter = IdentityFormatter{}
	}
	if summarizer == nil {
		summarizer = NilSummarizer{}
	}
	return &Uploader{store: store, completer: completer, formatter: formatter, summarizer: summarizer}
}

// Upload gzips and uploads the merged text and segments for jobID, then
// calls the complete RPC. If the Coordinator rejects the commit (lease
// lost), the uploaded blobs are deleted best-effort and an errs.LeaseLost
// error is returned — the caller must not retry this job instance.
func (u *Uploader) Upload(ctx context.Context, jobID uuid.UUID, workerID, text string, segments []models.Segment) error {
	finalText := runFormatter(ctx, u.formatter, text)
	summary := runSummarizer(ctx, u.summarizer, finalText)

	textKey := blobstore.TextKey(jobID.String())
	segmentsKey := blobstore.SegmentsKey(jobID.String())

	textGz, err := gzipString(finalText)
	if err != nil {
		return errs.New(errs.IO, "gzip transcript text", err)
	}
	segmentsGz, err := gzipJSON(segments)
	if err != nil {
		return errs.New(errs.IO, "gzip segments", err)
	}

	if err := u.store.Put(ctx, textKey, bytes.NewReader(textGz)); err != nil {
		return errs.New(errs.IO, "upload text artifact", err)
	}
	if err := u.store.Put(ctx, segmentsKey, bytes.NewReader(segmentsGz)); err != nil {
		u.store.Delete(ctx, textKey)
		return errs.New(errs.IO, "upload segments artifact", err)
	}

	var summaryPtr *string
	if summary != "" {
		summaryPtr = &summary
	}

	ok, err := u.completer.Complete(ctx, jobID, workerID, textKey, &segmentsKey, summaryPtr)
	if err != nil {
		u.cleanup(ctx, textKey, segmentsKey)
		return errs.New(errs.IO, "commit complete RPC", err)
	}
	if !ok {
		log.Warn().Str("job_id", jobID.String()).Msg("complete RPC rejected, lease lost — cleaning up uploaded blobs")
		u.cleanup(ctx, textKey, segmentsKey)
		return errs.New(errs.LeaseLost, "complete RPC rejected: lease no longer held", nil)
	}

	return nil
}

func (u *Uploader) cleanup(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := u.store.Delete(ctx, k); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("best-effort blob cleanup failed")
		}
	}
}

func gzipString(s string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(s)); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

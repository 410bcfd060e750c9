// Package blobstore implements the content-addressed artifact store of
// SPEC_FULL.md §4.1. Keys are job-scoped (`{job_id}.{suffix}`) so they never
// collide, and a successful Put is durable before it returns.
package blobstore

import (
	"context"
	"io"
)

// Store is the Blob Store contract (C1). Both LocalStore and S3Store
// implement it; the Coordinator and Worker select one at startup via
// config.Config.BlobStoreBackend.
type Store interface {
	// Put streams r to key. On any error the partial write is discarded —
	// never a truncated object readable at key.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens key for reading. Returns an errs.NotFound error if key does
	// not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Suffixes recognized by the flat keyspace (SPEC_FULL.md §4.1, §6). Unknown
// suffixes are never read by any component.
const (
	SuffixTextArtifact     = "txt.gz"
	SuffixSegmentsArtifact = "segments.json.gz"
)

// AudioKey returns the blob key for jobID's uploaded source audio.
func AudioKey(jobID, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	return jobID + ".audio." + ext
}

// TextKey returns the blob key for jobID's merged text artifact.
func TextKey(jobID string) string {
	return jobID + "." + SuffixTextArtifact
}

// SegmentsKey returns the blob key for jobID's merged segments artifact.
func SegmentsKey(jobID string) string {
	return jobID + "." + SuffixSegmentsArtifact
}

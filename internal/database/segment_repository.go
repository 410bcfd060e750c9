package database

import (
	"context"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

// SegmentRepository persists the queryable mirror of a job's merged segment
// list described in SPEC_FULL.md §3A. The gzip JSON blob remains the
// authoritative artifact; this table exists so segments can be queried
// without decompressing it.
type SegmentRepository struct {
	db *DB
}

// NewSegmentRepository creates a new SegmentRepository.
func NewSegmentRepository(db *DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// ReplaceForJob atomically replaces every persisted segment for a job with
// segments, in index order. Used once by C7 on a successful commit_complete;
// idempotent under a commit replay (SPEC_FULL.md §8's round-trip property)
// because it always deletes before inserting.
func (r *SegmentRepository) ReplaceForJob(ctx context.Context, jobID uuid.UUID, segments []models.Segment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.IO, "begin replace segments tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE job_id = $1`, jobID); err != nil {
		return errs.New(errs.IO, "delete existing segments", err)
	}

	for idx, seg := range segments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (job_id, idx, start_seconds, end_seconds, segment_text)
			VALUES ($1, $2, $3, $4, $5)
		`, jobID, idx, seg.Start, seg.End, seg.Text)
		if err != nil {
			return errs.New(errs.IO, "insert segment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.IO, "commit replace segments tx", err)
	}
	return nil
}

// ListByJob retrieves the persisted segment mirror for a job, ordered by idx.
func (r *SegmentRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT start_seconds, end_seconds, segment_text
		FROM segments WHERE job_id = $1 ORDER BY idx ASC
	`, jobID)
	if err != nil {
		return nil, errs.New(errs.IO, "list segments", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.Start, &seg.End, &seg.Text); err != nil {
			return nil, errs.New(errs.IO, "scan segment", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

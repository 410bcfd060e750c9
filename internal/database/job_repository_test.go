package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

func newMockJobRepo(t *testing.T) (*JobRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	repo := NewJobRepository(&DB{DB: mockDB})
	return repo, mock, func() { mockDB.Close() }
}

func TestInsertPending(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(id, "episode-1", "audio-key", models.StagePending, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.InsertPending(context.Background(), id, "episode-1", "audio-key", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimOneNoRowsReturnsNil(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := repo.ClaimOne(context.Background(), "worker-1", time.Now(), 2*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestClaimOneClaimsOldestJob(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	cols := []string{
		"id", "name", "audio_key", "text_key", "segments_key", "summary", "stage",
		"lease_holder", "lease_expiry", "retry_count", "webhook_url", "failure_reason",
		"created_at", "updated_at", "completed_at",
	}
	mock.ExpectQuery("UPDATE jobs").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			id, "episode-1", "audio-key", nil, nil, nil, models.StageRunning,
			"worker-1", now.Add(2*time.Minute), 0, nil, nil,
			now, now, nil,
		))
	mock.ExpectCommit()

	job, err := repo.ClaimOne(context.Background(), "worker-1", now, 2*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected claimed job %s, got %+v", id, job)
	}
	if job.Stage != models.StageRunning {
		t.Fatalf("expected stage running, got %s", job.Stage)
	}
}

func TestHeartbeatLeaseLost(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, ok, err := repo.Heartbeat(context.Background(), id, "worker-1", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected lease lost (ok=false)")
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expiry, ok, err := repo.Heartbeat(context.Background(), id, "worker-1", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected lease extended")
	}
	if expiry.IsZero() {
		t.Fatalf("expected non-zero expiry")
	}
}

func TestCommitCompleteRejectedWhenLeaseLost(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.CommitComplete(context.Background(), id, "worker-1", "job.txt.gz", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected commit to be rejected")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "audio_key", "text_key", "segments_key", "summary", "stage",
			"lease_holder", "lease_expiry", "retry_count", "webhook_url", "failure_reason",
			"created_at", "updated_at", "completed_at",
		}))

	_, err := repo.GetByID(context.Background(), id)
	if err == nil {
		t.Fatalf("expected not found error")
	}
	if errs.KindOf(err) != errs.NotFound {
		t.Fatalf("expected NotFound kind, got %v", errs.KindOf(err))
	}
}

// TestCommitFailQueryClampsRetryCountAtCap guards against the increment
// running unconditionally on the terminal branch: it asserts the UPDATE this
// method issues only raises retry_count on the failed_retryable branch,
// leaving it untouched when the CASE resolves to the terminal failed stage.
// sqlmock matches queries textually, so a regression back to an
// unconditional `retry_count + $3` breaks this expectation.
func TestCommitFailQueryClampsRetryCountAtCap(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec(`retry_count = CASE WHEN \$1::text = 'failed_retryable' AND retry_count \+ 1 <= \$2 THEN retry_count \+ \$3 ELSE retry_count END`).
		WithArgs(models.StageFailedRetryable, 3, 1, "decode error", id, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CommitFail(context.Background(), id, "worker-1", "decode error", true, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected commit to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestReapExpiredQueryClampsRetryCountAtCap is ReapExpired's equivalent guard:
// the bulk UPDATE must clamp retry_count with LEAST(retry_count+1, maxRetries)
// rather than incrementing unconditionally, so a job already at the cap never
// ends up at maxRetries+1.
func TestReapExpiredQueryClampsRetryCountAtCap(t *testing.T) {
	repo, mock, cleanup := newMockJobRepo(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec(`retry_count = LEAST\(retry_count \+ 1, \$1\)`).
		WithArgs(3, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.ReapExpired(context.Background(), now, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped job, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRetryCountNeverExceedsMaxRetries is an integration test (SPEC_FULL.md
// §8.7) exercising the real clamp against Postgres: a job already at
// retry_count == maxRetries must still read back retry_count == maxRetries,
// never maxRetries+1, whether it arrives at the cap via CommitFail or
// ReapExpired.
func TestRetryCountNeverExceedsMaxRetries(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := Connect(dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	repo := NewJobRepository(db)
	const maxRetries = 3

	t.Run("CommitFail", func(t *testing.T) {
		ctx := context.Background()
		id := uuid.New()
		if err := repo.InsertPending(ctx, id, "episode-1", "audio-key", nil); err != nil {
			t.Fatalf("insert pending: %v", err)
		}
		now := time.Now()
		if _, err := db.ExecContext(ctx, `UPDATE jobs SET stage = 'running', lease_holder = $1, lease_expiry = $2, retry_count = $3 WHERE id = $4`,
			"worker-1", now.Add(time.Minute), maxRetries, id); err != nil {
			t.Fatalf("seed at-cap job: %v", err)
		}

		ok, err := repo.CommitFail(ctx, id, "worker-1", "decode error", true, maxRetries)
		if err != nil {
			t.Fatalf("commit fail: %v", err)
		}
		if !ok {
			t.Fatalf("expected commit fail to succeed")
		}

		job, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get by id: %v", err)
		}
		if job.Stage != models.StageFailed {
			t.Fatalf("expected terminal failed stage, got %s", job.Stage)
		}
		if job.RetryCount != maxRetries {
			t.Fatalf("expected retry_count to stay at cap %d, got %d", maxRetries, job.RetryCount)
		}
	})

	t.Run("ReapExpired", func(t *testing.T) {
		ctx := context.Background()
		id := uuid.New()
		if err := repo.InsertPending(ctx, id, "episode-2", "audio-key", nil); err != nil {
			t.Fatalf("insert pending: %v", err)
		}
		now := time.Now()
		if _, err := db.ExecContext(ctx, `UPDATE jobs SET stage = 'running', lease_holder = $1, lease_expiry = $2, retry_count = $3 WHERE id = $4`,
			"worker-1", now.Add(-time.Minute), maxRetries, id); err != nil {
			t.Fatalf("seed at-cap expired job: %v", err)
		}

		if _, err := repo.ReapExpired(ctx, now, maxRetries); err != nil {
			t.Fatalf("reap expired: %v", err)
		}

		job, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get by id: %v", err)
		}
		if job.Stage != models.StageFailed {
			t.Fatalf("expected terminal failed stage, got %s", job.Stage)
		}
		if job.RetryCount != maxRetries {
			t.Fatalf("expected retry_count to stay at cap %d, got %d", maxRetries, job.RetryCount)
		}
	})
}

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeReaperJobs struct {
	terminal  map[uuid.UUID][]string
	reapCount int
}

func (f *fakeReaperJobs) ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int, error) {
	return f.reapCount, nil
}

func (f *fakeReaperJobs) TerminalJobsWithArtifactKeys(ctx context.Context) (map[uuid.UUID][]string, error) {
	return f.terminal, nil
}

type fakeSweeperStore struct {
	present map[string]bool
	deleted map[string]bool
}

func newFakeSweeperStore() *fakeSweeperStore {
	return &fakeSweeperStore{present: map[string]bool{}, deleted: map[string]bool{}}
}

func (s *fakeSweeperStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.present[key], nil
}

func (s *fakeSweeperStore) Delete(ctx context.Context, key string) error {
	s.deleted[key] = true
	delete(s.present, key)
	return nil
}

func TestSweepOrphansDeletesUnrecordedBlob(t *testing.T) {
	jobID := uuid.New()
	textKey := jobID.String() + ".txt.gz"

	store := newFakeSweeperStore()
	store.present[textKey] = true

	jobs := &fakeReaperJobs{terminal: map[uuid.UUID][]string{jobID: nil}}

	sweepOrphans(context.Background(), jobs, store)

	if !store.deleted[textKey] {
		t.Fatalf("expected orphan blob %s to be deleted", textKey)
	}
}

func TestSweepOrphansLeavesRecordedBlobAlone(t *testing.T) {
	jobID := uuid.New()
	textKey := jobID.String() + ".txt.gz"

	store := newFakeSweeperStore()
	store.present[textKey] = true

	jobs := &fakeReaperJobs{terminal: map[uuid.UUID][]string{jobID: {textKey}}}

	sweepOrphans(context.Background(), jobs, store)

	if store.deleted[textKey] {
		t.Fatal("did not expect a recorded artifact key to be deleted")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	jobs := &fakeReaperJobs{terminal: map[uuid.UUID][]string{}}
	store := newFakeSweeperStore()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, jobs, store, time.Millisecond, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after ctx is cancelled")
	}
}

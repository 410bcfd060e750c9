package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/audiolease/transcribe/internal/models"
	"github.com/google/uuid"
)

type fakeStore struct {
	objects map[string][]byte
	deleted map[string]bool
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, deleted: map[string]bool{}}
}

func (s *fakeStore) Put(ctx context.Context, key string, r io.Reader) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.deleted[key] = true
	delete(s.objects, key)
	return nil
}

type fakeCompleter struct {
	ok  bool
	err error
}

func (c *fakeCompleter) Complete(ctx context.Context, jobID uuid.UUID, workerID, textKey string, segmentsKey, summary *string) (bool, error) {
	return c.ok, c.err
}

func TestUploadSuccess(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{ok: true}
	u := New(store, completer, nil, nil)

	jobID := uuid.New()
	err := u.Upload(context.Background(), jobID, "worker-1", "hello world", []models.Segment{{Start: 0, End: 1, Text: "hello world"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.objects) != 2 {
		t.Fatalf("expected 2 uploaded artifacts, got %d", len(store.objects))
	}

	for key, data := range store.objects {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("artifact %s is not valid gzip: %v", key, err)
		}
		gr.Close()
	}
}

func TestUploadCleansUpOnLeaseLost(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{ok: false}
	u := New(store, completer, nil, nil)

	jobID := uuid.New()
	err := u.Upload(context.Background(), jobID, "worker-1", "hello world", nil)
	if err == nil {
		t.Fatal("expected an error when the commit is rejected")
	}
	if len(store.objects) != 0 {
		t.Fatalf("expected blobs to be cleaned up, got %d remaining", len(store.objects))
	}
	if len(store.deleted) != 2 {
		t.Fatalf("expected 2 deletes, got %d", len(store.deleted))
	}
}

func TestUploadUsesFormatterAndSummarizer(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{ok: true}
	formatter := stubFormatter{out: "FORMATTED"}
	summarizer := stubSummarizer{out: "a summary"}
	u := New(store, completer, formatter, summarizer)

	jobID := uuid.New()
	if err := u.Upload(context.Background(), jobID, "worker-1", "raw text", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type stubFormatter struct{ out string }

func (f stubFormatter) Format(ctx context.Context, text string) (string, error) { return f.out, nil }

type stubSummarizer struct{ out string }

func (s stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.out, nil
}

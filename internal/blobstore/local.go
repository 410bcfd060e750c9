package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/google/uuid"
)

// LocalStore is a flat-directory Store backed by the local filesystem. Put
// writes to a sibling temp file and renames it into place, fsync'ing both
// the file and the directory so a successful return is durable.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.IO, "create blob store root", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, key)
}

// Put streams r to key via a temp-file-then-rename, so a reader never
// observes a partially written object at key.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) error {
	tmpName := filepath.Join(s.root, "."+key+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errs.New(errs.IO, "create temp blob file", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpName)
		return errs.New(errs.IO, "write blob", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return errs.New(errs.IO, "fsync blob", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.IO, "close blob", err)
	}

	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.IO, "rename blob into place", err)
	}

	if err := syncDir(s.root); err != nil {
		return errs.New(errs.IO, "fsync blob store root", err)
	}

	return nil
}

// Get opens key for reading.
func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, errs.New(errs.NotFound, "blob not found: "+key, err)
	}
	if err != nil {
		return nil, errs.New(errs.IO, "open blob", err)
	}
	return f, nil
}

// Exists reports whether key is present.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.New(errs.IO, "stat blob", err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errs.New(errs.IO, "delete blob", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Package storage moves finished archives to and from remote storage.
// Ingestion writes archives locally first; nothing in this package runs
// while tiling is in progress.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosilico/ingest/internal/model"
)

// Store is a flat key/value blob store.
type Store interface {
	// Put stores size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// UploadError reports a failed Put.
type UploadError struct {
	Key string
	// Status is the remote status code, 0 when the failure was local.
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upload of %s failed with status %d: %v", e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("upload of %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a failed Get.
type DownloadError struct {
	Key    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download of %s failed with status %d: %v", e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("download of %s failed: %v", e.Key, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ErrInvalidKey is returned for keys that would escape a store's namespace.
var ErrInvalidKey = errors.New("invalid storage key")

// CheckKey rejects empty keys and keys with parent references.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Wrapf(ErrInvalidKey, "%q", key)
		}
	}
	return nil
}

// FileStore keeps blobs as files below a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create storage directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file backing key.
func (s *FileStore) Path(key string) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Put writes to a temporary file and renames it into place, so readers
// never observe a partial blob.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	p, err := s.Path(key)
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &UploadError{Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = errors.Newf("wrote %d bytes, expected %d", n, size)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	return f, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// PutFile uploads the file at path under key.
func PutFile(ctx context.Context, s Store, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &UploadError{Key: key, Err: err}
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, &UploadError{Key: key, Err: err}
	}
	return st.Size(), s.Put(ctx, key, f, st.Size())
}

// Download copies the blob under key to path.
func Download(ctx context.Context, s Store, key, path string) error {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return &DownloadError{Key: key, Err: err}
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: rc}); err != nil {
		f.Close()
		os.Remove(path)
		return &DownloadError{Key: key, Err: err}
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

// UploadOptions controls UploadBundle.
type UploadOptions struct {
	Concurrency int
	Logger      *zap.Logger
}

// UploadBundle uploads every archive of b under its storage key. The first
// failure cancels the remaining uploads.
func UploadBundle(ctx context.Context, s Store, b *model.Bundle, opts UploadOptions) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))
	for _, ref := range b.Archives() {
		g.Go(func() error {
			if ref.LocalPath == "" {
				return errors.AssertionFailedf("archive %s has no local path", ref.Key)
			}
			start := time.Now()
			n, err := PutFile(ctx, s, ref.Key, ref.LocalPath)
			if err != nil {
				return err
			}
			log.Info("uploaded archive",
				zap.String("key", ref.Key),
				zap.String("size", humanize.Bytes(uint64(n))),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	return g.Wait()
}

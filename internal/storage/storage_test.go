package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilico/ingest/internal/model"
)

type fakeS3 struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{data: make(map[string][]byte)}
}

func (s *fakeS3) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if bucketName != "archives" {
		return minio.UploadInfo{}, minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[objectName] = data
	return minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

func (s *fakeS3) FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error {
	s.mu.Lock()
	data, ok := s.data[objectName]
	s.mu.Unlock()
	if !ok {
		return minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	}
	return os.WriteFile(filePath, data, 0o644)
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCheckKey(t *testing.T) {
	for _, key := range []string{"a.zarr.zip", "exp/a.zarr.zip"} {
		assert.NoError(t, CheckKey(key), key)
	}
	for _, key := range []string{"", "/abs", "../up", "a//b", "a/./b", `a\b`} {
		assert.True(t, errors.Is(CheckKey(key), ErrInvalidKey), key)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "exp/one.zarr.zip", strings.NewReader("hello"), 5))
	rc, err := s.Get(ctx, "exp/one.zarr.zip")
	require.NoError(t, err)
	assert.Equal(t, "hello", readAll(t, rc))

	err = s.Put(ctx, "short", strings.NewReader("abc"), 10)
	var up *UploadError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, "short", up.Key)
	_, err = s.Get(ctx, "short")
	var down *DownloadError
	require.True(t, errors.As(err, &down))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = s.Put(ctx, "../escape", strings.NewReader(""), 0)
	assert.True(t, errors.Is(err, ErrInvalidKey))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are removed")
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "archives", t.TempDir())

	require.NoError(t, s.Put(ctx, "a.zarr.zip", strings.NewReader("payload"), 7))
	assert.Equal(t, []byte("payload"), fake.data["a.zarr.zip"])

	rc, err := s.Get(ctx, "a.zarr.zip")
	require.NoError(t, err)
	assert.Equal(t, "payload", readAll(t, rc))
	entries, err := os.ReadDir(s.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "downloads are removed on close")

	_, err = s.Get(ctx, "missing.zarr.zip")
	var down *DownloadError
	require.True(t, errors.As(err, &down))
	assert.Equal(t, http.StatusNotFound, down.Status)

	denied := NewS3StoreWithClient(fake, "other", t.TempDir())
	err = denied.Put(ctx, "a.zarr.zip", strings.NewReader("x"), 1)
	var up *UploadError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusForbidden, up.Status)
}

func TestSignedURLStore(t *testing.T) {
	var mu sync.Mutex
	blobs := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/objects/")
		mu.Lock()
		defer mu.Unlock()
		switch {
		case key == "forbidden.zarr.zip":
			http.Error(w, "denied", http.StatusForbidden)
		case r.Method == http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			blobs[key] = data
		case r.Method == http.MethodGet:
			data, ok := blobs[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s := NewSignedURLStore(URLPattern{PutBase: srv.URL + "/objects/", GetBase: srv.URL + "/objects/"}, srv.Client())
	require.NoError(t, s.Put(ctx, "a.zarr.zip", bytes.NewReader([]byte("zip")), 3))
	rc, err := s.Get(ctx, "a.zarr.zip")
	require.NoError(t, err)
	assert.Equal(t, "zip", readAll(t, rc))

	err = s.Put(ctx, "forbidden.zarr.zip", strings.NewReader("x"), 1)
	var up *UploadError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusForbidden, up.Status)

	_, err = s.Get(ctx, "nothing.zarr.zip")
	var down *DownloadError
	require.True(t, errors.As(err, &down))
	assert.Equal(t, http.StatusNotFound, down.Status)
}

func TestUploadBundle(t *testing.T) {
	dir := t.TempDir()
	b := model.NewBundle(model.NewExperiment("exp", "Xenium", "1.0", time.Time{}, nil))
	img := model.NewImage(b.Experiment.ID, "dapi", model.ImageMetadata{}, dir)
	layer := model.NewLayer(b.Experiment.ID, "cells", false, dir)
	b.AddImage(img)
	b.AddLayer(layer)
	for _, p := range []string{img.LocalPath, layer.LocalPath} {
		require.NoError(t, os.WriteFile(p, []byte(filepath.Base(p)), 0o644))
	}

	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "archives", dir)
	require.NoError(t, UploadBundle(context.Background(), s, b, UploadOptions{Concurrency: 2}))
	assert.Equal(t, []byte(img.Path), fake.data[img.Path])
	assert.Equal(t, []byte(layer.Path), fake.data[layer.Path])

	missing := model.NewLayer(b.Experiment.ID, "gone", true, filepath.Join(dir, "nowhere"))
	b.AddLayer(missing)
	err := UploadBundle(context.Background(), s, b, UploadOptions{})
	var up *UploadError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, missing.Path, up.Key)
}

package storage

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 is the subset of minio.Client used by S3Store, so tests only fake
// what is needed.
type S3 interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// S3Config locates a bucket on an S3 compatible service.
type S3Config struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
	Secret   string `yaml:"secret"`
	Bucket   string `yaml:"bucket"`
	Secure   bool   `yaml:"secure"`
}

// S3Store stores blobs as objects of one bucket.
type S3Store struct {
	client S3
	bucket string
	// tempDir receives downloads before they are handed to callers.
	tempDir string
}

// NewS3Store connects to the bucket described by cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Key, cfg.Secret, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create S3 client for %s", cfg.Endpoint)
	}
	client.SetAppInfo("cosilico-ingest", "0.1")
	return NewS3StoreWithClient(client, cfg.Bucket, ""), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3, bucket, tempDir string) *S3Store {
	return &S3Store{client: client, bucket: bucket, tempDir: tempDir}
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := CheckKey(key); err != nil {
		return &UploadError{Key: key, Err: err}
	}
	opts := minio.PutObjectOptions{ContentType: "application/zip"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return &UploadError{Key: key, Status: minio.ToErrorResponse(err).StatusCode, Err: err}
	}
	return nil
}

// Get downloads the object to a temporary file that is removed on Close.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := CheckKey(key); err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(s.tempDir, "download-*")
	if err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	tmp.Close()
	if err := s.client.FGetObject(ctx, s.bucket, key, tmp.Name(), minio.GetObjectOptions{}); err != nil {
		os.Remove(tmp.Name())
		return nil, &DownloadError{Key: key, Status: minio.ToErrorResponse(err).StatusCode, Err: err}
	}
	f, err := os.Open(tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return nil, &DownloadError{Key: key, Err: err}
	}
	return &tempFile{File: f}, nil
}

type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rerr := os.Remove(t.Name()); err == nil {
		err = rerr
	}
	return err
}

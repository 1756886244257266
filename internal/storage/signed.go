package storage

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Signer issues short-lived URLs for one key.
type Signer interface {
	SignPut(ctx context.Context, key string) (string, error)
	SignGet(ctx context.Context, key string) (string, error)
}

// SignedURLStore transfers blobs with plain HTTP requests against URLs
// issued by a Signer. Any status other than 200 is a failure.
type SignedURLStore struct {
	signer Signer
	client *http.Client
}

// NewSignedURLStore uses http.DefaultClient when client is nil.
func NewSignedURLStore(signer Signer, client *http.Client) *SignedURLStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &SignedURLStore{signer: signer, client: client}
}

func (s *SignedURLStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	url, err := s.signer.SignPut(ctx, key)
	if err != nil {
		return &UploadError{Key: key, Err: errors.Wrap(err, "failed to sign upload")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/zip")
	resp, err := s.client.Do(req)
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UploadError{Key: key, Status: resp.StatusCode, Err: errors.Newf("%s", body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *SignedURLStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	url, err := s.signer.SignGet(ctx, key)
	if err != nil {
		return nil, &DownloadError{Key: key, Err: errors.Wrap(err, "failed to sign download")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DownloadError{Key: key, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DownloadError{Key: key, Status: resp.StatusCode, Err: errors.Newf("%s", body)}
	}
	return resp.Body, nil
}

// URLPattern signs by substituting the key into fixed base URLs, for
// servers that accept unsigned requests such as the archive server.
type URLPattern struct {
	PutBase string
	GetBase string
}

func (p URLPattern) SignPut(_ context.Context, key string) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	return p.PutBase + key, nil
}

func (p URLPattern) SignGet(_ context.Context, key string) (string, error) {
	if err := CheckKey(key); err != nil {
		return "", err
	}
	return p.GetBase + key, nil
}

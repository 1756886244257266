// Package zarr reads and writes Zarr v3 arrays and groups on a key/value store.
package zarr

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by stores for absent keys.
var ErrNotFound = errors.New("zarr: key not found")

// Store is the key/value backend of a hierarchy.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Lister is implemented by stores that can enumerate keys.
type Lister interface {
	// Children returns the immediate child names below prefix.
	Children(prefix string) []string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	return v, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) Children(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return childNames(prefix, func(yield func(string)) {
		for k := range s.data {
			yield(k)
		}
	})
}

// childNames collects the distinct first path segments of keys under prefix.
func childNames(prefix string, keys func(func(string))) []string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := make(map[string]struct{})
	keys(func(k string) {
		if !strings.HasPrefix(k, prefix) {
			return
		}
		rest := k[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = struct{}{}
		}
	})
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ChildNames exposes the prefix enumeration used by Lister implementations.
func ChildNames(prefix string, keys []string) []string {
	return childNames(prefix, func(yield func(string)) {
		for _, k := range keys {
			yield(k)
		}
	})
}

var (
	codecOnce sync.Once
	codecEnc  *zstd.Encoder
	codecDec  *zstd.Decoder
	codecErr  error
)

// codec returns the process-wide zstd encoder and decoder. EncodeAll and
// DecodeAll are safe for concurrent use.
func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		codecEnc, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = errors.Wrap(codecErr, "failed to create zstd encoder")
			return
		}
		codecDec, codecErr = zstd.NewReader(nil)
		if codecErr != nil {
			codecErr = errors.Wrap(codecErr, "failed to create zstd decoder")
		}
	})
	return codecEnc, codecDec, codecErr
}

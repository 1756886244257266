// Package cache keeps encoded archive responses in memory for the archive
// server.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	AttrsCacheSize   int
}

// Manager holds two caches: a byte-bounded one for tile payloads and a small
// entry-bounded one for archive attributes.
type Manager struct {
	chunks *bigcache.BigCache
	attrs  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChunkTTL <= 0 {
		return nil, errors.AssertionFailedf("chunk ttl must be positive, got %s", cfg.ChunkTTL)
	}
	chunkCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunks, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chunk cache")
	}

	attrs, err := lru.New[string, []byte](cfg.AttrsCacheSize)
	if err != nil {
		chunks.Close()
		return nil, errors.Wrap(err, "failed to create attrs cache")
	}

	return &Manager{chunks: chunks, attrs: attrs}, nil
}

// GetChunk retrieves a tile payload from cache.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunks.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores a tile payload in cache.
func (m *Manager) SetChunk(key string, data []byte) error {
	return m.chunks.Set(key, data)
}

func (m *Manager) GetAttrs(archiveID string) ([]byte, bool) {
	return m.attrs.Get(archiveID)
}

func (m *Manager) SetAttrs(archiveID string, data []byte) {
	m.attrs.Add(archiveID, data)
}

// Forget drops the attributes of an archive that was replaced. Tile
// payloads age out with the chunk TTL.
func (m *Manager) Forget(archiveID string) {
	m.attrs.Remove(archiveID)
}

// ImageTileKey generates a cache key for one image tile.
func ImageTileKey(archiveID string, r, x, y, t, c, z int) string {
	return fmt.Sprintf("img:%s:%d/%d/%d:%d/%d/%d", archiveID, r, x, y, t, c, z)
}

// LayerTileKey generates a cache key for one layer tile. group is -1 for
// ungrouped layers.
func LayerTileKey(archiveID string, r, x, y, group int) string {
	if group < 0 {
		return fmt.Sprintf("obj:%s:%d/%d/%d", archiveID, r, x, y)
	}
	return fmt.Sprintf("grp:%s:%d/%d/%d:%d", archiveID, r, x, y, group)
}

// MetadataKey generates a cache key for metadata values of level r. tile is
// empty for dense metadata.
func MetadataKey(archiveID string, r int, tile string) string {
	return fmt.Sprintf("meta:%s:%d/%s", archiveID, r, tile)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.chunks.Stats()
	return map[string]interface{}{
		"chunk_cache_len":    m.chunks.Len(),
		"chunk_cache_cap":    m.chunks.Capacity(),
		"chunk_cache_hits":   s.Hits,
		"chunk_cache_misses": s.Misses,
		"attrs_cache_len":    m.attrs.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunks.Close()
}

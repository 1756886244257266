// Package service provides the read side of the archive server: it opens
// archives on demand and turns their tiles into response payloads.
package service

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/archive"
	"github.com/cosilico/ingest/internal/cache"
	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/grouped"
	"github.com/cosilico/ingest/internal/metadata"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/pyramid"
	"github.com/cosilico/ingest/internal/storage"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// ErrNotFound is returned for unknown archives and tiles that were never
// written.
var ErrNotFound = errors.New("not found")

// ErrBadRequest is returned when a request does not fit the archive kind.
var ErrBadRequest = errors.New("bad request")

// Kind tells what an archive holds.
type Kind string

const (
	KindImage     Kind = "image"
	KindGrouped   Kind = "grouped_layer"
	KindUngrouped Kind = "ungrouped_layer"
	KindMetadata  Kind = "metadata"
)

// ArchiveServiceConfig contains archive service configuration.
type ArchiveServiceConfig struct {
	Store *storage.FileStore
	Cache *cache.Manager
	// OpenArchives bounds the number of archive files held open.
	OpenArchives int
	Logger       *zap.Logger
}

// ArchiveService serves the content of archives kept in a FileStore.
type ArchiveService struct {
	store *storage.FileStore
	cache *cache.Manager
	log   *zap.Logger

	mu   sync.Mutex
	open *lru.Cache[string, *handle]
}

// handle keeps an evicted reader open until its last user releases it.
type handle struct {
	r       *archive.Reader
	kind    Kind
	refs    int
	evicted bool
}

// NewArchiveService creates a new archive service.
func NewArchiveService(cfg ArchiveServiceConfig) (*ArchiveService, error) {
	if cfg.Store == nil || cfg.Cache == nil {
		return nil, errors.AssertionFailedf("archive service needs a store and a cache")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &ArchiveService{store: cfg.Store, cache: cfg.Cache, log: log}
	open, err := lru.NewWithEvict[string, *handle](max(cfg.OpenArchives, 1), s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create archive cache")
	}
	s.open = open
	return s, nil
}

// onEvict runs with s.mu held.
func (s *ArchiveService) onEvict(id string, h *handle) {
	h.evicted = true
	if h.refs == 0 {
		s.closeHandle(id, h)
	}
}

func (s *ArchiveService) closeHandle(id string, h *handle) {
	if err := h.r.Close(); err != nil {
		s.log.Warn("failed to close archive", zap.String("archive", id), zap.Error(err))
	}
}

func (s *ArchiveService) acquire(id string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.open.Get(id); ok {
		h.refs++
		return h, nil
	}
	p, err := s.store.Path(model.ArchiveKey(id))
	if err != nil {
		return nil, errors.Mark(err, ErrBadRequest)
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "archive %s", id)
	}
	r, err := archive.Open(p)
	if err != nil {
		return nil, err
	}
	kind, err := detectKind(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	h := &handle{r: r, kind: kind, refs: 1}
	s.open.Add(id, h)
	return h, nil
}

func (s *ArchiveService) release(id string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.refs--
	if h.evicted && h.refs == 0 {
		s.closeHandle(id, h)
	}
}

// Forget closes the archive id and drops its cached attributes, so a
// replaced file is reopened on the next request.
func (s *ArchiveService) Forget(id string) {
	s.mu.Lock()
	s.open.Remove(id)
	s.mu.Unlock()
	s.cache.Forget(id)
}

// Close closes every open archive.
func (s *ArchiveService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open.Purge()
}

type rootProbe struct {
	OME       json.RawMessage `json:"ome"`
	IsGrouped *bool           `json:"is_grouped"`
	LayerID   string          `json:"layer_id"`
}

func detectKind(r *archive.Reader) (Kind, error) {
	var p rootProbe
	if err := r.Attrs("", &p); err != nil {
		return "", err
	}
	switch {
	case len(p.OME) > 0:
		return KindImage, nil
	case p.LayerID != "":
		return KindMetadata, nil
	case p.IsGrouped != nil && *p.IsGrouped:
		return KindGrouped, nil
	case p.IsGrouped != nil:
		return KindUngrouped, nil
	}
	return "", errors.Newf("archive has unrecognized root attributes")
}

// cached returns the payload under key, computing and storing it on a miss.
func (s *ArchiveService) cached(key string, fn func() ([]byte, error)) ([]byte, error) {
	if data, ok := s.cache.GetChunk(key); ok {
		return data, nil
	}
	data, err := fn()
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetChunk(key, data); err != nil {
		s.log.Debug("tile not cached", zap.String("key", key), zap.Error(err))
	}
	return data, nil
}

func (s *ArchiveService) with(id string, want []Kind, fn func(h *handle) ([]byte, error)) ([]byte, error) {
	h, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.release(id, h)
	if len(want) > 0 {
		ok := false
		for _, k := range want {
			ok = ok || h.kind == k
		}
		if !ok {
			return nil, errors.Mark(errors.Newf("archive %s is a %s", id, h.kind), ErrBadRequest)
		}
	}
	data, err := fn(h)
	if errors.Is(err, zarr.ErrNotFound) {
		return nil, errors.Mark(err, ErrNotFound)
	}
	return data, err
}

// Info describes an archive.
type Info struct {
	ID    string          `json:"id"`
	Kind  Kind            `json:"kind"`
	Attrs json.RawMessage `json:"attrs"`
}

// Info returns the kind and root attributes of archive id as JSON.
func (s *ArchiveService) Info(id string) ([]byte, error) {
	if data, ok := s.cache.GetAttrs(id); ok {
		return data, nil
	}
	data, err := s.with(id, nil, func(h *handle) ([]byte, error) {
		var attrs json.RawMessage
		if err := h.r.Attrs("", &attrs); err != nil {
			return nil, err
		}
		return json.Marshal(Info{ID: id, Kind: h.kind, Attrs: attrs})
	})
	if err != nil {
		return nil, err
	}
	s.cache.SetAttrs(id, data)
	return data, nil
}

// ImageTile holds the raw little-endian samples of one TileSize x TileSize
// image tile.
type ImageTile struct {
	DataType zarr.DataType
	TileSize int
	Data     []byte
}

// ImageTile returns tile (x, y) of resolution r for plane (t, c, z).
func (s *ArchiveService) ImageTile(id string, r, x, y, t, c, z int) (*ImageTile, error) {
	var tile *ImageTile
	_, err := s.with(id, []Kind{KindImage}, func(h *handle) ([]byte, error) {
		arr, err := zarr.OpenArray(h.r, pyramid.LevelPath(r))
		if err != nil {
			return nil, err
		}
		shape := arr.Shape()
		if len(shape) != 7 {
			return nil, errors.Newf("level %d has shape %v", r, shape)
		}
		idx := []int{x, y, t, c, z, 0, 0}
		for i, v := range idx[:5] {
			if v < 0 || v >= shape[i] {
				return nil, errors.Mark(errors.Newf("tile index %v outside %v", idx[:5], shape[:5]), ErrNotFound)
			}
		}
		data, err := s.cached(cache.ImageTileKey(id, r, x, y, t, c, z), func() ([]byte, error) {
			return arr.ReadChunk(idx)
		})
		if err != nil {
			return nil, err
		}
		tile = &ImageTile{DataType: arr.Meta().DataType, TileSize: shape[6], Data: data}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return tile, nil
}

// GroupedTileResponse is the JSON form of one tile group.
type GroupedTileResponse struct {
	IDs          []string  `json:"ids"`
	FeatureIndex []uint32  `json:"feature_index"`
	Location     []float32 `json:"location"`
	Count        []uint32  `json:"count"`
}

// ObjectTileResponse is the JSON form of one ungrouped tile.
type ObjectTileResponse struct {
	IDs      []string  `json:"ids"`
	Vertices []float32 `json:"vertices"`
	Shape    []int     `json:"shape"`
}

// LayerTile returns tile (x, y) of resolution r as JSON. group selects the
// feature group of grouped layers and must be negative for ungrouped ones.
func (s *ArchiveService) LayerTile(id string, r int, x, y int64, group int) ([]byte, error) {
	return s.with(id, []Kind{KindGrouped, KindUngrouped}, func(h *handle) ([]byte, error) {
		if (h.kind == KindGrouped) != (group >= 0) {
			return nil, errors.Mark(errors.Newf("group is required exactly for grouped layers"), ErrBadRequest)
		}
		return s.cached(cache.LayerTileKey(id, r, int(x), int(y), group), func() ([]byte, error) {
			if group >= 0 {
				b, err := grouped.ReadBatch(h.r, r, x, y, uint32(group))
				if err != nil {
					return nil, err
				}
				return json.Marshal(GroupedTileResponse{IDs: b.IDs, FeatureIndex: b.FeatureIndex, Location: b.Location, Count: b.Count})
			}
			t, err := ungrouped.ReadTile(h.r, r, x, y)
			if err != nil {
				return nil, err
			}
			return json.Marshal(ObjectTileResponse{IDs: t.IDs, Vertices: t.Vertices, Shape: t.Shape})
		})
	})
}

// MetadataResponse is the JSON form of metadata values. Dense levels fill
// Values (and Shape) or Categories; sparse tiles fill IDs, FeatureIndices
// and Values.
type MetadataResponse struct {
	Values         []float32 `json:"values,omitempty"`
	Shape          []int     `json:"shape,omitempty"`
	Categories     []uint32  `json:"categories,omitempty"`
	IDs            []string  `json:"ids,omitempty"`
	FeatureIndices []uint32  `json:"feature_indices,omitempty"`
}

// Metadata returns the values of level r. tile names a layer tile
// ("<x>_<y>") and is required for sparse metadata only.
func (s *ArchiveService) Metadata(id string, r int, tile string) ([]byte, error) {
	return s.with(id, []Kind{KindMetadata}, func(h *handle) ([]byte, error) {
		attrs, err := metadata.ReadAttrs(h.r)
		if err != nil {
			return nil, err
		}
		if attrs.IsSparse == (tile == "") {
			return nil, errors.Mark(errors.Newf("tile is required exactly for sparse metadata"), ErrBadRequest)
		}
		return s.cached(cache.MetadataKey(id, r, tile), func() ([]byte, error) {
			var resp MetadataResponse
			switch {
			case attrs.IsSparse:
				t, err := metadata.ReadTile(h.r, r, tile)
				if err != nil {
					return nil, err
				}
				resp = MetadataResponse{IDs: t.IDs, FeatureIndices: t.FeatureIndices, Values: t.Values}
			case attrs.Type == model.Categorical:
				cats, err := metadata.ReadCategories(h.r, r)
				if err != nil {
					return nil, err
				}
				resp.Categories = cats
			default:
				vals, shape, err := metadata.ReadObject(h.r, r)
				if err != nil {
					return nil, err
				}
				resp.Values, resp.Shape = vals, shape
			}
			return json.Marshal(resp)
		})
	})
}

// ParseTile validates a "<x>_<y>" tile name.
func ParseTile(tile string) (int64, int64, bool) {
	for i := 0; i < len(tile); i++ {
		if tile[i] != '_' {
			continue
		}
		x, errX := strconv.ParseInt(tile[:i], 10, 64)
		y, errY := strconv.ParseInt(tile[i+1:], 10, 64)
		return x, y, errX == nil && errY == nil && x >= 0 && y >= 0
	}
	return 0, 0, false
}

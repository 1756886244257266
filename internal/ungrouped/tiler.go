// Package ungrouped tiles object layers such as cell outlines. Each level
// stores one row per object, optionally subsampled and with simplified
// outlines.
package ungrouped

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
)

// ObjectType selects how a level stores objects.
type ObjectType string

const (
	Point   ObjectType = "point"
	Polygon ObjectType = "polygon"
)

// LevelOptions configures one resolution level.
type LevelOptions struct {
	// MaxVertices bounds polygon vertices and is the vertex count every
	// polygon of the level is padded to. Non-positive keeps all vertices
	// and pads to the largest outline of the level.
	MaxVertices int
	// Downsample is the number of objects kept; non-positive keeps all.
	Downsample int
	ObjectType ObjectType
}

// Options controls ungrouped tiling.
type Options struct {
	Name        string
	Resolutions []int
	// Levels is keyed by resolution. Missing levels keep every object as a
	// full polygon.
	Levels  map[int]LevelOptions
	Seed    uint64
	Workers int
	Logger  *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) level(r int) LevelOptions {
	l := o.Levels[r]
	if l.ObjectType == "" {
		l.ObjectType = Polygon
	}
	return l
}

func (o Options) validate() error {
	if len(o.Resolutions) == 0 {
		return errors.AssertionFailedf("no resolutions")
	}
	for i, r := range o.Resolutions {
		if r <= 0 || (i > 0 && r <= o.Resolutions[i-1]) {
			return errors.AssertionFailedf("resolutions must be positive and strictly increasing: %v", o.Resolutions)
		}
	}
	for r, l := range o.Levels {
		switch l.ObjectType {
		case "", Point, Polygon:
		default:
			return errors.AssertionFailedf("level %d: unknown object type %q", r, l.ObjectType)
		}
	}
	return nil
}

// Attrs is the root attribute document of an ungrouped layer archive.
type Attrs struct {
	Version     string       `json:"version"`
	Name        string       `json:"name"`
	IsGrouped   bool         `json:"is_grouped"`
	Resolutions []int        `json:"resolutions"`
	TileSize    int          `json:"tile_size"`
	ObjectTypes []ObjectType `json:"object_types"`
	MaxVertices []int        `json:"max_vertices"`
	// Vertices is the stored vertex count per level; 0 for point levels.
	Vertices   []int `json:"vertices"`
	Downsample []int `json:"downsample"`
}

// Level is what was written for one resolution.
type Level struct {
	Resolution int
	// IDs is the object order of the level, tile by tile.
	IDs      []string
	Vertices int
	Tiles    int
}

// Layer summarizes a written ungrouped layer.
type Layer struct {
	Levels []Level
}

// CanonicalIDs returns the id order of the finest level.
func (l *Layer) CanonicalIDs() []string {
	return l.Levels[0].IDs
}

// TilePath returns the node of one tile at level r.
func TilePath(r int, tx, ty int64) string {
	return zarr.Join("zooms", strconv.Itoa(r), strconv.FormatInt(tx, 10)+"_"+strconv.FormatInt(ty, 10))
}

// IDsPath returns the id array of level r.
func IDsPath(r int) string {
	return zarr.Join("metadata", "ids", strconv.Itoa(r))
}

// Tiler writes ungrouped object layers.
type Tiler struct {
	opts Options
}

// NewTiler validates opts and returns a Tiler.
func NewTiler(opts Options) (*Tiler, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Tiler{opts: opts}, nil
}

type tileKey struct{ tx, ty int64 }

// Write tiles objects into s, one level per resolution.
func (t *Tiler) Write(ctx context.Context, objects *table.Objects, s zarr.Store) (*Layer, error) {
	if err := objects.Validate(); err != nil {
		return nil, err
	}
	reps := make([]orb.Point, objects.Len())
	for i, r := range objects.Rings {
		reps[i] = Representative(r)
	}

	layer := &Layer{}
	attrs := Attrs{
		Version:     model.Version,
		Name:        t.opts.Name,
		Resolutions: t.opts.Resolutions,
		TileSize:    t.opts.Resolutions[0],
	}
	for _, r := range t.opts.Resolutions {
		l := t.opts.level(r)
		level, err := t.writeLevel(ctx, r, l, objects, reps, s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write level %d", r)
		}
		layer.Levels = append(layer.Levels, *level)
		attrs.ObjectTypes = append(attrs.ObjectTypes, l.ObjectType)
		attrs.MaxVertices = append(attrs.MaxVertices, l.MaxVertices)
		attrs.Vertices = append(attrs.Vertices, level.Vertices)
		attrs.Downsample = append(attrs.Downsample, l.Downsample)
	}
	if err := zarr.CreateGroup(s, "", attrs); err != nil {
		return nil, errors.Wrap(err, "failed to write layer attributes")
	}
	return layer, nil
}

func (t *Tiler) writeLevel(ctx context.Context, r int, l LevelOptions, objects *table.Objects, reps []orb.Point, s zarr.Store) (*Level, error) {
	start := time.Now()
	n := l.Downsample
	if n <= 0 {
		n = -1
	}
	keep := Sample(objects.IDs, n, t.opts.Seed)

	tiles := make(map[tileKey][]int)
	for _, i := range keep {
		k := tileKey{tx: floorDiv(reps[i][0], r), ty: floorDiv(reps[i][1], r)}
		tiles[k] = append(tiles[k], i)
	}
	keys := make([]tileKey, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].tx != keys[b].tx {
			return keys[a].tx < keys[b].tx
		}
		return keys[a].ty < keys[b].ty
	})

	vertices := 0
	switch {
	case l.ObjectType != Polygon:
	case l.MaxVertices > 0:
		vertices = l.MaxVertices
	default:
		for _, i := range keep {
			vertices = max(vertices, len(objects.Rings[i]))
		}
	}

	level := &Level{Resolution: r, Vertices: vertices, Tiles: len(keys), IDs: make([]string, 0, len(keep))}
	for _, k := range keys {
		for _, i := range tiles[k] {
			level.IDs = append(level.IDs, objects.IDs[i])
		}
	}

	var written atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.workers())
	for _, k := range keys {
		rows := tiles[k]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := writeTile(s, TilePath(r, k.tx, k.ty), l.ObjectType, vertices, objects, reps, rows, l.MaxVertices); err != nil {
				return err
			}
			written.Add(int64(len(rows)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := zarr.WriteStrings(s, IDsPath(r), level.IDs, 0); err != nil {
		return nil, err
	}

	t.opts.logger().Info("wrote object level",
		zap.String("layer", t.opts.Name),
		zap.Int("resolution", r),
		zap.Int64("objects", written.Load()),
		zap.Int("tiles", len(keys)),
		zap.String("type", string(l.ObjectType)),
		zap.Int("vertices", vertices),
		zap.Duration("elapsed", time.Since(start)))
	return level, nil
}

func writeTile(s zarr.Store, p string, typ ObjectType, vertices int, objects *table.Objects, reps []orb.Point, rows []int, maxVertices int) error {
	ids := make([]string, len(rows))
	for j, i := range rows {
		ids[j] = objects.IDs[i]
	}
	if err := zarr.CreateGroup(s, p, nil); err != nil {
		return err
	}
	if err := zarr.WriteStrings(s, zarr.Join(p, "id"), ids, 0); err != nil {
		return err
	}

	if typ == Point {
		coords := make([]float32, 0, 2*len(rows))
		for _, i := range rows {
			coords = append(coords, float32(reps[i][0]), float32(reps[i][1]))
		}
		return zarr.WriteMatrix(s, zarr.Join(p, "vertices"), coords, len(rows), 2, 0)
	}

	coords := make([]float32, 0, 2*vertices*len(rows))
	for _, i := range rows {
		ring := Simplify(objects.Rings[i], maxVertices)
		for v := 0; v < vertices; v++ {
			pt := ring[min(v, len(ring)-1)]
			coords = append(coords, float32(pt[0]), float32(pt[1]))
		}
	}
	shape := []int{len(rows), vertices, 2}
	return zarr.WriteArray(s, zarr.Join(p, "vertices"), coords, shape, shape)
}

func floorDiv(v float64, size int) int64 {
	return int64(math.Floor(v / float64(size)))
}

package grouped

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lanrat/extsort"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/aggregate"
	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
)

// Options controls grouped tiling. Resolutions, GroupSizes and BinSizes
// are per level; BinSizes needs an entry for every level but the finest.
type Options struct {
	Name        string
	Resolutions []int
	GroupSizes  []int
	BinSizes    map[int]int
	// ImageWidth and ImageHeight are recorded in the attributes.
	ImageWidth, ImageHeight int

	// TargetColumns are averaged per bin at coarse levels.
	TargetColumns []string
	ChunkSize     int
	UseDisk       bool
	TempDir       string
	SortChunkSize int
	Workers       int
	Logger        *zap.Logger
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

func (o Options) validate() error {
	if len(o.Resolutions) == 0 {
		return errors.AssertionFailedf("no resolutions")
	}
	for i, r := range o.Resolutions {
		if r <= 0 || (i > 0 && r <= o.Resolutions[i-1]) {
			return errors.AssertionFailedf("resolutions must be positive and strictly increasing: %v", o.Resolutions)
		}
		if i > 0 && o.BinSizes[r] <= 0 {
			return errors.AssertionFailedf("no bin size for resolution %d", r)
		}
	}
	if len(o.GroupSizes) != len(o.Resolutions) {
		return errors.AssertionFailedf("%d group sizes for %d resolutions", len(o.GroupSizes), len(o.Resolutions))
	}
	for _, g := range o.GroupSizes {
		if g <= 0 {
			return errors.AssertionFailedf("group sizes must be positive: %v", o.GroupSizes)
		}
	}
	return nil
}

// Attrs is the root attribute document of a grouped layer archive.
type Attrs struct {
	Version     string         `json:"version"`
	Name        string         `json:"name"`
	IsGrouped   bool           `json:"is_grouped"`
	Resolutions []int          `json:"resolutions"`
	TileSize    int            `json:"tile_size"`
	GroupSizes  []int          `json:"group_sizes"`
	BinSizes    map[string]int `json:"bin_sizes"`
	ImageWidth  int            `json:"image_width,omitempty"`
	ImageHeight int            `json:"image_height,omitempty"`
}

// Level is what was written for one resolution, in canonical order.
type Level struct {
	Resolution int
	IDs        []string
	Features   []uint32
	Counts     []uint32
	Groups     []uint32 // per feature
	// Targets holds the target column values aligned with IDs: raw values
	// at the finest level and bin means above it.
	Targets map[string][]float64
	Tiles   int
}

// Layer summarizes a written grouped layer.
type Layer struct {
	FeatureNames  []string
	FeatureCounts []uint32
	Levels        []Level
}

// Level returns the level written for resolution r.
func (l *Layer) Level(r int) (*Level, bool) {
	for i := range l.Levels {
		if l.Levels[i].Resolution == r {
			return &l.Levels[i], true
		}
	}
	return nil, false
}

// Tiler writes grouped point layers.
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

// TilePath returns the node of one tile group.
func TilePath(r int, tx, ty int64, group uint32) string {
	return zarr.Join("zooms", strconv.Itoa(r), CellLabel(tx, ty), strconv.FormatUint(uint64(group), 10))
}

// IDsPath returns the canonical id array of level r.
func IDsPath(r int) string {
	return zarr.Join("metadata", "ids", strconv.Itoa(r))
}

// FeatureGroupsPath returns the per-feature group array of level r.
func FeatureGroupsPath(r int) string {
	return zarr.Join("metadata", "features", "feature_groups", strconv.Itoa(r))
}

const (
	FeatureNamesPath  = "metadata/features/feature_names"
	FeatureCountsPath = "metadata/features/feature_counts"
)

// source is the record set of one level.
type source struct {
	ids     func(i int) string
	x, y    []float64
	feature []int32
	count   func(i int) uint32
	targets map[string][]float64
}

func (s *source) len() int { return len(s.x) }

// Write tiles p into s. The finest level stores the raw points; coarser
// levels store per-feature bin centroids.
func (t *Tiler) Write(ctx context.Context, p *table.Points, s zarr.Store) (*Layer, error) {
	opts := t.opts
	log := opts.logger()
	if err := p.Validate(true); err != nil {
		return nil, err
	}
	if err := p.RequireColumns(opts.TargetColumns...); err != nil {
		return nil, err
	}

	var bins []int
	for _, r := range opts.Resolutions[1:] {
		bins = append(bins, opts.BinSizes[r])
	}
	var centroids map[int]*aggregate.Centroids
	if len(bins) > 0 {
		var err error
		centroids, err = aggregate.Aggregate(ctx, p, aggregate.Options{
			BinSizes:      uniqueInts(bins),
			ChunkSize:     opts.ChunkSize,
			UseDisk:       opts.UseDisk,
			TempDir:       opts.TempDir,
			TargetColumns: opts.TargetColumns,
			ByFeature:     true,
			Logger:        log,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to aggregate coarse levels")
		}
	}

	layer := &Layer{FeatureNames: p.FeatureNames}
	for _, c := range p.FeatureCounts() {
		layer.FeatureCounts = append(layer.FeatureCounts, uint32(c))
	}

	for i, r := range opts.Resolutions {
		var src *source
		if i == 0 {
			targets := make(map[string][]float64, len(opts.TargetColumns))
			for _, name := range opts.TargetColumns {
				targets[name] = p.Columns[name]
			}
			src = &source{
				ids:     func(i int) string { return p.IDs[i] },
				x:       p.X,
				y:       p.Y,
				feature: p.FeatureIndex,
				count:   func(int) uint32 { return 1 },
				targets: targets,
			}
		} else {
			c := centroids[opts.BinSizes[r]]
			src = &source{
				ids:     func(i int) string { return BinID(c.FeatureIndex[i], c.BinX[i], c.BinY[i]) },
				x:       c.X,
				y:       c.Y,
				feature: c.FeatureIndex,
				count:   func(i int) uint32 { return uint32(c.Count[i]) },
				targets: c.Targets,
			}
		}
		level, err := t.writeLevel(ctx, r, opts.GroupSizes[i], len(p.FeatureNames), src, s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write level %d", r)
		}
		layer.Levels = append(layer.Levels, *level)
	}

	if err := t.writeMetadata(layer, s); err != nil {
		return nil, err
	}
	return layer, nil
}

func (t *Tiler) writeLevel(ctx context.Context, r, groupSize, nfeatures int, src *source, s zarr.Store) (*Level, error) {
	start := time.Now()
	counts := make([]int, nfeatures)
	for _, f := range src.feature {
		counts[f]++
	}
	groups, err := AssignGroups(counts, groupSize)
	if err != nil {
		return nil, err
	}

	level := &Level{
		Resolution: r,
		Groups:     groups,
		IDs:        make([]string, 0, src.len()),
		Features:   make([]uint32, 0, src.len()),
		Counts:     make([]uint32, 0, src.len()),
		Targets:    make(map[string][]float64, len(src.targets)),
	}
	var batch []int
	var head placement
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		level.Tiles++
		return writeBatch(s, TilePath(r, head.tx, head.ty, head.group), src, batch)
	}

	produce := func(ctx context.Context, ch chan<- extsort.SortType) error {
		for i := 0; i < src.len(); i++ {
			tx, ty := GridCell(src.x[i], src.y[i], r)
			f := src.feature[i]
			pl := placement{tx: tx, ty: ty, group: groups[f], feature: uint32(f), row: uint64(i)}
			select {
			case ch <- pl:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	consume := func(pl placement) error {
		if len(batch) > 0 && !head.sameBatch(pl) {
			if err := flush(); err != nil {
				return err
			}
			batch = batch[:0]
		}
		if len(batch) == 0 {
			head = pl
		}
		row := int(pl.row)
		batch = append(batch, row)
		level.IDs = append(level.IDs, src.ids(row))
		level.Features = append(level.Features, pl.feature)
		level.Counts = append(level.Counts, src.count(row))
		for name, col := range src.targets {
			level.Targets[name] = append(level.Targets[name], col[row])
		}
		return nil
	}
	if err := sortPlacements(ctx, t.opts, produce, consume); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := zarr.WriteStrings(s, IDsPath(r), level.IDs, 0); err != nil {
		return nil, err
	}
	if err := zarr.WriteVector(s, FeatureGroupsPath(r), groups, 0); err != nil {
		return nil, err
	}
	t.opts.logger().Info("wrote grouped level",
		zap.String("layer", t.opts.Name),
		zap.Int("resolution", r),
		zap.Int("records", src.len()),
		zap.Int("tiles", level.Tiles),
		zap.Int("groups", GroupCount(nfeatures, groupSize)),
		zap.Duration("elapsed", time.Since(start)))
	return level, nil
}

func writeBatch(s zarr.Store, p string, src *source, rows []int) error {
	ids := make([]string, len(rows))
	features := make([]uint32, len(rows))
	location := make([]float32, 0, 2*len(rows))
	counts := make([]uint32, len(rows))
	for i, row := range rows {
		ids[i] = src.ids(row)
		features[i] = uint32(src.feature[row])
		location = append(location, float32(src.x[row]), float32(src.y[row]))
		counts[i] = src.count(row)
	}
	if err := zarr.CreateGroup(s, p, nil); err != nil {
		return err
	}
	if err := zarr.WriteStrings(s, zarr.Join(p, "id"), ids, 0); err != nil {
		return err
	}
	if err := zarr.WriteVector(s, zarr.Join(p, "feature_index"), features, 0); err != nil {
		return err
	}
	if err := zarr.WriteMatrix(s, zarr.Join(p, "location"), location, len(rows), 2, 0); err != nil {
		return err
	}
	return zarr.WriteVector(s, zarr.Join(p, "count"), counts, 0)
}

func (t *Tiler) writeMetadata(layer *Layer, s zarr.Store) error {
	if err := zarr.WriteStrings(s, FeatureNamesPath, layer.FeatureNames, 0); err != nil {
		return err
	}
	if err := zarr.WriteVector(s, FeatureCountsPath, layer.FeatureCounts, 0); err != nil {
		return err
	}
	bins := make(map[string]int, len(t.opts.BinSizes))
	for r, b := range t.opts.BinSizes {
		bins[strconv.Itoa(r)] = b
	}
	attrs := Attrs{
		Version:     model.Version,
		Name:        t.opts.Name,
		IsGrouped:   true,
		Resolutions: t.opts.Resolutions,
		TileSize:    t.opts.Resolutions[0],
		GroupSizes:  t.opts.GroupSizes,
		BinSizes:    bins,
		ImageWidth:  t.opts.ImageWidth,
		ImageHeight: t.opts.ImageHeight,
	}
	if err := zarr.CreateGroup(s, "", attrs); err != nil {
		return errors.Wrap(err, "failed to write layer attributes")
	}
	return nil
}

func uniqueInts(vals []int) []int {
	seen := make(map[int]bool, len(vals))
	var out []int
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

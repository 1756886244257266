package ingest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/archive"
	"github.com/cosilico/ingest/internal/grouped"
	"github.com/cosilico/ingest/internal/metadata"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/pyramid"
	"github.com/cosilico/ingest/internal/table"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// PointsOptions controls how a grouped point layer is built.
type PointsOptions struct {
	Name string
	// TileSize is clamped to the image when the image is smaller.
	TileSize    int
	ScaleFactor int
	// InitialGroupSize is the feature group target size of the finest
	// level; coarser levels shrink it by ScaleFactor*2 per level.
	InitialGroupSize int
	// BinSize is the aggregation bin of the first coarse level.
	BinSize       int
	TargetColumns []string
	ChunkSize     int
	UseDisk       bool
	TempDir       string
	SortChunkSize int
	Workers       int
	Logger        *zap.Logger
}

// ObjectsOptions controls how an ungrouped object layer is built.
type ObjectsOptions struct {
	Name        string
	TileSize    int
	ScaleFactor int
	// Levels configures the i-th resolution. Levels past the end keep the
	// last entry.
	Levels  []ungrouped.LevelOptions
	Seed    uint64
	Workers int
	Logger  *zap.Logger
}

// Extent is the pixel size of the image a layer is drawn over.
type Extent struct {
	Width, Height int
}

func (e Extent) maxDim() int { return max(e.Width, e.Height) }

// WritePoints tiles p into a grouped layer archive in outDir.
func WritePoints(ctx context.Context, experimentID string, p *table.Points, extent Extent, outDir string, opts PointsOptions) (model.Layer, *grouped.Layer, error) {
	log := logger(opts.Logger)
	tileSize := ClampTileSize(opts.TileSize, extent.maxDim())
	resolutions := pyramid.PlanResolutions(tileSize, extent.maxDim(), opts.ScaleFactor)
	tiler, err := grouped.NewTiler(grouped.Options{
		Name:          opts.Name,
		Resolutions:   resolutions,
		GroupSizes:    GroupSizes(opts.InitialGroupSize, opts.ScaleFactor, len(resolutions)),
		BinSizes:      BinSizeMap(resolutions, opts.ScaleFactor, opts.BinSize),
		ImageWidth:    extent.Width,
		ImageHeight:   extent.Height,
		TargetColumns: opts.TargetColumns,
		ChunkSize:     opts.ChunkSize,
		UseDisk:       opts.UseDisk,
		TempDir:       opts.TempDir,
		SortChunkSize: opts.SortChunkSize,
		Workers:       opts.Workers,
		Logger:        log,
	})
	if err != nil {
		return model.Layer{}, nil, err
	}

	layer := model.NewLayer(experimentID, opts.Name, true, outDir)
	var written *grouped.Layer
	err = writeArchive(layer.LocalPath, log, func(w *archive.Writer) error {
		var err error
		written, err = tiler.Write(ctx, p, w)
		return err
	})
	if err != nil {
		return model.Layer{}, nil, errors.Wrapf(err, "failed to write point layer %q", opts.Name)
	}
	return layer, written, nil
}

// ValueColumn names a point column that gets its own metadata archive.
type ValueColumn struct {
	Column string
	// Name is the display name; the column name when empty.
	Name string
}

func (c ValueColumn) name() string {
	if c.Name == "" {
		return c.Column
	}
	return c.Name
}

// WriteGroupedMetadata writes the Count archive and one archive per value
// column of a grouped layer.
func WriteGroupedMetadata(layer model.Layer, gl *grouped.Layer, columns []ValueColumn, outDir string, log *zap.Logger) ([]model.LayerMetadata, error) {
	if !layer.IsGrouped {
		return nil, errors.AssertionFailedf("layer %q is not grouped", layer.Name)
	}
	columns = append([]ValueColumn{{Column: metadata.CountName}}, columns...)
	var out []model.LayerMetadata
	for _, c := range columns {
		name := c.name()
		lm := model.NewLayerMetadata(layer.ID, name, model.Continuous, false, []string{name}, outDir)
		err := writeArchive(lm.LocalPath, log, func(w *archive.Writer) error {
			_, err := metadata.EncodeGrouped(gl, c.Column, metadata.Options{LayerID: layer.ID, Name: name, Logger: log}, w)
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write metadata %q", name)
		}
		out = append(out, lm)
	}
	return out, nil
}

// WriteObjects tiles objects into an ungrouped layer archive in outDir.
func WriteObjects(ctx context.Context, experimentID string, objects *table.Objects, extent Extent, outDir string, opts ObjectsOptions) (model.Layer, *ungrouped.Layer, error) {
	log := logger(opts.Logger)
	tileSize := ClampTileSize(opts.TileSize, extent.maxDim())
	resolutions := pyramid.PlanResolutions(tileSize, extent.maxDim(), opts.ScaleFactor)
	levels := make(map[int]ungrouped.LevelOptions, len(resolutions))
	for i, r := range resolutions {
		switch {
		case i < len(opts.Levels):
			levels[r] = opts.Levels[i]
		case len(opts.Levels) > 0:
			levels[r] = opts.Levels[len(opts.Levels)-1]
		}
	}
	tiler, err := ungrouped.NewTiler(ungrouped.Options{
		Name:        opts.Name,
		Resolutions: resolutions,
		Levels:      levels,
		Seed:        opts.Seed,
		Workers:     opts.Workers,
		Logger:      log,
	})
	if err != nil {
		return model.Layer{}, nil, err
	}

	layer := model.NewLayer(experimentID, opts.Name, false, outDir)
	var written *ungrouped.Layer
	err = writeArchive(layer.LocalPath, log, func(w *archive.Writer) error {
		var err error
		written, err = tiler.Write(ctx, objects, w)
		return err
	})
	if err != nil {
		return model.Layer{}, nil, errors.Wrapf(err, "failed to write object layer %q", opts.Name)
	}
	return layer, written, nil
}

// EncodeMetadata aligns v to the canonical order of the ungrouped layer
// archive at layer.LocalPath and writes it to a new archive in outDir.
func EncodeMetadata(ctx context.Context, layer model.Layer, name string, v metadata.Values, outDir string, workers int, log *zap.Logger) (model.LayerMetadata, error) {
	if layer.IsGrouped {
		return model.LayerMetadata{}, errors.AssertionFailedf("layer %q is grouped; use grouped metadata", layer.Name)
	}
	parent, err := archive.Open(layer.LocalPath)
	if err != nil {
		return model.LayerMetadata{}, err
	}
	defer parent.Close()

	enc, err := metadata.NewEncoder(parent, metadata.Options{LayerID: layer.ID, Name: name, Workers: workers, Logger: log})
	if err != nil {
		return model.LayerMetadata{}, err
	}
	lm := model.NewLayerMetadata(layer.ID, name, v.Type(), v.Sparse(), v.Fields(), outDir)
	err = writeArchive(lm.LocalPath, log, func(w *archive.Writer) error {
		_, err := enc.Encode(ctx, v, w)
		return err
	})
	if err != nil {
		return model.LayerMetadata{}, errors.Wrapf(err, "failed to write metadata %q", name)
	}
	return lm, nil
}

// writeArchive creates the archive at p, fills it with fn and closes it. A
// failed archive is removed.
func writeArchive(p string, log *zap.Logger, fn func(w *archive.Writer) error) error {
	start := time.Now()
	w, err := archive.Create(p)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}
	logger(log).Info("wrote archive",
		zap.String("path", p),
		zap.String("size", humanize.Bytes(uint64(w.Written()))),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

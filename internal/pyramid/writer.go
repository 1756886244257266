package pyramid

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/model"
)

// Options controls pyramid construction.
type Options struct {
	TileSize    int
	ScaleFactor int
	// Workers bounds concurrent tile encoding; zero uses GOMAXPROCS.
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

// ImageAttrs is the root attribute document of an image archive.
type ImageAttrs struct {
	OME         model.ImageMetadata `json:"ome"`
	Version     string              `json:"version"`
	Name        string              `json:"name"`
	Resolutions []int               `json:"resolutions"`
	TileSize    int                 `json:"tile_size"`
	UPP         float64             `json:"upp"`
	Unit        string              `json:"unit"`
}

// Execute materializes every level of plan from the padded volume v.
func Execute[T Pixel](ctx context.Context, plan *Plan, v *Volume[T], s zarr.Store, opts Options) error {
	if v.Shape != plan.Source {
		return errors.AssertionFailedf("volume shape %v does not match planned shape %v", v.Shape, plan.Source)
	}
	for _, l := range plan.Levels {
		if err := writeLevel(ctx, v, plan.TileSize, l, s, opts); err != nil {
			return errors.Wrapf(err, "failed to write level %d", l.Resolution)
		}
	}
	return nil
}

// WriteLevel downsamples the padded volume v to resolution and stores it as
// one chunk per tile, timepoint, channel and plane.
func WriteLevel[T Pixel](ctx context.Context, v *Volume[T], tileSize, resolution int, s zarr.Store, opts Options) error {
	if err := v.validate(); err != nil {
		return err
	}
	l, err := planLevel(v.Shape, tileSize, resolution)
	if err != nil {
		return err
	}
	return writeLevel(ctx, v, tileSize, l, s, opts)
}

func writeLevel[T Pixel](ctx context.Context, v *Volume[T], tileSize int, l Level, s zarr.Store, opts Options) error {
	start := time.Now()
	meta, err := zarr.NewArrayMeta(l.Shape, l.Chunks, v.DataType())
	if err != nil {
		return err
	}
	arr, err := zarr.CreateArray(s, l.Path(), meta)
	if err != nil {
		return err
	}

	var written, skipped, bytes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for tx := 0; tx < l.TilesX; tx++ {
		for ty := 0; ty < l.TilesY; ty++ {
			tx, ty := tx, ty
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				buf := make([]T, tileSize*tileSize)
				for t := 0; t < v.Shape[AxisT]; t++ {
					for c := 0; c < v.Shape[AxisC]; c++ {
						for z := 0; z < v.Shape[AxisZ]; z++ {
							if !fillTile(v, l, tileSize, tx, ty, z, c, t, buf) {
								skipped.Add(1)
								continue
							}
							raw := zarr.EncodeValues(buf)
							if err := arr.WriteChunk([]int{tx, ty, t, c, z, 0, 0}, raw); err != nil {
								return err
							}
							written.Add(1)
							bytes.Add(int64(len(raw)))
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	opts.logger().Info("wrote pyramid level",
		zap.Int("resolution", l.Resolution),
		zap.Int("factor", l.Factor),
		zap.Int("tiles_x", l.TilesX),
		zap.Int("tiles_y", l.TilesY),
		zap.Int64("chunks", written.Load()),
		zap.Int64("empty_chunks", skipped.Load()),
		zap.String("raw_size", humanize.Bytes(uint64(bytes.Load()))),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// fillTile writes the tile (tx, ty) of plane (z, c, t) into buf as a
// row-major tile_h x tile_w block, sampling the source with nearest
// neighbour at the level's factor. Pixels past the resampled extent are
// zero. It reports whether any sample is non-zero.
func fillTile[T Pixel](v *Volume[T], l Level, tileSize, tx, ty, z, c, t int, buf []T) bool {
	plane := v.Plane(z, c, t)
	w := v.Shape[AxisX]
	f := l.Factor
	nonZero := false
	for row := 0; row < tileSize; row++ {
		y := ty*tileSize + row
		out := buf[row*tileSize : (row+1)*tileSize]
		if y >= l.Height {
			clear(out)
			continue
		}
		srcRow := plane[y*f*w : (y*f+1)*w]
		for col := range out {
			x := tx*tileSize + col
			if x >= l.Width {
				out[col] = 0
				continue
			}
			s := srcRow[x*f]
			out[col] = s
			if s != 0 {
				nonZero = true
			}
		}
	}
	return nonZero
}

// Package pyramid builds multi-resolution tiled image pyramids.
//
// A resolution r is the number of full-resolution pixels spanned by one tile
// edge at that level: r equal to the tile size is full resolution, and each
// coarser level is downsampled by r / tileSize.
package pyramid

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// PlanResolutions lists the pyramid resolutions for an image whose largest
// dimension is maxDim. The list starts at tileSize, grows by scale while
// below maxDim, and ends with one more level that covers the whole image.
// scale must be at least 2.
func PlanResolutions(tileSize, maxDim, scale int) []int {
	var out []int
	r := tileSize
	for r < maxDim {
		out = append(out, r)
		r *= scale
	}
	if len(out) == 0 {
		return []int{r}
	}
	return append(out, out[len(out)-1]*scale)
}

// Level describes one pyramid level before any pixels are touched.
type Level struct {
	Resolution int
	// Factor is the nearest-neighbour downsample factor from the source.
	Factor int
	// Width and Height are the resampled extents before re-padding.
	Width, Height int
	TilesX        int
	TilesY        int
	// Shape and Chunks describe the stored 7-D tile array
	// (tile_x, tile_y, T, C, Z, tile_h, tile_w).
	Shape  []int
	Chunks []int
}

// Path is the array node holding the level's tiles.
func (l Level) Path() string {
	return LevelPath(l.Resolution)
}

// LevelPath is the array node of resolution r.
func LevelPath(r int) string {
	return fmt.Sprintf("zooms/%d/tiles", r)
}

// Plan is the declarative description of a pyramid write.
type Plan struct {
	TileSize    int
	Resolutions []int
	// Source is the padded X, Y, Z, C, T shape of the input.
	Source   [5]int
	DataType zarr.DataType
	Levels   []Level
}

// TileCount is the number of chunks the plan writes at most.
func (p *Plan) TileCount() int {
	n := 0
	for _, l := range p.Levels {
		n += l.TilesX * l.TilesY * p.Source[AxisZ] * p.Source[AxisC] * p.Source[AxisT]
	}
	return n
}

// NewPlan validates the padded source volume and lays out every level.
// maxDim is the largest unpadded spatial dimension and determines the
// resolution list.
func NewPlan[T Pixel](v *Volume[T], tileSize, scale, maxDim int) (*Plan, error) {
	if tileSize <= 0 {
		return nil, errors.AssertionFailedf("tile size must be positive, got %d", tileSize)
	}
	if scale < 2 {
		return nil, errors.AssertionFailedf("scale factor must be at least 2, got %d", scale)
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	if maxDim <= 0 {
		maxDim = max(v.Shape[AxisX], v.Shape[AxisY])
	}

	p := &Plan{
		TileSize:    tileSize,
		Resolutions: PlanResolutions(tileSize, maxDim, scale),
		Source:      v.Shape,
		DataType:    v.DataType(),
	}
	for _, r := range p.Resolutions {
		l, err := planLevel(v.Shape, tileSize, r)
		if err != nil {
			return nil, err
		}
		p.Levels = append(p.Levels, l)
	}
	return p, nil
}

func planLevel(src [5]int, tileSize, resolution int) (Level, error) {
	if src[AxisX]%tileSize != 0 || src[AxisY]%tileSize != 0 {
		return Level{}, errors.AssertionFailedf(
			"image of %dx%d is not divisible by tile size %d; pad it first", src[AxisX], src[AxisY], tileSize)
	}
	if resolution < tileSize || resolution%tileSize != 0 {
		return Level{}, errors.AssertionFailedf(
			"resolution %d is not a multiple of tile size %d", resolution, tileSize)
	}

	f := resolution / tileSize
	l := Level{
		Resolution: resolution,
		Factor:     f,
		Width:      (src[AxisX] + f - 1) / f,
		Height:     (src[AxisY] + f - 1) / f,
	}
	l.TilesX = roundUp(l.Width, tileSize) / tileSize
	l.TilesY = roundUp(l.Height, tileSize) / tileSize
	l.Shape = []int{l.TilesX, l.TilesY, src[AxisT], src[AxisC], src[AxisZ], tileSize, tileSize}
	l.Chunks = []int{1, 1, 1, 1, 1, tileSize, tileSize}
	return l, nil
}

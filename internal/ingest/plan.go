package ingest

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
)

// ClampTileSize returns tileSize, or the largest power of two not above
// maxDim when the image is smaller than one tile.
func ClampTileSize(tileSize, maxDim int) int {
	if maxDim <= 0 || tileSize <= maxDim {
		return tileSize
	}
	return 1 << (bits.Len(uint(maxDim)) - 1)
}

// GroupSizes returns the per-level feature group target sizes. Each level
// divides the initial size by (scale*2) once more; sizes never drop below 1.
func GroupSizes(initial, scale, levels int) []int {
	out := make([]int, levels)
	size := initial
	for i := range out {
		out[i] = max(size, 1)
		size /= scale * 2
	}
	return out
}

// BinSizeMap maps every level but the finest to its aggregation bin size,
// i * scale * binSize for the i-th resolution.
func BinSizeMap(resolutions []int, scale, binSize int) map[int]int {
	out := make(map[int]int, len(resolutions))
	for i, r := range resolutions {
		if i == 0 {
			continue
		}
		out[r] = i * scale * binSize
	}
	return out
}

// Box is a pixel-space crop window [X0, X1) x [Y0, Y1).
type Box struct {
	X0, Y0, X1, Y1 int
}

func (b Box) Width() int  { return b.X1 - b.X0 }
func (b Box) Height() int { return b.Y1 - b.Y0 }

// ParseBox parses "x0,y0,x1,y1".
func ParseBox(s string) (*Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, errors.Newf("crop %q: expected x0,y0,x1,y1", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, errors.Newf("crop %q: invalid coordinate %q", s, p)
		}
		v[i] = n
	}
	b := &Box{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
	if b.Width() <= 0 || b.Height() <= 0 {
		return nil, errors.Newf("crop %q is empty", s)
	}
	return b, nil
}

// Bound returns the box as a planar bound for point and object crops.
func (b Box) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{float64(b.X0), float64(b.Y0)}, Max: orb.Point{float64(b.X1), float64(b.Y1)}}
}

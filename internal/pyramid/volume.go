package pyramid

import (
	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// Pixel is the set of supported image sample types.
type Pixel interface {
	uint8 | uint16
}

// Axis positions within Volume.Shape.
const (
	AxisX = iota
	AxisY
	AxisZ
	AxisC
	AxisT
)

// Volume is a dense five dimensional image with axes X, Y, Z, C, T. Samples
// are laid out with X varying fastest, then Y, Z, C and T.
type Volume[T Pixel] struct {
	Shape [5]int
	Data  []T
	// ChunkShape records how the source was chunked; zero entries mean the
	// axis is not chunked.
	ChunkShape [5]int
}

// NewVolume allocates a zeroed volume.
func NewVolume[T Pixel](x, y, z, c, t int) *Volume[T] {
	return &Volume[T]{
		Shape: [5]int{x, y, z, c, t},
		Data:  make([]T, x*y*z*c*t),
	}
}

func (v *Volume[T]) index(x, y, z, c, t int) int {
	s := v.Shape
	return (((t*s[AxisC]+c)*s[AxisZ]+z)*s[AxisY]+y)*s[AxisX] + x
}

// At returns the sample at the given coordinates.
func (v *Volume[T]) At(x, y, z, c, t int) T {
	return v.Data[v.index(x, y, z, c, t)]
}

// Set assigns the sample at the given coordinates.
func (v *Volume[T]) Set(x, y, z, c, t int, val T) {
	v.Data[v.index(x, y, z, c, t)] = val
}

// Plane returns the Y x X plane for (z, c, t), sharing storage.
func (v *Volume[T]) Plane(z, c, t int) []T {
	n := v.Shape[AxisX] * v.Shape[AxisY]
	off := v.index(0, 0, z, c, t)
	return v.Data[off : off+n]
}

// DataType returns the Zarr data type of the samples.
func (v *Volume[T]) DataType() zarr.DataType {
	var zero T
	if _, ok := any(zero).(uint8); ok {
		return zarr.Uint8
	}
	return zarr.Uint16
}

func (v *Volume[T]) validate() error {
	for i, n := range v.Shape {
		if n <= 0 {
			return errors.AssertionFailedf("volume axis %d has extent %d", i, n)
		}
	}
	if want := v.Shape[0] * v.Shape[1] * v.Shape[2] * v.Shape[3] * v.Shape[4]; len(v.Data) != want {
		return errors.AssertionFailedf("volume of shape %v holds %d samples, expected %d", v.Shape, len(v.Data), want)
	}
	for axis := AxisZ; axis <= AxisT; axis++ {
		c := v.ChunkShape[axis]
		if c != 0 && c != 1 && c != v.Shape[axis] {
			return errors.AssertionFailedf("axis %d is sub-chunked: chunk %d of extent %d", axis, c, v.Shape[axis])
		}
	}
	return nil
}

// PadToTileGrid zero-pads the two spatial axes up to the next multiple of
// the tile dimensions. Other axes pass through unchanged. The input is
// returned as is when no padding is needed.
func PadToTileGrid[T Pixel](v *Volume[T], tileW, tileH int) *Volume[T] {
	w := roundUp(v.Shape[AxisX], tileW)
	h := roundUp(v.Shape[AxisY], tileH)
	if w == v.Shape[AxisX] && h == v.Shape[AxisY] {
		return v
	}
	out := NewVolume[T](w, h, v.Shape[AxisZ], v.Shape[AxisC], v.Shape[AxisT])
	out.ChunkShape = v.ChunkShape
	for t := 0; t < v.Shape[AxisT]; t++ {
		for c := 0; c < v.Shape[AxisC]; c++ {
			for z := 0; z < v.Shape[AxisZ]; z++ {
				src, dst := v.Plane(z, c, t), out.Plane(z, c, t)
				for y := 0; y < v.Shape[AxisY]; y++ {
					copy(dst[y*w:y*w+v.Shape[AxisX]], src[y*v.Shape[AxisX]:(y+1)*v.Shape[AxisX]])
				}
			}
		}
	}
	return out
}

// Crop returns the [x0,x1) x [y0,y1) window of v.
func Crop[T Pixel](v *Volume[T], x0, x1, y0, y1 int) (*Volume[T], error) {
	if x0 < 0 || y0 < 0 || x0 >= x1 || y0 >= y1 || x1 > v.Shape[AxisX] || y1 > v.Shape[AxisY] {
		return nil, errors.AssertionFailedf("crop [%d:%d, %d:%d] outside image of %dx%d", x0, x1, y0, y1, v.Shape[AxisX], v.Shape[AxisY])
	}
	w, h := x1-x0, y1-y0
	out := NewVolume[T](w, h, v.Shape[AxisZ], v.Shape[AxisC], v.Shape[AxisT])
	out.ChunkShape = v.ChunkShape
	for t := 0; t < v.Shape[AxisT]; t++ {
		for c := 0; c < v.Shape[AxisC]; c++ {
			for z := 0; z < v.Shape[AxisZ]; z++ {
				src, dst := v.Plane(z, c, t), out.Plane(z, c, t)
				for y := 0; y < h; y++ {
					row := (y0 + y) * v.Shape[AxisX]
					copy(dst[y*w:(y+1)*w], src[row+x0:row+x1])
				}
			}
		}
	}
	return out, nil
}

// ToUint8 linearly rescales samples so the volume minimum maps to 0 and the
// maximum to 255. A constant volume maps to 0 everywhere.
func ToUint8[T Pixel](v *Volume[T]) *Volume[uint8] {
	out := &Volume[uint8]{Shape: v.Shape, ChunkShape: v.ChunkShape, Data: make([]uint8, len(v.Data))}
	if len(v.Data) == 0 {
		return out
	}
	lo, hi := v.Data[0], v.Data[0]
	for _, s := range v.Data {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	if lo == hi {
		for i, s := range v.Data {
			if s > lo {
				out.Data[i] = 255
			}
		}
		return out
	}
	span := float64(hi - lo)
	for i, s := range v.Data {
		out.Data[i] = uint8(float64(s-lo) / span * 255)
	}
	return out
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

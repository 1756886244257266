package pyramid

import (
	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// ReadTile returns one tile of resolution r as a row-major tile_h x tile_w
// block.
func ReadTile[T Pixel](s zarr.Store, r, tx, ty, t, c, z int) ([]T, error) {
	arr, err := openLevel[T](s, r)
	if err != nil {
		return nil, err
	}
	raw, err := arr.ReadChunk([]int{tx, ty, t, c, z, 0, 0})
	if err != nil {
		return nil, err
	}
	return zarr.DecodeValues[T](raw)
}

// ReadLevel reassembles the full X, Y, Z, C, T volume of resolution r from
// its tiles, inverting the layout used by WriteLevel.
func ReadLevel[T Pixel](s zarr.Store, r int) (*Volume[T], error) {
	arr, err := openLevel[T](s, r)
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	ntx, nty, nt, nc, nz, th, tw := shape[0], shape[1], shape[2], shape[3], shape[4], shape[5], shape[6]

	v := NewVolume[T](ntx*tw, nty*th, nz, nc, nt)
	w := v.Shape[AxisX]
	for tx := 0; tx < ntx; tx++ {
		for ty := 0; ty < nty; ty++ {
			for t := 0; t < nt; t++ {
				for c := 0; c < nc; c++ {
					for z := 0; z < nz; z++ {
						raw, err := arr.ReadChunk([]int{tx, ty, t, c, z, 0, 0})
						if err != nil {
							return nil, err
						}
						tile, err := zarr.DecodeValues[T](raw)
						if err != nil {
							return nil, err
						}
						plane := v.Plane(z, c, t)
						for row := 0; row < th; row++ {
							dst := (ty*th+row)*w + tx*tw
							copy(plane[dst:dst+tw], tile[row*tw:(row+1)*tw])
						}
					}
				}
			}
		}
	}
	return v, nil
}

func openLevel[T Pixel](s zarr.Store, r int) (*zarr.Array, error) {
	arr, err := zarr.OpenArray(s, LevelPath(r))
	if err != nil {
		return nil, err
	}
	shape := arr.Shape()
	if len(shape) != 7 {
		return nil, errors.Newf("level %d has shape %v, expected 7 dims", r, shape)
	}
	var zero T
	want := zarr.Uint16
	if _, ok := any(zero).(uint8); ok {
		want = zarr.Uint8
	}
	if arr.Meta().DataType != want {
		return nil, errors.Newf("level %d holds %s, not %s", r, arr.Meta().DataType, want)
	}
	return arr, nil
}

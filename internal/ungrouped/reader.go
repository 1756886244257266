package ungrouped

import (
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// Tile is the content of one object tile. Vertices is [N, 2] for points
// and [N, V, 2] for polygons.
type Tile struct {
	IDs      []string
	Vertices []float32
	Shape    []int
}

// ReadTile reads tile (tx, ty) of level r.
func ReadTile(s zarr.Store, r int, tx, ty int64) (*Tile, error) {
	p := TilePath(r, tx, ty)
	ids, err := zarr.ReadStrings(s, zarr.Join(p, "id"))
	if err != nil {
		return nil, err
	}
	verts, shape, err := zarr.ReadArray[float32](s, zarr.Join(p, "vertices"))
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 || shape[0] != len(ids) || shape[len(shape)-1] != 2 {
		return nil, errors.Newf("tile %q: vertices of shape %v for %d ids", p, shape, len(ids))
	}
	return &Tile{IDs: ids, Vertices: verts, Shape: shape}, nil
}

// ReadAttrs reads the root attributes of an ungrouped layer.
func ReadAttrs(s zarr.Store) (*Attrs, error) {
	var a Attrs
	if err := zarr.ReadAttrs(s, "", &a); err != nil {
		return nil, err
	}
	if a.IsGrouped {
		return nil, errors.AssertionFailedf("layer %q is grouped", a.Name)
	}
	return &a, nil
}

// ReadIDs reads the id order of level r.
func ReadIDs(s zarr.Store, r int) ([]string, error) {
	return zarr.ReadStrings(s, IDsPath(r))
}

// TileNames lists the "<tx>_<ty>" tiles written at level r. s must be able
// to enumerate its keys.
func TileNames(s zarr.Store, r int) ([]string, error) {
	l, ok := s.(zarr.Lister)
	if !ok {
		return nil, errors.AssertionFailedf("store %T cannot list tiles", s)
	}
	return l.Children(zarr.Join("zooms", strconv.Itoa(r))), nil
}

// ReadTileIDs reads only the ids of a named tile at level r.
func ReadTileIDs(s zarr.Store, r int, tile string) ([]string, error) {
	return zarr.ReadStrings(s, zarr.Join("zooms", strconv.Itoa(r), tile, "id"))
}

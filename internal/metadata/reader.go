package metadata

import (
	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// ReadAttrs reads the root attributes of a metadata archive.
func ReadAttrs(s zarr.Store) (*Attrs, error) {
	var a Attrs
	if err := zarr.ReadAttrs(s, "", &a); err != nil {
		return nil, err
	}
	if !a.Type.Valid() {
		return nil, errors.Newf("metadata %q has unknown type %q", a.Name, a.Type)
	}
	return &a, nil
}

// ReadObject reads the dense values of level r: float32 [N, F] for
// continuous metadata of ungrouped layers, float32 [N] for grouped layers.
func ReadObject(s zarr.Store, r int) ([]float32, []int, error) {
	return zarr.ReadArray[float32](s, ObjectPath(r))
}

// ReadCategories reads the category index of every object at level r.
func ReadCategories(s zarr.Store, r int) ([]uint32, error) {
	return zarr.ReadVector[uint32](s, ObjectPath(r))
}

// ReadCSR reads the sparse matrix of a sparse archive.
func ReadCSR(s zarr.Store) (*CSR, error) {
	m := &CSR{}
	var err error
	if m.Indptr, err = zarr.ReadVector[uint64](s, IndptrPath); err != nil {
		return nil, err
	}
	if m.Indices, err = zarr.ReadVector[uint32](s, IndicesPath); err != nil {
		return nil, err
	}
	if m.Data, err = zarr.ReadVector[float32](s, DataPath); err != nil {
		return nil, err
	}
	if len(m.Indptr) == 0 || m.Indptr[len(m.Indptr)-1] != uint64(len(m.Indices)) || len(m.Indices) != len(m.Data) {
		return nil, errors.Newf("inconsistent sparse matrix: %d row pointers, %d indices, %d values", len(m.Indptr), len(m.Indices), len(m.Data))
	}
	return m, nil
}

// Rows returns the number of rows of m.
func (m *CSR) Rows() int { return len(m.Indptr) - 1 }

// TileEntries are the sparse entries of the objects of one layer tile.
type TileEntries struct {
	IDs            []string
	FeatureIndices []uint32
	Values         []float32
}

// ReadTile reads the sparse entries stored for a layer tile at level r.
func ReadTile(s zarr.Store, r int, tile string) (*TileEntries, error) {
	p := TilePath(r, tile)
	t := &TileEntries{}
	var err error
	if t.IDs, err = zarr.ReadStrings(s, zarr.Join(p, "ids")); err != nil {
		return nil, err
	}
	if t.FeatureIndices, err = zarr.ReadVector[uint32](s, zarr.Join(p, "feature_indices")); err != nil {
		return nil, err
	}
	if t.Values, err = zarr.ReadVector[float32](s, zarr.Join(p, "values")); err != nil {
		return nil, err
	}
	if len(t.FeatureIndices) != len(t.IDs) || len(t.Values) != len(t.IDs) {
		return nil, errors.Newf("tile %q has inconsistent lengths", p)
	}
	return t, nil
}

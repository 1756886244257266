package grouped

import (
	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// Batch is the content of one tile group.
type Batch struct {
	IDs          []string
	FeatureIndex []uint32
	Location     []float32 // x0, y0, x1, y1, ...
	Count        []uint32
}

// Len returns the number of records.
func (b *Batch) Len() int { return len(b.IDs) }

// ReadBatch reads the records of group g in tile (tx, ty) at level r. A
// tile group that was never written yields zarr.ErrNotFound.
func ReadBatch(s zarr.Store, r int, tx, ty int64, g uint32) (*Batch, error) {
	p := TilePath(r, tx, ty, g)
	ids, err := zarr.ReadStrings(s, zarr.Join(p, "id"))
	if err != nil {
		return nil, err
	}
	b := &Batch{IDs: ids}
	if b.FeatureIndex, err = zarr.ReadVector[uint32](s, zarr.Join(p, "feature_index")); err != nil {
		return nil, err
	}
	loc, shape, err := zarr.ReadArray[float32](s, zarr.Join(p, "location"))
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[1] != 2 {
		return nil, errors.Newf("location of %q has shape %v, expected [N 2]", p, shape)
	}
	b.Location = loc
	if b.Count, err = zarr.ReadVector[uint32](s, zarr.Join(p, "count")); err != nil {
		return nil, err
	}
	if len(b.FeatureIndex) != b.Len() || len(b.Count) != b.Len() || shape[0] != b.Len() {
		return nil, errors.Newf("tile group %q has inconsistent lengths", p)
	}
	return b, nil
}

// ReadAttrs reads the root attributes of a grouped layer.
func ReadAttrs(s zarr.Store) (*Attrs, error) {
	var a Attrs
	if err := zarr.ReadAttrs(s, "", &a); err != nil {
		return nil, err
	}
	if !a.IsGrouped {
		return nil, errors.AssertionFailedf("layer %q is not grouped", a.Name)
	}
	return &a, nil
}

// ReadIDs reads the canonical id order of level r.
func ReadIDs(s zarr.Store, r int) ([]string, error) {
	return zarr.ReadStrings(s, IDsPath(r))
}

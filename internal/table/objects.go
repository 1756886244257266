package table

import (
	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
)

// Objects is a table of outlined objects such as cell boundaries. A ring
// with a single vertex is a point object.
type Objects struct {
	IDs   []string
	Rings []orb.Ring
}

// Len returns the number of objects.
func (o *Objects) Len() int { return len(o.IDs) }

// Validate checks column lengths, empty outlines and id uniqueness.
func (o *Objects) Validate() error {
	if len(o.IDs) != len(o.Rings) {
		return errors.AssertionFailedf("column lengths differ: %s=%d vertices=%d", ColID, len(o.IDs), len(o.Rings))
	}
	seen := make(map[string]struct{}, len(o.IDs))
	for i, id := range o.IDs {
		if len(o.Rings[i]) == 0 {
			return errors.AssertionFailedf("object %q has no vertices", id)
		}
		if _, dup := seen[id]; dup {
			return errors.AssertionFailedf("object id %q is not unique", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ObjectsFromVertices groups per-vertex rows into objects. Rows of one
// object must be contiguous.
func ObjectsFromVertices(ids []string, xs, ys []float64) (*Objects, error) {
	if len(ids) != len(xs) || len(ids) != len(ys) {
		return nil, errors.AssertionFailedf("column lengths differ: %s=%d %s=%d %s=%d",
			ColID, len(ids), ColVertexX, len(xs), ColVertexY, len(ys))
	}
	out := &Objects{}
	seen := make(map[string]struct{})
	for i, id := range ids {
		if n := len(out.IDs); n > 0 && out.IDs[n-1] == id {
			out.Rings[n-1] = append(out.Rings[n-1], orb.Point{xs[i], ys[i]})
			continue
		}
		if _, dup := seen[id]; dup {
			return nil, errors.AssertionFailedf("vertices of object %q are not contiguous", id)
		}
		seen[id] = struct{}{}
		out.IDs = append(out.IDs, id)
		out.Rings = append(out.Rings, orb.Ring{{xs[i], ys[i]}})
	}
	return out, nil
}

// Scale divides every vertex coordinate by unitsPerPixel.
func (o *Objects) Scale(unitsPerPixel float64) {
	for _, r := range o.Rings {
		for i := range r {
			r[i][0] /= unitsPerPixel
			r[i][1] /= unitsPerPixel
		}
	}
}

// Crop keeps the vertices strictly inside b, drops objects left without
// vertices and shifts the rest so b.Min becomes the origin.
func (o *Objects) Crop(b orb.Bound) *Objects {
	out := &Objects{}
	for i, r := range o.Rings {
		var kept orb.Ring
		for _, p := range r {
			if p[0] > b.Min[0] && p[0] < b.Max[0] && p[1] > b.Min[1] && p[1] < b.Max[1] {
				kept = append(kept, orb.Point{p[0] - b.Min[0], p[1] - b.Min[1]})
			}
		}
		if len(kept) > 0 {
			out.IDs = append(out.IDs, o.IDs[i])
			out.Rings = append(out.Rings, kept)
		}
	}
	return out
}

// Triples is a sparse matrix in coordinate form keyed by object id.
type Triples struct {
	IDs          []string
	FeatureIndex []int32
	Values       []float32
	FeatureNames []string
}

// Len returns the number of non-zero entries.
func (t *Triples) Len() int { return len(t.IDs) }

// Validate checks column lengths and feature indices.
func (t *Triples) Validate() error {
	if len(t.FeatureIndex) != len(t.IDs) || len(t.Values) != len(t.IDs) {
		return errors.AssertionFailedf("column lengths differ: %s=%d %s=%d %s=%d",
			ColID, len(t.IDs), ColFeatureIndex, len(t.FeatureIndex), ColValue, len(t.Values))
	}
	for i, f := range t.FeatureIndex {
		if f < 0 || int(f) >= len(t.FeatureNames) {
			return errors.AssertionFailedf("entry %d: feature index %d outside vocabulary of %d", i, f, len(t.FeatureNames))
		}
	}
	return nil
}

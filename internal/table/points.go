// Package table holds the columnar inputs of the tilers: point records,
// polygon objects and sparse (id, feature, value) triples.
package table

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
)

// Column names understood by the readers and writers.
const (
	ColID           = "id"
	ColX            = "x_location"
	ColY            = "y_location"
	ColFeatureIndex = "feature_index"
	ColFeatureName  = "feature_name"
	ColVertexX      = "vertex_x"
	ColVertexY      = "vertex_y"
	ColValue        = "value"
)

// Points is a columnar table of point records. FeatureIndex indexes into
// FeatureNames and is nil for featureless tables. Columns holds extra
// numeric attributes keyed by name.
type Points struct {
	IDs          []string
	X, Y         []float64
	FeatureIndex []int32
	FeatureNames []string
	Columns      map[string][]float64
}

// Len returns the number of rows.
func (p *Points) Len() int { return len(p.X) }

// HasFeatures reports whether rows carry a feature index.
func (p *Points) HasFeatures() bool { return p.FeatureIndex != nil }

// Validate checks column lengths, id uniqueness and, if requireFeatures,
// the presence of a feature index within the vocabulary.
func (p *Points) Validate(requireFeatures bool) error {
	n := len(p.X)
	if len(p.Y) != n || len(p.IDs) != n {
		return errors.AssertionFailedf("column lengths differ: %s=%d %s=%d %s=%d", ColID, len(p.IDs), ColX, n, ColY, len(p.Y))
	}
	seen := make(map[string]struct{}, n)
	for _, id := range p.IDs {
		if _, dup := seen[id]; dup {
			return errors.AssertionFailedf("point id %q is not unique", id)
		}
		seen[id] = struct{}{}
	}
	if requireFeatures && p.FeatureIndex == nil {
		return errors.AssertionFailedf("required column %s was not found", ColFeatureIndex)
	}
	if p.FeatureIndex != nil {
		if len(p.FeatureIndex) != n {
			return errors.AssertionFailedf("column %s has %d rows, expected %d", ColFeatureIndex, len(p.FeatureIndex), n)
		}
		for i, f := range p.FeatureIndex {
			if f < 0 || int(f) >= len(p.FeatureNames) {
				return errors.AssertionFailedf("row %d: feature index %d outside vocabulary of %d", i, f, len(p.FeatureNames))
			}
		}
	}
	for name, col := range p.Columns {
		if len(col) != n {
			return errors.AssertionFailedf("column %s has %d rows, expected %d", name, len(col), n)
		}
	}
	return nil
}

// RequireColumns fails if any named numeric column is absent.
func (p *Points) RequireColumns(names ...string) error {
	for _, name := range names {
		if _, ok := p.Columns[name]; !ok {
			return errors.AssertionFailedf("required column %s was not found", name)
		}
	}
	return nil
}

// ColumnNames returns the extra column names in sorted order.
func (p *Points) ColumnNames() []string {
	out := make([]string, 0, len(p.Columns))
	for name := range p.Columns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Slice returns rows [lo, hi) sharing storage with p.
func (p *Points) Slice(lo, hi int) *Points {
	out := &Points{
		IDs:          p.IDs[lo:hi],
		X:            p.X[lo:hi],
		Y:            p.Y[lo:hi],
		FeatureNames: p.FeatureNames,
	}
	if p.FeatureIndex != nil {
		out.FeatureIndex = p.FeatureIndex[lo:hi]
	}
	if p.Columns != nil {
		out.Columns = make(map[string][]float64, len(p.Columns))
		for name, col := range p.Columns {
			out.Columns[name] = col[lo:hi]
		}
	}
	return out
}

// Select returns a copy holding the rows at idx, in that order.
func (p *Points) Select(idx []int) *Points {
	out := &Points{
		IDs:          make([]string, len(idx)),
		X:            make([]float64, len(idx)),
		Y:            make([]float64, len(idx)),
		FeatureNames: p.FeatureNames,
	}
	if p.FeatureIndex != nil {
		out.FeatureIndex = make([]int32, len(idx))
	}
	if p.Columns != nil {
		out.Columns = make(map[string][]float64, len(p.Columns))
		for name := range p.Columns {
			out.Columns[name] = make([]float64, len(idx))
		}
	}
	for i, j := range idx {
		out.IDs[i], out.X[i], out.Y[i] = p.IDs[j], p.X[j], p.Y[j]
		if p.FeatureIndex != nil {
			out.FeatureIndex[i] = p.FeatureIndex[j]
		}
		for name, col := range p.Columns {
			out.Columns[name][i] = col[j]
		}
	}
	return out
}

// Scale divides every coordinate by unitsPerPixel.
func (p *Points) Scale(unitsPerPixel float64) {
	for i := range p.X {
		p.X[i] /= unitsPerPixel
		p.Y[i] /= unitsPerPixel
	}
}

// Crop keeps the rows strictly inside b and shifts them so b.Min becomes the
// origin.
func (p *Points) Crop(b orb.Bound) *Points {
	var keep []int
	for i := range p.X {
		if p.X[i] > b.Min[0] && p.X[i] < b.Max[0] && p.Y[i] > b.Min[1] && p.Y[i] < b.Max[1] {
			keep = append(keep, i)
		}
	}
	out := p.Select(keep)
	for i := range out.X {
		out.X[i] -= b.Min[0]
		out.Y[i] -= b.Min[1]
	}
	return out
}

// Bound returns the bounding box of all points.
func (p *Points) Bound() orb.Bound {
	if p.Len() == 0 {
		return orb.Bound{}
	}
	b := orb.Point{p.X[0], p.Y[0]}.Bound()
	for i := 1; i < p.Len(); i++ {
		b = b.Extend(orb.Point{p.X[i], p.Y[i]})
	}
	return b
}

// FeatureCounts counts rows per feature index.
func (p *Points) FeatureCounts() []int {
	counts := make([]int, len(p.FeatureNames))
	for _, f := range p.FeatureIndex {
		counts[f]++
	}
	return counts
}

// Package metadata encodes per-object values attached to a tiled layer. Every
// archive it writes is aligned to the canonical id order of its parent layer.
package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
)

// Values is the content of one metadata archive. It is implemented by
// DenseContinuous, DenseCategorical and SparseContinuous only.
type Values interface {
	Type() model.MetadataType
	Sparse() bool
	// Fields names the columns (continuous) or categories (categorical).
	Fields() []string
	validate() error
}

// DenseContinuous holds one float row per object.
type DenseContinuous struct {
	IDs        []string
	FieldNames []string
	// Data is row-major [len(IDs), len(FieldNames)].
	Data []float32
}

func (DenseContinuous) Type() model.MetadataType { return model.Continuous }
func (DenseContinuous) Sparse() bool             { return false }
func (v DenseContinuous) Fields() []string       { return v.FieldNames }

func (v DenseContinuous) validate() error {
	if len(v.FieldNames) == 0 {
		return errors.AssertionFailedf("continuous metadata needs at least one field")
	}
	if len(v.Data) != len(v.IDs)*len(v.FieldNames) {
		return errors.AssertionFailedf("%d values for %d ids and %d fields", len(v.Data), len(v.IDs), len(v.FieldNames))
	}
	return nil
}

// DenseCategorical holds one category per object.
type DenseCategorical struct {
	IDs        []string
	Categories []string
	Index      []uint32
}

func (DenseCategorical) Type() model.MetadataType { return model.Categorical }
func (DenseCategorical) Sparse() bool             { return false }
func (v DenseCategorical) Fields() []string       { return v.Categories }

func (v DenseCategorical) validate() error {
	if len(v.Index) != len(v.IDs) {
		return errors.AssertionFailedf("%d category indices for %d ids", len(v.Index), len(v.IDs))
	}
	for _, c := range v.Index {
		if int(c) >= len(v.Categories) {
			return errors.AssertionFailedf("category index %d out of range [0, %d)", c, len(v.Categories))
		}
	}
	return nil
}

// SparseContinuous holds (id, feature, value) entries, such as a cell by
// gene count matrix. Objects without entries read as all-zero rows.
type SparseContinuous struct {
	Triples *table.Triples
}

func (SparseContinuous) Type() model.MetadataType { return model.Continuous }
func (SparseContinuous) Sparse() bool             { return true }
func (v SparseContinuous) Fields() []string       { return v.Triples.FeatureNames }

func (v SparseContinuous) validate() error {
	if v.Triples == nil {
		return errors.AssertionFailedf("sparse metadata has no entries")
	}
	return v.Triples.Validate()
}

// Categorize builds categorical values from per-object labels. Categories
// are the sorted distinct labels.
func Categorize(ids, labels []string) (DenseCategorical, error) {
	if len(ids) != len(labels) {
		return DenseCategorical{}, errors.AssertionFailedf("%d labels for %d ids", len(labels), len(ids))
	}
	set := make(map[string]uint32)
	for _, l := range labels {
		set[l] = 0
	}
	cats := make([]string, 0, len(set))
	for l := range set {
		cats = append(cats, l)
	}
	sort.Strings(cats)
	for i, c := range cats {
		set[c] = uint32(i)
	}
	idx := make([]uint32, len(labels))
	for i, l := range labels {
		idx[i] = set[l]
	}
	return DenseCategorical{IDs: ids, Categories: cats, Index: idx}, nil
}

// Columns builds continuous values from named columns, one value per id.
func Columns(ids []string, names []string, cols map[string][]float64) (DenseContinuous, error) {
	v := DenseContinuous{IDs: ids, FieldNames: names, Data: make([]float32, len(ids)*len(names))}
	for j, name := range names {
		col, ok := cols[name]
		if !ok {
			return DenseContinuous{}, errors.AssertionFailedf("column %q was not found", name)
		}
		if len(col) != len(ids) {
			return DenseContinuous{}, errors.AssertionFailedf("column %q has %d values for %d ids", name, len(col), len(ids))
		}
		for i, x := range col {
			v.Data[i*len(names)+j] = float32(x)
		}
	}
	return v, nil
}

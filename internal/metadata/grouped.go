package metadata

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/grouped"
	"github.com/cosilico/ingest/internal/model"
)

// CountName is the grouped metadata holding per-record counts.
const CountName = "Count"

const (
	VMinsByResPath = "metadata/vmins_by_res"
	VMaxsByResPath = "metadata/vmaxs_by_res"
)

// EncodeGrouped writes the values of one column of a grouped layer into
// out, level by level in the layer's canonical order. The column is either
// one of the layer's target columns, holding raw values at the finest level
// and bin means above it, or CountName. Count archives also carry per
// feature count ranges for every level, finest first.
func EncodeGrouped(layer *grouped.Layer, column string, opts Options, out zarr.Store) (*Attrs, error) {
	if len(layer.Levels) == 0 {
		return nil, errors.AssertionFailedf("grouped layer has no levels")
	}
	attrs := &Attrs{
		Version: model.Version,
		Name:    column,
		Type:    model.Continuous,
		LayerID: opts.LayerID,
		Fields:  []string{column},
	}

	columns := make([][]float32, len(layer.Levels))
	for i, lv := range layer.Levels {
		attrs.Resolutions = append(attrs.Resolutions, lv.Resolution)
		vals := make([]float32, len(lv.IDs))
		if column == CountName {
			if len(lv.Counts) != len(lv.IDs) {
				return nil, model.Integrityf("level %d has %d counts for %d ids", lv.Resolution, len(lv.Counts), len(lv.IDs))
			}
			for j, c := range lv.Counts {
				vals[j] = float32(c)
			}
		} else {
			col, ok := lv.Targets[column]
			if !ok {
				return nil, errors.AssertionFailedf("grouped layer has no column %q", column)
			}
			if len(col) != len(lv.IDs) {
				return nil, model.Integrityf("level %d has %d values of %q for %d ids", lv.Resolution, len(col), column, len(lv.IDs))
			}
			for j, x := range col {
				vals[j] = float32(x)
			}
		}
		columns[i] = vals
	}

	s := newStats(1)
	for i, lv := range layer.Levels {
		if err := zarr.WriteVector(out, ObjectPath(lv.Resolution), columns[i], objectChunkRows); err != nil {
			return nil, err
		}
		for _, x := range columns[i] {
			s.observe(0, x)
		}
	}
	if err := s.write(out, attrs); err != nil {
		return nil, err
	}
	if column == CountName {
		if err := writeCountRanges(layer, out); err != nil {
			return nil, err
		}
	}
	if err := zarr.WriteStrings(out, FieldsPath, attrs.Fields, 0); err != nil {
		return nil, err
	}
	if err := zarr.CreateGroup(out, "", attrs); err != nil {
		return nil, errors.Wrap(err, "failed to write metadata attributes")
	}
	opts.logger().Info("wrote grouped layer metadata",
		zap.String("name", column),
		zap.Int("levels", len(layer.Levels)))
	return attrs, nil
}

// writeCountRanges stores [levels, features] count minima and maxima.
// Features without records at a level get 0.
func writeCountRanges(layer *grouped.Layer, out zarr.Store) error {
	nf := len(layer.FeatureNames)
	mins := make([]float32, 0, len(layer.Levels)*nf)
	maxs := make([]float32, 0, len(layer.Levels)*nf)
	for _, lv := range layer.Levels {
		if len(lv.Features) != len(lv.Counts) {
			return model.Integrityf("level %d has %d features for %d counts", lv.Resolution, len(lv.Features), len(lv.Counts))
		}
		s := newStats(nf)
		for j, c := range lv.Counts {
			f := int(lv.Features[j])
			if f >= nf {
				return model.Integrityf("level %d references feature %d of %d", lv.Resolution, f, nf)
			}
			s.observe(f, float32(c))
		}
		mins = append(mins, s.mins...)
		maxs = append(maxs, s.maxs...)
	}
	if err := zarr.WriteMatrix(out, VMinsByResPath, mins, len(layer.Levels), nf, 0); err != nil {
		return err
	}
	return zarr.WriteMatrix(out, VMaxsByResPath, maxs, len(layer.Levels), nf, 0)
}

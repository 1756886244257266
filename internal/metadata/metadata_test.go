package metadata

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/grouped"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// parentLayer writes 12 square cells over a 3x4 grid of 64px tiles.
func parentLayer(t *testing.T) (*zarr.MemoryStore, []string) {
	t.Helper()
	o := &table.Objects{}
	for i := 0; i < 12; i++ {
		x, y := float64((i%3)*64+10), float64((i/3)*64+10)
		o.IDs = append(o.IDs, fmt.Sprintf("cell-%02d", i))
		o.Rings = append(o.Rings, orb.Ring{{x, y}, {x + 8, y}, {x + 8, y + 8}, {x, y + 8}, {x, y}})
	}
	tiler, err := ungrouped.NewTiler(ungrouped.Options{
		Name:        "cells",
		Resolutions: []int{64, 256},
		Levels:      map[int]ungrouped.LevelOptions{256: {Downsample: 5, ObjectType: ungrouped.Point}},
		Seed:        3,
	})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	_, err = tiler.Write(context.Background(), o, s)
	require.NoError(t, err)
	return s, o.IDs
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func TestEncode_DenseContinuous(t *testing.T) {
	parent, ids := parentLayer(t)
	enc, err := NewEncoder(parent, Options{LayerID: "layer-1", Name: "qc"})
	require.NoError(t, err)

	// values arrive in a different order than the layer
	in := reversed(ids)
	cols := map[string][]float64{"area": {}, "score": {}}
	for i := range in {
		cols["area"] = append(cols["area"], float64(i))
		cols["score"] = append(cols["score"], float64(i)-5)
	}
	v, err := Columns(in, []string{"area", "score"}, cols)
	require.NoError(t, err)

	out := zarr.NewMemoryStore()
	attrs, err := enc.Encode(context.Background(), v, out)
	require.NoError(t, err)
	assert.Equal(t, model.Continuous, attrs.Type)
	assert.False(t, attrs.IsSparse)
	assert.Equal(t, "layer-1", attrs.LayerID)
	require.NotNil(t, attrs.VMin)
	assert.Equal(t, -5.0, *attrs.VMin)
	assert.Equal(t, 11.0, *attrs.VMax)

	read, err := ReadAttrs(out)
	require.NoError(t, err)
	assert.Equal(t, attrs.Fields, read.Fields)
	fields, err := zarr.ReadStrings(out, FieldsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"area", "score"}, fields)

	rowOf := map[string]int{}
	for i, id := range in {
		rowOf[id] = i
	}
	for _, r := range []int{64, 256} {
		levelIDs, err := ungrouped.ReadIDs(parent, r)
		require.NoError(t, err)
		vals, shape, err := ReadObject(out, r)
		require.NoError(t, err)
		assert.Equal(t, []int{len(levelIDs), 2}, shape)
		for j, id := range levelIDs {
			assert.Equal(t, float32(rowOf[id]), vals[2*j], "level %d id %s", r, id)
			assert.Equal(t, float32(rowOf[id]-5), vals[2*j+1])
		}
	}

	vmins, err := zarr.ReadVector[float32](out, VMinsPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, -5}, vmins)
	vmaxs, err := zarr.ReadVector[float32](out, VMaxsPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 6}, vmaxs)
	centers, err := zarr.ReadVector[float32](out, VCentersPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{NoCenter, 0}, centers)
}

func TestEncode_DenseCategorical(t *testing.T) {
	parent, ids := parentLayer(t)
	enc, err := NewEncoder(parent, Options{Name: "cluster"})
	require.NoError(t, err)

	labels := make([]string, len(ids))
	for i := range ids {
		labels[i] = []string{"T cell", "B cell", "Macrophage"}[i%3]
	}
	v, err := Categorize(ids, labels)
	require.NoError(t, err)
	assert.Equal(t, []string{"B cell", "Macrophage", "T cell"}, v.Categories)

	out := zarr.NewMemoryStore()
	attrs, err := enc.Encode(context.Background(), v, out)
	require.NoError(t, err)
	assert.Equal(t, model.Categorical, attrs.Type)
	assert.Nil(t, attrs.VMin)

	canonical, err := ungrouped.ReadIDs(parent, 64)
	require.NoError(t, err)
	idx, err := ReadCategories(out, 64)
	require.NoError(t, err)
	require.Len(t, idx, len(canonical))
	byID := map[string]string{}
	for i, id := range ids {
		byID[id] = labels[i]
	}
	for j, id := range canonical {
		assert.Equal(t, byID[id], v.Categories[idx[j]])
	}
	_, err = out.Get("metadata/vmins/zarr.json")
	assert.True(t, errors.Is(err, zarr.ErrNotFound))
}

func TestEncode_SparseZeroRow(t *testing.T) {
	parent, ids := parentLayer(t)
	enc, err := NewEncoder(parent, Options{Name: "expression", Workers: 2})
	require.NoError(t, err)

	// every cell but cell-05 expresses gene g1; cell-00 repeats an entry
	trip := &table.Triples{FeatureNames: []string{"g0", "g1", "g2"}}
	for _, id := range ids {
		if id == "cell-05" {
			continue
		}
		trip.IDs = append(trip.IDs, id)
		trip.FeatureIndex = append(trip.FeatureIndex, 1)
		trip.Values = append(trip.Values, 2)
	}
	trip.IDs = append(trip.IDs, "cell-00", "cell-00")
	trip.FeatureIndex = append(trip.FeatureIndex, 1, 2)
	trip.Values = append(trip.Values, 3, -1)
	// cell-01 repeats a g0 entry that cancels out and is not stored
	trip.IDs = append(trip.IDs, "cell-01", "cell-01")
	trip.FeatureIndex = append(trip.FeatureIndex, 0, 0)
	trip.Values = append(trip.Values, 4, -4)

	out := zarr.NewMemoryStore()
	attrs, err := enc.Encode(context.Background(), SparseContinuous{Triples: trip}, out)
	require.NoError(t, err)
	assert.True(t, attrs.IsSparse)
	assert.Equal(t, []string{"g0", "g1", "g2"}, attrs.Fields)

	m, err := ReadCSR(out)
	require.NoError(t, err)
	canonical := enc.CanonicalIDs()
	assert.Equal(t, len(canonical), m.Rows())
	for c, id := range canonical {
		fs, vs := m.Row(c)
		switch id {
		case "cell-05":
			assert.Empty(t, fs, "absent object reads as a zero row")
		case "cell-00":
			assert.Equal(t, []uint32{1, 2}, fs)
			assert.Equal(t, []float32{5, -1}, vs)
		default:
			assert.Equal(t, []uint32{1}, fs)
			assert.Equal(t, []float32{2}, vs)
		}
	}

	// per-tile entries cover exactly the objects of each parent tile
	for _, r := range []int{64, 256} {
		tiles, err := ungrouped.TileNames(parent, r)
		require.NoError(t, err)
		require.NotEmpty(t, tiles)
		for _, tile := range tiles {
			tileIDs, err := ungrouped.ReadTileIDs(parent, r, tile)
			require.NoError(t, err)
			entries, err := ReadTile(out, r, tile)
			require.NoError(t, err)
			for _, id := range entries.IDs {
				assert.Contains(t, tileIDs, id)
			}
		}
	}

	vmins, err := zarr.ReadVector[float32](out, VMinsPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, -1}, vmins)
	vmaxs, err := zarr.ReadVector[float32](out, VMaxsPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5, 0}, vmaxs)
}

func TestEncode_IntegrityViolations(t *testing.T) {
	parent, ids := parentLayer(t)
	enc, err := NewEncoder(parent, Options{Name: "qc"})
	require.NoError(t, err)

	dense := func(ids []string) DenseContinuous {
		return DenseContinuous{IDs: ids, FieldNames: []string{"a"}, Data: make([]float32, len(ids))}
	}
	extra := append(append([]string(nil), ids[1:]...), "stranger")
	dup := append(append([]string(nil), ids[1:]...), ids[2])
	cases := map[string]Values{
		"missing": dense(ids[1:]),
		"extra":   dense(append(append([]string(nil), ids...), "stranger")),
		"swapped": dense(extra),
		"repeat":  dense(dup),
		"sparse extra": SparseContinuous{Triples: &table.Triples{
			IDs: []string{"stranger"}, FeatureIndex: []int32{0}, Values: []float32{1}, FeatureNames: []string{"g"},
		}},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			out := zarr.NewMemoryStore()
			_, err := enc.Encode(context.Background(), v, out)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrIntegrity), "%v", err)
			assert.Zero(t, out.Len(), "nothing is written")
		})
	}

	_, err = enc.Encode(context.Background(), DenseContinuous{IDs: ids, FieldNames: []string{"a"}}, zarr.NewMemoryStore())
	assert.True(t, errors.HasAssertionFailure(err))
	_, err = NewEncoder(parent, Options{})
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestEncodeGrouped(t *testing.T) {
	p := &table.Points{FeatureNames: []string{"a", "b"}, Columns: map[string][]float64{}}
	for i := 0; i < 8; i++ {
		p.IDs = append(p.IDs, fmt.Sprintf("t%d", i))
		p.X = append(p.X, float64(i*5))
		p.Y = append(p.Y, float64(i*5))
		p.FeatureIndex = append(p.FeatureIndex, int32(i%2))
		p.Columns["qv"] = append(p.Columns["qv"], float64(20+i))
	}
	tiler, err := grouped.NewTiler(grouped.Options{
		Resolutions:   []int{16, 64},
		GroupSizes:    []int{1, 1},
		BinSizes:      map[int]int{64: 64},
		TargetColumns: []string{"qv"},
	})
	require.NoError(t, err)
	layer, err := tiler.Write(context.Background(), p, zarr.NewMemoryStore())
	require.NoError(t, err)

	qv := zarr.NewMemoryStore()
	attrs, err := EncodeGrouped(layer, "qv", Options{LayerID: "points"}, qv)
	require.NoError(t, err)
	assert.Equal(t, []string{"qv"}, attrs.Fields)
	assert.Equal(t, 20.0, *attrs.VMin)
	assert.Equal(t, 27.0, *attrs.VMax)
	fine, _, err := ReadObject(qv, 16)
	require.NoError(t, err)
	for j := range layer.Levels[0].IDs {
		assert.Equal(t, float32(layer.Levels[0].Targets["qv"][j]), fine[j])
	}
	// one bin per feature: means of 20,22,24,26 and 21,23,25,27
	coarse, _, err := ReadObject(qv, 64)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float32{23, 24}, coarse)

	counts := zarr.NewMemoryStore()
	_, err = EncodeGrouped(layer, CountName, Options{}, counts)
	require.NoError(t, err)
	mins, shape, err := zarr.ReadArray[float32](counts, VMinsByResPath)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, shape)
	assert.Equal(t, []float32{1, 1, 4, 4}, mins)
	maxs, _, err := zarr.ReadArray[float32](counts, VMaxsByResPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 4, 4}, maxs)

	_, err = EncodeGrouped(layer, "missing", Options{}, zarr.NewMemoryStore())
	assert.True(t, errors.HasAssertionFailure(err))
}

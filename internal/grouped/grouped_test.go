package grouped

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/table"
)

func TestAssignGroups_NearEqual(t *testing.T) {
	for n := 1; n <= 60; n += 7 {
		for target := 1; target <= 12; target += 3 {
			counts := make([]int, n)
			for i := range counts {
				counts[i] = (i * 7919) % 13
			}
			groups, err := AssignGroups(counts, target)
			require.NoError(t, err)
			require.Len(t, groups, n)

			sizes := make([]int, GroupCount(n, target))
			for _, g := range groups {
				require.Less(t, int(g), len(sizes))
				sizes[g]++
			}
			sort.Ints(sizes)
			assert.LessOrEqual(t, sizes[len(sizes)-1]-sizes[0], 1, "n=%d target=%d sizes=%v", n, target, sizes)

			again, err := AssignGroups(counts, target)
			require.NoError(t, err)
			assert.Equal(t, groups, again)
		}
	}
}

func TestAssignGroups_FrequencyOrder(t *testing.T) {
	// ascending frequency: f2 (1), f0 (5), f3 (7), f1 (9)
	groups, err := AssignGroups([]int{5, 9, 1, 7}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 1, 0, 0}, groups)

	_, err = AssignGroups([]int{1}, 0)
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestGridLabel(t *testing.T) {
	assert.Equal(t, "0_0", GridLabel(0, 255.9, 256))
	assert.Equal(t, "1_3", GridLabel(256, 800, 256))
	assert.Equal(t, "-1_0", GridLabel(-0.5, 0, 256))
	assert.Equal(t, "2:-1_4", BinID(2, -1, 4))
}

func tenPoints() *table.Points {
	p := &table.Points{FeatureNames: []string{"f0", "f1", "f2"}, Columns: map[string][]float64{}}
	features := []int32{0, 0, 1, 1, 2}
	for i := 0; i < 10; i++ {
		p.IDs = append(p.IDs, strconv.Itoa(i))
		p.X = append(p.X, float64(i*10))
		p.Y = append(p.Y, float64(i*3))
		p.FeatureIndex = append(p.FeatureIndex, features[i%5])
		p.Columns["qv"] = append(p.Columns["qv"], float64(20+i))
	}
	return p
}

func TestWrite_DegenerateSingleGroup(t *testing.T) {
	tiler, err := NewTiler(Options{
		Name:        "points",
		Resolutions: []int{64},
		GroupSizes:  []int{2},
	})
	require.NoError(t, err)

	s := zarr.NewMemoryStore()
	layer, err := tiler.Write(context.Background(), tenPoints(), s)
	require.NoError(t, err)

	lv := layer.Levels[0]
	assert.Equal(t, []uint32{0, 0, 0}, lv.Groups)
	groups, err := zarr.ReadVector[uint32](s, FeatureGroupsPath(64))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, 0}, groups)

	// x spans 0..90, so two tiles, each holding only group 0
	var total int
	for tx := int64(0); tx < 2; tx++ {
		b, err := ReadBatch(s, 64, tx, 0, 0)
		require.NoError(t, err)
		total += b.Len()
		_, err = ReadBatch(s, 64, tx, 0, 1)
		assert.True(t, errors.Is(err, zarr.ErrNotFound))
	}
	assert.Equal(t, 10, total)
}

func TestWrite_Layout(t *testing.T) {
	p := tenPoints()
	tiler, err := NewTiler(Options{
		Name:          "points",
		Resolutions:   []int{32, 128},
		GroupSizes:    []int{1, 2},
		BinSizes:      map[int]int{128: 40},
		TargetColumns: []string{"qv"},
		ImageWidth:    100,
		ImageHeight:   30,
	})
	require.NoError(t, err)

	s := zarr.NewMemoryStore()
	layer, err := tiler.Write(context.Background(), p, s)
	require.NoError(t, err)

	attrs, err := ReadAttrs(s)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 128}, attrs.Resolutions)
	assert.Equal(t, 32, attrs.TileSize)
	assert.Equal(t, map[string]int{"128": 40}, attrs.BinSizes)
	assert.True(t, attrs.IsGrouped)

	names, err := zarr.ReadStrings(s, FeatureNamesPath)
	require.NoError(t, err)
	assert.Equal(t, p.FeatureNames, names)
	counts, err := zarr.ReadVector[uint32](s, FeatureCountsPath)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 4, 2}, counts)

	// finest level: canonical ids are a permutation of the input, in
	// (tile, group, feature) order
	fine, ok := layer.Level(32)
	require.True(t, ok)
	ids, err := ReadIDs(s, 32)
	require.NoError(t, err)
	assert.Equal(t, fine.IDs, ids)
	assert.ElementsMatch(t, p.IDs, ids)

	byID := map[string]int{}
	for i, id := range p.IDs {
		byID[id] = i
	}
	var seen []string
	for tx := int64(0); tx < 3; tx++ {
		for g := uint32(0); g < 3; g++ {
			b, err := ReadBatch(s, 32, tx, 0, g)
			if errors.Is(err, zarr.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			for i, id := range b.IDs {
				row := byID[id]
				assert.Equal(t, fine.Groups[p.FeatureIndex[row]], g)
				assert.Equal(t, uint32(p.FeatureIndex[row]), b.FeatureIndex[i])
				assert.Equal(t, float32(p.X[row]), b.Location[2*i])
				assert.Equal(t, float32(p.Y[row]), b.Location[2*i+1])
				assert.Equal(t, tx, int64(p.X[row])/32)
				assert.Equal(t, uint32(1), b.Count[i])
				if i > 0 {
					assert.LessOrEqual(t, b.FeatureIndex[i-1], b.FeatureIndex[i])
				}
			}
			seen = append(seen, b.IDs...)
		}
	}
	assert.Equal(t, ids, seen)
	for i, id := range fine.IDs {
		assert.Equal(t, p.Columns["qv"][byID[id]], fine.Targets["qv"][i])
	}

	// coarse level: one tile, bins of 40 per feature, counts sum to 10
	coarse, ok := layer.Level(128)
	require.True(t, ok)
	var sum uint32
	for _, c := range coarse.Counts {
		sum += c
	}
	assert.Equal(t, uint32(10), sum)
	for _, id := range coarse.IDs {
		assert.Contains(t, id, ":")
	}
	var coarseTotal int
	for g := uint32(0); g < 2; g++ {
		b, err := ReadBatch(s, 128, 0, 0, g)
		if errors.Is(err, zarr.ErrNotFound) {
			continue
		}
		require.NoError(t, err)
		coarseTotal += b.Len()
	}
	assert.Equal(t, len(coarse.IDs), coarseTotal)
}

func TestWrite_CoarseBinCentroid(t *testing.T) {
	p := &table.Points{
		IDs:          []string{"a", "b", "c"},
		X:            []float64{1, 3, 50},
		Y:            []float64{1, 3, 50},
		FeatureIndex: []int32{0, 0, 0},
		FeatureNames: []string{"g"},
	}
	tiler, err := NewTiler(Options{Resolutions: []int{16, 64}, GroupSizes: []int{1, 1}, BinSizes: map[int]int{64: 10}})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	_, err = tiler.Write(context.Background(), p, s)
	require.NoError(t, err)

	b, err := ReadBatch(s, 64, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0:0_0", "0:5_5"}, b.IDs)
	assert.Equal(t, []float32{2, 2, 50, 50}, b.Location)
	assert.Equal(t, []uint32{2, 1}, b.Count)
}

func TestNewTiler_Preconditions(t *testing.T) {
	cases := []Options{
		{},
		{Resolutions: []int{64, 32}, GroupSizes: []int{1, 1}, BinSizes: map[int]int{32: 1}},
		{Resolutions: []int{64, 128}, GroupSizes: []int{1, 1}},
		{Resolutions: []int{64}, GroupSizes: []int{1, 1}},
		{Resolutions: []int{64}, GroupSizes: []int{0}},
	}
	for i, opts := range cases {
		_, err := NewTiler(opts)
		assert.True(t, errors.HasAssertionFailure(err), "case %d: %v", i, err)
	}

	tiler, err := NewTiler(Options{Resolutions: []int{64}, GroupSizes: []int{1}})
	require.NoError(t, err)
	bare := &table.Points{IDs: []string{"a"}, X: []float64{1}, Y: []float64{1}}
	_, err = tiler.Write(context.Background(), bare, zarr.NewMemoryStore())
	assert.True(t, errors.HasAssertionFailure(err), "missing feature index: %v", err)
}

func TestWrite_ManyPoints(t *testing.T) {
	const n = 5000
	p := &table.Points{FeatureNames: make([]string, 20)}
	for i := range p.FeatureNames {
		p.FeatureNames[i] = fmt.Sprintf("gene%02d", i)
	}
	for i := 0; i < n; i++ {
		p.IDs = append(p.IDs, strconv.Itoa(i))
		p.X = append(p.X, float64((i*97)%1000))
		p.Y = append(p.Y, float64((i*31)%1000))
		p.FeatureIndex = append(p.FeatureIndex, int32(i%20))
	}
	tiler, err := NewTiler(Options{
		Resolutions:   []int{256, 1024},
		GroupSizes:    []int{4, 10},
		BinSizes:      map[int]int{1024: 32},
		SortChunkSize: 300,
		Workers:       2,
	})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	layer, err := tiler.Write(context.Background(), p, s)
	require.NoError(t, err)

	fine := layer.Levels[0]
	assert.Len(t, fine.IDs, n)
	assert.Greater(t, fine.Tiles, 16)
	assert.LessOrEqual(t, fine.Tiles, 16*5)
	for _, lv := range layer.Levels {
		var sum uint32
		for _, c := range lv.Counts {
			sum += c
		}
		assert.Equal(t, uint32(n), sum, "level %d", lv.Resolution)
		for _, id := range lv.IDs {
			assert.False(t, strings.ContainsAny(id, " /"))
		}
	}
}

package ungrouped

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/table"
)

func square(x, y, size float64) orb.Ring {
	return orb.Ring{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}
}

func circle(cx, cy float64, n int) orb.Ring {
	r := make(orb.Ring, n)
	for i := range r {
		a := 2 * math.Pi * float64(i) / float64(n)
		r[i] = orb.Point{cx + 10*math.Cos(a), cy + 10*math.Sin(a)}
	}
	return r
}

func TestSample(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("cell-%d", i)
	}
	got := Sample(ids, 10, 42)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "ascending and distinct")
	}
	assert.Equal(t, got, Sample(ids, 10, 42), "deterministic")
	assert.NotEqual(t, got, Sample(ids, 10, 43), "seed dependent")

	// independent of input order
	rev := make([]string, len(ids))
	for i := range ids {
		rev[len(ids)-1-i] = ids[i]
	}
	var a, b []string
	for _, i := range got {
		a = append(a, ids[i])
	}
	for _, i := range Sample(rev, 10, 42) {
		b = append(b, rev[i])
	}
	assert.ElementsMatch(t, a, b)

	assert.Len(t, Sample(ids, 200, 1), 100)
	assert.Len(t, Sample(ids, -1, 1), 100)
	assert.Empty(t, Sample(ids, 0, 1))
}

func TestSimplify(t *testing.T) {
	r := circle(0, 0, 100)
	s := Simplify(r, 8)
	require.Len(t, s, 8)
	assert.Equal(t, r[0], s[0])
	for i, p := range s {
		assert.Equal(t, r[i*100/8], p)
	}

	short := square(0, 0, 1)
	assert.Equal(t, short, Simplify(short, 32))
	assert.Equal(t, r, Simplify(r, 0))
}

func TestRepresentative(t *testing.T) {
	assert.Equal(t, orb.Point{5, 5}, Representative(square(0, 0, 10)))
	assert.Equal(t, orb.Point{3, 4}, Representative(orb.Ring{{3, 4}}))
}

func testObjects() *table.Objects {
	o := &table.Objects{}
	for i := 0; i < 20; i++ {
		o.IDs = append(o.IDs, fmt.Sprintf("c%02d", i))
		o.Rings = append(o.Rings, circle(float64(i*50+20), float64((i%4)*60+20), 10+i))
	}
	return o
}

func TestWrite_Levels(t *testing.T) {
	objects := testObjects()
	tiler, err := NewTiler(Options{
		Name:        "cells",
		Resolutions: []int{128, 256},
		Levels: map[int]LevelOptions{
			128: {MaxVertices: 12, Downsample: -1, ObjectType: Polygon},
			256: {MaxVertices: 4, Downsample: 5, ObjectType: Point},
		},
		Seed:    7,
		Workers: 3,
	})
	require.NoError(t, err)

	s := zarr.NewMemoryStore()
	layer, err := tiler.Write(context.Background(), objects, s)
	require.NoError(t, err)

	attrs, err := ReadAttrs(s)
	require.NoError(t, err)
	assert.Equal(t, []ObjectType{Polygon, Point}, attrs.ObjectTypes)
	assert.Equal(t, []int{12, 4}, attrs.MaxVertices)
	assert.Equal(t, []int{12, 0}, attrs.Vertices)
	assert.Equal(t, []int{-1, 5}, attrs.Downsample)
	assert.Equal(t, 128, attrs.TileSize)

	// finest level keeps every object; its order is canonical
	fine := layer.Levels[0]
	assert.ElementsMatch(t, objects.IDs, fine.IDs)
	assert.Equal(t, fine.IDs, layer.CanonicalIDs())
	assert.Equal(t, 12, fine.Vertices)
	ids, err := ReadIDs(s, 128)
	require.NoError(t, err)
	assert.Equal(t, fine.IDs, ids)

	var seen []string
	for tx := int64(0); tx < 10; tx++ {
		for ty := int64(0); ty < 3; ty++ {
			tile, err := ReadTile(s, 128, tx, ty)
			if errors.Is(err, zarr.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, []int{len(tile.IDs), 12, 2}, tile.Shape)
			seen = append(seen, tile.IDs...)
		}
	}
	assert.Equal(t, ids, seen)

	coarse := layer.Levels[1]
	assert.Len(t, coarse.IDs, 5)
	assert.Subset(t, objects.IDs, coarse.IDs)
	assert.Zero(t, coarse.Vertices)
}

func TestWrite_PaddedVertices(t *testing.T) {
	objects := &table.Objects{
		IDs:   []string{"tri", "big"},
		Rings: []orb.Ring{{{1, 1}, {2, 1}, {1, 2}}, circle(3, 3, 6)},
	}
	tiler, err := NewTiler(Options{Resolutions: []int{64}})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	_, err = tiler.Write(context.Background(), objects, s)
	require.NoError(t, err)

	tile, err := ReadTile(s, 64, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"tri", "big"}, tile.IDs)
	assert.Equal(t, []int{2, 6, 2}, tile.Shape)
	// the triangle repeats its last vertex
	assert.Equal(t, []float32{1, 1, 2, 1, 1, 2, 1, 2, 1, 2, 1, 2}, tile.Vertices[:12])
}

func TestWrite_PadsToMaxVertices(t *testing.T) {
	objects := &table.Objects{
		IDs:   []string{"tri", "quad"},
		Rings: []orb.Ring{{{1, 1}, {2, 1}, {1, 2}}, {{10, 10}, {12, 10}, {12, 12}, {10, 12}}},
	}
	tiler, err := NewTiler(Options{
		Resolutions: []int{64},
		Levels:      map[int]LevelOptions{64: {MaxVertices: 8, ObjectType: Polygon}},
	})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	layer, err := tiler.Write(context.Background(), objects, s)
	require.NoError(t, err)
	assert.Equal(t, 8, layer.Levels[0].Vertices)

	attrs, err := ReadAttrs(s)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, attrs.MaxVertices)
	assert.Equal(t, []int{8}, attrs.Vertices)

	tile, err := ReadTile(s, 64, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 2}, tile.Shape)
	// the quad's last vertex fills the remaining slots
	quad := tile.Vertices[16:]
	for v := 4; v < 8; v++ {
		assert.Equal(t, []float32{10, 12}, quad[2*v:2*v+2], "vertex %d", v)
	}
}

func TestWrite_PointObjects(t *testing.T) {
	objects := &table.Objects{
		IDs:   []string{"a", "b"},
		Rings: []orb.Ring{{{10, 20}}, square(100, 0, 10)},
	}
	tiler, err := NewTiler(Options{Resolutions: []int{64}, Levels: map[int]LevelOptions{64: {ObjectType: Point}}})
	require.NoError(t, err)
	s := zarr.NewMemoryStore()
	_, err = tiler.Write(context.Background(), objects, s)
	require.NoError(t, err)

	a, err := ReadTile(s, 64, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20}, a.Vertices)
	b, err := ReadTile(s, 64, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{105, 5}, b.Vertices)
	assert.Equal(t, []int{1, 2}, b.Shape)
}

func TestNewTiler_Preconditions(t *testing.T) {
	_, err := NewTiler(Options{})
	assert.True(t, errors.HasAssertionFailure(err))
	_, err = NewTiler(Options{Resolutions: []int{4, 4}})
	assert.True(t, errors.HasAssertionFailure(err))
	_, err = NewTiler(Options{Resolutions: []int{4}, Levels: map[int]LevelOptions{4: {ObjectType: "line"}}})
	assert.True(t, errors.HasAssertionFailure(err))

	tiler, err := NewTiler(Options{Resolutions: []int{4}})
	require.NoError(t, err)
	dup := &table.Objects{IDs: []string{"a", "a"}, Rings: []orb.Ring{{{0, 0}}, {{1, 1}}}}
	_, err = tiler.Write(context.Background(), dup, zarr.NewMemoryStore())
	assert.True(t, errors.HasAssertionFailure(err))
}

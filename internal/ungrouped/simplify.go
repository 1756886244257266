package ungrouped

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Sample picks k of the ids uniformly without replacement and returns their
// indices in ascending order. The choice depends only on the seed and the
// id values, not on their order.
func Sample(ids []string, k int, seed uint64) []int {
	if k < 0 || k >= len(ids) {
		out := make([]int, len(ids))
		for i := range out {
			out[i] = i
		}
		return out
	}
	type scored struct {
		idx   int
		score uint64
	}
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], seed)
	all := make([]scored, len(ids))
	for i, id := range ids {
		d := xxhash.New()
		d.Write(prefix[:])
		d.WriteString(id)
		all[i] = scored{idx: i, score: d.Sum64()}
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].score != all[b].score {
			return all[a].score < all[b].score
		}
		return ids[all[a].idx] < ids[all[b].idx]
	})
	out := make([]int, k)
	for i := range out {
		out[i] = all[i].idx
	}
	sort.Ints(out)
	return out
}

// Simplify reduces r to at most maxVertices vertices by uniform stride
// sampling. The first vertex is always kept. A non-positive limit keeps
// every vertex.
func Simplify(r orb.Ring, maxVertices int) orb.Ring {
	if maxVertices <= 0 || len(r) <= maxVertices {
		return append(orb.Ring(nil), r...)
	}
	out := make(orb.Ring, maxVertices)
	for i := range out {
		out[i] = r[i*len(r)/maxVertices]
	}
	return out
}

// Representative returns the point used to place an object on the tile
// grid: the area centroid of its outline, or its first vertex when the
// outline has no area.
func Representative(r orb.Ring) orb.Point {
	c, _ := planar.CentroidArea(r)
	return c
}

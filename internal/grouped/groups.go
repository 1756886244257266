// Package grouped tiles point layers whose records carry a feature, such
// as transcripts. Features are bucketed into groups so a client can fetch
// the points of a few features without reading whole tiles.
package grouped

import (
	"fmt"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// GroupCount returns the number of groups for n features at the given
// target group size. Fewer features than the target yield one group.
func GroupCount(n, target int) int {
	if target <= 0 {
		return 1
	}
	return max(1, n/target)
}

// AssignGroups maps every feature index to a group. Features are ordered by
// ascending frequency (ties by index) and dealt round-robin, so group sizes
// differ by at most one.
func AssignGroups(counts []int, target int) ([]uint32, error) {
	if target <= 0 {
		return nil, errors.AssertionFailedf("group target size must be positive, got %d", target)
	}
	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return counts[order[a]] < counts[order[b]] })

	n := GroupCount(len(counts), target)
	groups := make([]uint32, len(counts))
	for pos, f := range order {
		groups[f] = uint32(pos % n)
	}
	return groups, nil
}

// GridCell returns the integer cell of a coordinate on a grid of the given
// size.
func GridCell(x, y float64, size int) (int64, int64) {
	s := float64(size)
	return int64(math.Floor(x / s)), int64(math.Floor(y / s))
}

// GridLabel formats a grid cell as "<x>_<y>".
func GridLabel(x, y float64, size int) string {
	bx, by := GridCell(x, y, size)
	return CellLabel(bx, by)
}

// CellLabel formats integer cell coordinates as "<x>_<y>".
func CellLabel(bx, by int64) string {
	return fmt.Sprintf("%d_%d", bx, by)
}

// BinID is the record id of an aggregated bin at a coarse level.
func BinID(feature int32, bx, by int64) string {
	return fmt.Sprintf("%d:%d_%d", feature, bx, by)
}

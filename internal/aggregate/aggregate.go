// Package aggregate reduces large point tables to per-bin centroids, one
// contiguous row window at a time so that peak memory is bounded by the
// window size rather than the table size.
package aggregate

import (
	"context"
	"math"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/table"
)

// MergePolicy selects how window partials are combined.
type MergePolicy int

const (
	// MergeExact sums coordinates, counts and targets across windows. Counts
	// and bins do not depend on the window size; means do only up to float64
	// rounding, since regrouping the sums changes the last few bits.
	MergeExact MergePolicy = iota
	// MergeWindowMeans averages the per-window means of each bin without
	// weighting them by window counts. Output depends on the window size.
	MergeWindowMeans
)

// DefaultChunkSize is the window size used when Options.ChunkSize is unset.
const DefaultChunkSize = 1_000_000

// Options controls an aggregation.
type Options struct {
	BinSizes      []int
	ChunkSize     int
	UseDisk       bool
	TempDir       string
	TargetColumns []string
	ByFeature     bool
	Policy        MergePolicy
	Logger        *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) validate(p *table.Points) error {
	if len(o.BinSizes) == 0 {
		return errors.AssertionFailedf("no bin sizes requested")
	}
	for _, b := range o.BinSizes {
		if b <= 0 {
			return errors.AssertionFailedf("bin size must be positive, got %d", b)
		}
	}
	if o.ChunkSize < 0 {
		return errors.AssertionFailedf("chunk size must not be negative, got %d", o.ChunkSize)
	}
	if err := p.Validate(o.ByFeature); err != nil {
		return err
	}
	return p.RequireColumns(o.TargetColumns...)
}

// Key identifies one bin. Feature is -1 when aggregating without features.
type Key struct {
	BinX, BinY int64
	Feature    int32
}

func (k Key) less(o Key) bool {
	if k.Feature != o.Feature {
		return k.Feature < o.Feature
	}
	if k.BinX != o.BinX {
		return k.BinX < o.BinX
	}
	return k.BinY < o.BinY
}

// Centroids is the columnar result for one bin size, ordered by
// (feature, bin_x, bin_y).
type Centroids struct {
	BinSize      int
	BinX, BinY   []int64
	FeatureIndex []int32
	X, Y         []float64
	Count        []int64
	Targets      map[string][]float64
}

// Len returns the number of bins.
func (c *Centroids) Len() int { return len(c.X) }

// Total returns the number of points summed over all bins.
func (c *Centroids) Total() int64 {
	var n int64
	for _, v := range c.Count {
		n += v
	}
	return n
}

// Aggregate computes per-bin centroids for every requested bin size.
func Aggregate(ctx context.Context, p *table.Points, opts Options) (map[int]*Centroids, error) {
	if err := opts.validate(p); err != nil {
		return nil, err
	}
	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	log := opts.logger()

	var sink partialSink
	if opts.UseDisk {
		dir, err := os.MkdirTemp(opts.TempDir, "aggregate-*")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create spill directory")
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("failed to remove spill directory", zap.String("dir", dir), zap.Error(err))
			}
		}()
		sink = &diskSink{dir: dir, targets: opts.TargetColumns}
	} else {
		sink = &memorySink{}
	}

	windows := 0
	for lo := 0; lo < p.Len(); lo += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w := p.Slice(lo, min(lo+chunk, p.Len()))
		for _, bin := range opts.BinSizes {
			if err := sink.add(bin, windows, reduceWindow(w, bin, opts)); err != nil {
				return nil, err
			}
		}
		windows++
	}

	out := make(map[int]*Centroids, len(opts.BinSizes))
	for _, bin := range opts.BinSizes {
		acc := newMerger(opts.Policy, len(opts.TargetColumns))
		if err := sink.each(bin, func(part *partial) error {
			acc.add(part)
			return nil
		}); err != nil {
			return nil, err
		}
		out[bin] = acc.finish(bin, opts.TargetColumns)
		log.Debug("aggregated bins",
			zap.Int("bin_size", bin),
			zap.Int("windows", windows),
			zap.Int("bins", out[bin].Len()),
			zap.String("spilled", humanize.Bytes(uint64(sink.spilled()))))
	}
	return out, nil
}

// partial holds the sums of one window for one bin size.
type partial struct {
	keys    []Key
	sumX    []float64
	sumY    []float64
	count   []int64
	targets [][]float64 // targets[t][row]

	// coordinate ranges let a bin of coincident points report the shared
	// coordinate exactly
	minX, maxX []float64
	minY, maxY []float64
}

func (p *partial) len() int { return len(p.keys) }

// reduceWindow scatter-adds the rows of w into one slot per distinct bin.
func reduceWindow(w *table.Points, bin int, opts Options) *partial {
	size := float64(bin)
	slots := make(map[Key]int)
	idx := make([]int, w.Len())
	part := &partial{targets: make([][]float64, len(opts.TargetColumns))}
	for i := range w.X {
		k := Key{
			BinX:    int64(math.Floor(w.X[i] / size)),
			BinY:    int64(math.Floor(w.Y[i] / size)),
			Feature: -1,
		}
		if opts.ByFeature {
			k.Feature = w.FeatureIndex[i]
		}
		s, ok := slots[k]
		if !ok {
			s = len(part.keys)
			slots[k] = s
			part.keys = append(part.keys, k)
		}
		idx[i] = s
	}

	n := len(part.keys)
	part.sumX = make([]float64, n)
	part.sumY = make([]float64, n)
	part.count = make([]int64, n)
	part.minX, part.maxX = make([]float64, n), make([]float64, n)
	part.minY, part.maxY = make([]float64, n), make([]float64, n)
	for i, s := range idx {
		x, y := w.X[i], w.Y[i]
		if part.count[s] == 0 {
			part.minX[s], part.maxX[s], part.minY[s], part.maxY[s] = x, x, y, y
		} else {
			part.minX[s], part.maxX[s] = min(part.minX[s], x), max(part.maxX[s], x)
			part.minY[s], part.maxY[s] = min(part.minY[s], y), max(part.maxY[s], y)
		}
		part.sumX[s] += x
		part.sumY[s] += y
		part.count[s]++
	}
	for t, name := range opts.TargetColumns {
		col := w.Columns[name]
		sums := make([]float64, n)
		for i, s := range idx {
			sums[s] += col[i]
		}
		part.targets[t] = sums
	}
	return part
}

type accum struct {
	x, y       float64
	count      int64
	targets    []float64
	windows    int
	minX, maxX float64
	minY, maxY float64
}

type merger struct {
	policy  MergePolicy
	ntarget int
	bins    map[Key]*accum
}

func newMerger(policy MergePolicy, ntarget int) *merger {
	return &merger{policy: policy, ntarget: ntarget, bins: make(map[Key]*accum)}
}

func (m *merger) add(p *partial) {
	for i, k := range p.keys {
		a, ok := m.bins[k]
		if !ok {
			a = &accum{
				targets: make([]float64, m.ntarget),
				minX:    p.minX[i],
				maxX:    p.maxX[i],
				minY:    p.minY[i],
				maxY:    p.maxY[i],
			}
			m.bins[k] = a
		}
		a.minX, a.maxX = min(a.minX, p.minX[i]), max(a.maxX, p.maxX[i])
		a.minY, a.maxY = min(a.minY, p.minY[i]), max(a.maxY, p.maxY[i])
		c := p.count[i]
		a.count += c
		a.windows++
		switch m.policy {
		case MergeWindowMeans:
			n := float64(c)
			a.x += p.sumX[i] / n
			a.y += p.sumY[i] / n
			for t := range a.targets {
				a.targets[t] += p.targets[t][i] / n
			}
		default:
			a.x += p.sumX[i]
			a.y += p.sumY[i]
			for t := range a.targets {
				a.targets[t] += p.targets[t][i]
			}
		}
	}
}

func (m *merger) finish(bin int, targetNames []string) *Centroids {
	keys := make([]Key, 0, len(m.bins))
	for k := range m.bins {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	n := len(keys)
	c := &Centroids{
		BinSize:      bin,
		BinX:         make([]int64, n),
		BinY:         make([]int64, n),
		FeatureIndex: make([]int32, n),
		X:            make([]float64, n),
		Y:            make([]float64, n),
		Count:        make([]int64, n),
		Targets:      make(map[string][]float64, len(targetNames)),
	}
	for _, name := range targetNames {
		c.Targets[name] = make([]float64, n)
	}
	for i, k := range keys {
		a := m.bins[k]
		div := float64(a.count)
		if m.policy == MergeWindowMeans {
			div = float64(a.windows)
		}
		c.BinX[i], c.BinY[i], c.FeatureIndex[i] = k.BinX, k.BinY, k.Feature
		c.X[i] = centroid(a.x/div, a.minX, a.maxX)
		c.Y[i] = centroid(a.y/div, a.minY, a.maxY)
		c.Count[i] = a.count
		for t, name := range targetNames {
			c.Targets[name][i] = a.targets[t] / div
		}
	}
	return c
}

// centroid clamps a mean into the observed range; a degenerate range is
// returned as is.
func centroid(mean, lo, hi float64) float64 {
	if lo == hi {
		return lo
	}
	return min(max(mean, lo), hi)
}

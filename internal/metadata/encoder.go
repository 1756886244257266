package metadata

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ctessum/sparse"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// NoCenter marks a continuous field without a diverging center.
const NoCenter = -99999

// objectChunkRows bounds the rows per chunk of object arrays.
const objectChunkRows = 1 << 16

const (
	FieldsPath   = "metadata/fields"
	VMinsPath    = "metadata/vmins"
	VMaxsPath    = "metadata/vmaxs"
	VCentersPath = "metadata/vcenters"
	IndptrPath   = "csr/indptr"
	IndicesPath  = "csr/indices"
	DataPath     = "csr/data"
)

// ObjectPath returns the dense value array aligned to level r.
func ObjectPath(r int) string {
	return zarr.Join("object", strconv.Itoa(r))
}

// TilePath returns the node holding the sparse entries of one layer tile.
func TilePath(r int, tile string) string {
	return zarr.Join("zooms", strconv.Itoa(r), tile)
}

// Options controls metadata encoding.
type Options struct {
	LayerID string
	Name    string
	Workers int
	Logger  *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Attrs is the root attribute document of a metadata archive.
type Attrs struct {
	Version     string             `json:"version"`
	Name        string             `json:"name"`
	Type        model.MetadataType `json:"type"`
	IsSparse    bool               `json:"is_sparse"`
	LayerID     string             `json:"layer_id"`
	Fields      []string           `json:"fields"`
	Resolutions []int              `json:"resolutions"`
	VMin        *float64           `json:"vmin,omitempty"`
	VMax        *float64           `json:"vmax,omitempty"`
}

// Encoder writes metadata archives for one ungrouped parent layer.
type Encoder struct {
	parent      zarr.Store
	opts        Options
	resolutions []int
	canonical   []string
	pos         map[string]int
	// levels maps each level's rows to canonical positions.
	levels map[int][]int
}

// NewEncoder reads the id orders of the parent layer in parent.
func NewEncoder(parent zarr.Store, opts Options) (*Encoder, error) {
	if opts.Name == "" {
		return nil, errors.AssertionFailedf("metadata needs a name")
	}
	attrs, err := ungrouped.ReadAttrs(parent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read parent layer attributes")
	}
	if len(attrs.Resolutions) == 0 {
		return nil, model.Integrityf("parent layer %q has no resolutions", attrs.Name)
	}
	e := &Encoder{
		parent:      parent,
		opts:        opts,
		resolutions: attrs.Resolutions,
		levels:      make(map[int][]int, len(attrs.Resolutions)),
	}
	if e.canonical, err = ungrouped.ReadIDs(parent, attrs.Resolutions[0]); err != nil {
		return nil, errors.Wrap(err, "failed to read canonical ids")
	}
	e.pos = make(map[string]int, len(e.canonical))
	for i, id := range e.canonical {
		if _, dup := e.pos[id]; dup {
			return nil, model.Integrityf("parent layer repeats id %q", id)
		}
		e.pos[id] = i
	}
	for i, r := range attrs.Resolutions {
		ids := e.canonical
		if i > 0 {
			if ids, err = ungrouped.ReadIDs(parent, r); err != nil {
				return nil, errors.Wrapf(err, "failed to read ids of level %d", r)
			}
		}
		rows := make([]int, len(ids))
		for j, id := range ids {
			c, ok := e.pos[id]
			if !ok {
				return nil, model.Integrityf("level %d holds id %q that is absent from the finest level", r, id)
			}
			rows[j] = c
		}
		e.levels[r] = rows
	}
	return e, nil
}

// CanonicalIDs returns the id order every archive is aligned to.
func (e *Encoder) CanonicalIDs() []string { return e.canonical }

// Encode checks v against the parent's canonical id set and writes the
// archive into out. Nothing is written when the id sets disagree.
func (e *Encoder) Encode(ctx context.Context, v Values, out zarr.Store) (*Attrs, error) {
	start := time.Now()
	if err := v.validate(); err != nil {
		return nil, err
	}
	attrs := &Attrs{
		Version:     model.Version,
		Name:        e.opts.Name,
		Type:        v.Type(),
		IsSparse:    v.Sparse(),
		LayerID:     e.opts.LayerID,
		Fields:      v.Fields(),
		Resolutions: e.resolutions,
	}

	var err error
	switch v := v.(type) {
	case DenseContinuous:
		err = e.encodeContinuous(v, attrs, out)
	case DenseCategorical:
		err = e.encodeCategorical(v, out)
	case SparseContinuous:
		err = e.encodeSparse(ctx, v, attrs, out)
	default:
		err = errors.AssertionFailedf("unsupported metadata values %T", v)
	}
	if err != nil {
		return nil, err
	}
	if err := zarr.WriteStrings(out, FieldsPath, attrs.Fields, 0); err != nil {
		return nil, err
	}
	if err := zarr.CreateGroup(out, "", attrs); err != nil {
		return nil, errors.Wrap(err, "failed to write metadata attributes")
	}
	e.opts.logger().Info("wrote layer metadata",
		zap.String("name", e.opts.Name),
		zap.String("type", string(attrs.Type)),
		zap.Bool("sparse", attrs.IsSparse),
		zap.Int("fields", len(attrs.Fields)),
		zap.Int("objects", len(e.canonical)),
		zap.Duration("elapsed", time.Since(start)))
	return attrs, nil
}

// align maps every canonical position to a row of ids. The two id sets
// must match exactly.
func (e *Encoder) align(ids []string) ([]int, error) {
	if len(ids) != len(e.canonical) {
		return nil, model.Integrityf("metadata %q has %d ids, parent layer has %d", e.opts.Name, len(ids), len(e.canonical))
	}
	rows := make([]int, len(e.canonical))
	seen := make([]bool, len(e.canonical))
	for i, id := range ids {
		c, ok := e.pos[id]
		if !ok {
			return nil, model.Integrityf("metadata %q holds id %q that is not in the parent layer", e.opts.Name, id)
		}
		if seen[c] {
			return nil, model.Integrityf("metadata %q repeats id %q", e.opts.Name, id)
		}
		seen[c] = true
		rows[c] = i
	}
	return rows, nil
}

func (e *Encoder) encodeContinuous(v DenseContinuous, attrs *Attrs, out zarr.Store) error {
	rows, err := e.align(v.IDs)
	if err != nil {
		return err
	}
	nf := len(v.FieldNames)
	for _, r := range e.resolutions {
		level := e.levels[r]
		data := make([]float32, 0, len(level)*nf)
		for _, c := range level {
			data = append(data, v.Data[rows[c]*nf:(rows[c]+1)*nf]...)
		}
		if err := zarr.WriteMatrix(out, ObjectPath(r), data, len(level), nf, objectChunkRows); err != nil {
			return err
		}
	}

	s := newStats(nf)
	for i, x := range v.Data {
		s.observe(i%nf, x)
	}
	return s.write(out, attrs)
}

func (e *Encoder) encodeCategorical(v DenseCategorical, out zarr.Store) error {
	rows, err := e.align(v.IDs)
	if err != nil {
		return err
	}
	for _, r := range e.resolutions {
		level := e.levels[r]
		idx := make([]uint32, len(level))
		for j, c := range level {
			idx[j] = v.Index[rows[c]]
		}
		if err := zarr.WriteVector(out, ObjectPath(r), idx, objectChunkRows); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeSparse(ctx context.Context, v SparseContinuous, attrs *Attrs, out zarr.Store) error {
	t := v.Triples
	rows := make([]int, t.Len())
	for i, id := range t.IDs {
		c, ok := e.pos[id]
		if !ok {
			return model.Integrityf("metadata %q holds id %q that is not in the parent layer", e.opts.Name, id)
		}
		rows[i] = c
	}
	m := buildCSR(len(e.canonical), len(t.FeatureNames), rows, t.FeatureIndex, t.Values)
	if err := m.write(out); err != nil {
		return err
	}

	for _, r := range e.resolutions {
		if err := e.writeSparseTiles(ctx, r, m, out); err != nil {
			return errors.Wrapf(err, "failed to write sparse tiles of level %d", r)
		}
	}

	nf := len(t.FeatureNames)
	s := newStats(nf)
	stored := make([]int, nf)
	for i, f := range m.Indices {
		s.observe(int(f), m.Data[i])
		stored[f]++
	}
	for f, n := range stored {
		if n < len(e.canonical) {
			s.observe(f, 0)
		}
	}
	return s.write(out, attrs)
}

// writeSparseTiles copies the rows of every parent tile at level r into a
// tile of the same name so clients can fetch values tile by tile.
func (e *Encoder) writeSparseTiles(ctx context.Context, r int, m *CSR, out zarr.Store) error {
	tiles, err := ungrouped.TileNames(e.parent, r)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.workers())
	for _, tile := range tiles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, err := ungrouped.ReadTileIDs(e.parent, r, tile)
			if err != nil {
				return err
			}
			var tids []string
			var features []uint32
			var values []float32
			for _, id := range ids {
				c, ok := e.pos[id]
				if !ok {
					return model.Integrityf("tile %s of level %d holds unknown id %q", tile, r, id)
				}
				fs, vs := m.Row(c)
				for range fs {
					tids = append(tids, id)
				}
				features = append(features, fs...)
				values = append(values, vs...)
			}
			p := TilePath(r, tile)
			if err := zarr.CreateGroup(out, p, nil); err != nil {
				return err
			}
			if err := zarr.WriteStrings(out, zarr.Join(p, "ids"), tids, 0); err != nil {
				return err
			}
			if err := zarr.WriteVector(out, zarr.Join(p, "feature_indices"), features, 0); err != nil {
				return err
			}
			return zarr.WriteVector(out, zarr.Join(p, "values"), values, 0)
		})
	}
	return g.Wait()
}

// CSR is a compressed sparse row matrix in canonical row order.
type CSR struct {
	Indptr  []uint64
	Indices []uint32
	Data    []float32
}

// buildCSR assembles n rows of nf features from coordinate entries.
// Entries repeating a (row, feature) pair are summed; sums of exactly zero
// are not stored.
func buildCSR(n, nf int, rows []int, features []int32, values []float32) *CSR {
	m := &CSR{Indptr: make([]uint64, n+1)}
	if n == 0 || nf == 0 {
		return m
	}
	acc := sparse.ZerosSparse(n, nf)
	for i, r := range rows {
		acc.AddVal(float64(values[i]), r, int(features[i]))
	}

	type cell struct {
		row, feature int
		value        float64
	}
	nz := acc.Nonzero()
	cells := make([]cell, 0, len(nz))
	for _, k := range nz {
		idx := acc.IndexNd(k)
		v := acc.Get(idx...)
		if v == 0 {
			continue
		}
		cells = append(cells, cell{row: idx[0], feature: idx[1], value: v})
	}
	sort.Slice(cells, func(a, b int) bool {
		if cells[a].row != cells[b].row {
			return cells[a].row < cells[b].row
		}
		return cells[a].feature < cells[b].feature
	})

	m.Indices = make([]uint32, len(cells))
	m.Data = make([]float32, len(cells))
	for i, c := range cells {
		m.Indices[i] = uint32(c.feature)
		m.Data[i] = float32(c.value)
		m.Indptr[c.row+1]++
	}
	for r := 0; r < n; r++ {
		m.Indptr[r+1] += m.Indptr[r]
	}
	return m
}

// Row returns the feature indices and values of canonical row c.
func (m *CSR) Row(c int) ([]uint32, []float32) {
	lo, hi := m.Indptr[c], m.Indptr[c+1]
	return m.Indices[lo:hi], m.Data[lo:hi]
}

func (m *CSR) write(out zarr.Store) error {
	if err := zarr.WriteVector(out, IndptrPath, m.Indptr, 0); err != nil {
		return err
	}
	if err := zarr.WriteVector(out, IndicesPath, m.Indices, objectChunkRows); err != nil {
		return err
	}
	return zarr.WriteVector(out, DataPath, m.Data, objectChunkRows)
}

// stats tracks per-field value ranges.
type stats struct {
	mins, maxs []float32
	seen       []bool
}

func newStats(fields int) *stats {
	return &stats{mins: make([]float32, fields), maxs: make([]float32, fields), seen: make([]bool, fields)}
}

func (s *stats) observe(f int, x float32) {
	if math.IsNaN(float64(x)) {
		return
	}
	if !s.seen[f] {
		s.mins[f], s.maxs[f], s.seen[f] = x, x, true
		return
	}
	s.mins[f] = min(s.mins[f], x)
	s.maxs[f] = max(s.maxs[f], x)
}

// centers returns 0 for fields spanning both signs and NoCenter otherwise.
func (s *stats) centers() []float32 {
	out := make([]float32, len(s.mins))
	for f := range out {
		out[f] = NoCenter
		if s.mins[f] < 0 && s.maxs[f] > 0 {
			out[f] = 0
		}
	}
	return out
}

// write stores the ranges and sets the overall range on attrs.
func (s *stats) write(out zarr.Store, attrs *Attrs) error {
	if err := zarr.WriteVector(out, VMinsPath, s.mins, 0); err != nil {
		return err
	}
	if err := zarr.WriteVector(out, VMaxsPath, s.maxs, 0); err != nil {
		return err
	}
	if err := zarr.WriteVector(out, VCentersPath, s.centers(), 0); err != nil {
		return err
	}
	var lo, hi float64
	found := false
	for f, ok := range s.seen {
		if !ok {
			continue
		}
		if !found {
			lo, hi, found = float64(s.mins[f]), float64(s.maxs[f]), true
			continue
		}
		lo = math.Min(lo, float64(s.mins[f]))
		hi = math.Max(hi, float64(s.maxs[f]))
	}
	if found {
		attrs.VMin, attrs.VMax = &lo, &hi
	}
	return nil
}

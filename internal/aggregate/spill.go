package aggregate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/cockroachdb/errors"
)

// partialSink keeps window partials until the final merge.
type partialSink interface {
	add(bin, window int, p *partial) error
	each(bin int, fn func(*partial) error) error
	spilled() int64
}

type memorySink struct {
	parts map[int][]*partial
}

func (s *memorySink) add(bin, _ int, p *partial) error {
	if s.parts == nil {
		s.parts = make(map[int][]*partial)
	}
	s.parts[bin] = append(s.parts[bin], p)
	return nil
}

func (s *memorySink) each(bin int, fn func(*partial) error) error {
	for _, p := range s.parts[bin] {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *memorySink) spilled() int64 { return 0 }

// spillFixedColumns is the number of spill columns preceding the targets.
const spillFixedColumns = 10

// diskSink writes one Arrow IPC file per (bin size, window).
type diskSink struct {
	dir     string
	targets []string
	files   map[int][]string
	bytes   int64
}

func (s *diskSink) schema() *arrow.Schema {
	fields := []arrow.Field{
		{Name: "bin_x", Type: arrow.PrimitiveTypes.Int64},
		{Name: "bin_y", Type: arrow.PrimitiveTypes.Int64},
		{Name: "feature_index", Type: arrow.PrimitiveTypes.Int32},
		{Name: "sum_x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "sum_y", Type: arrow.PrimitiveTypes.Float64},
		{Name: "count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "min_x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "max_x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "min_y", Type: arrow.PrimitiveTypes.Float64},
		{Name: "max_y", Type: arrow.PrimitiveTypes.Float64},
	}
	for _, name := range s.targets {
		fields = append(fields, arrow.Field{Name: "sum_" + name, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

func (s *diskSink) add(bin, window int, p *partial) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%d-%06d.arrow", bin, window))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create spill file %s", path)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	schema := s.schema()
	bx := array.NewInt64Builder(mem)
	by := array.NewInt64Builder(mem)
	fi := array.NewInt32Builder(mem)
	defer bx.Release()
	defer by.Release()
	defer fi.Release()
	for _, k := range p.keys {
		bx.Append(k.BinX)
		by.Append(k.BinY)
		fi.Append(k.Feature)
	}
	cols := []arrow.Array{bx.NewArray(), by.NewArray(), fi.NewArray(), float64Array(mem, p.sumX), float64Array(mem, p.sumY)}
	cnt := array.NewInt64Builder(mem)
	defer cnt.Release()
	cnt.AppendValues(p.count, nil)
	cols = append(cols, cnt.NewArray(),
		float64Array(mem, p.minX), float64Array(mem, p.maxX),
		float64Array(mem, p.minY), float64Array(mem, p.maxY))
	for _, t := range p.targets {
		cols = append(cols, float64Array(mem, t))
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	rec := array.NewRecord(schema, cols, int64(p.len()))
	defer rec.Release()
	w := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to write spill file %s", path)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to close spill file %s", path)
	}
	if st, err := f.Stat(); err == nil {
		s.bytes += st.Size()
	}

	if s.files == nil {
		s.files = make(map[int][]string)
	}
	s.files[bin] = append(s.files[bin], path)
	return nil
}

func float64Array(mem memory.Allocator, vals []float64) arrow.Array {
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

func (s *diskSink) each(bin int, fn func(*partial) error) error {
	files := s.files[bin]
	sort.Strings(files)
	for _, path := range files {
		p, err := s.read(path)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *diskSink) read(path string) (*partial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open spill file %s", path)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read spill file %s", path)
	}
	defer r.Release()

	p := &partial{targets: make([][]float64, len(s.targets))}
	for r.Next() {
		rec := r.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			p.keys = append(p.keys, Key{
				BinX:    rec.Column(0).(*array.Int64).Value(i),
				BinY:    rec.Column(1).(*array.Int64).Value(i),
				Feature: rec.Column(2).(*array.Int32).Value(i),
			})
		}
		p.sumX = append(p.sumX, rec.Column(3).(*array.Float64).Float64Values()...)
		p.sumY = append(p.sumY, rec.Column(4).(*array.Float64).Float64Values()...)
		p.count = append(p.count, rec.Column(5).(*array.Int64).Int64Values()...)
		p.minX = append(p.minX, rec.Column(6).(*array.Float64).Float64Values()...)
		p.maxX = append(p.maxX, rec.Column(7).(*array.Float64).Float64Values()...)
		p.minY = append(p.minY, rec.Column(8).(*array.Float64).Float64Values()...)
		p.maxY = append(p.maxY, rec.Column(9).(*array.Float64).Float64Values()...)
		for t := range s.targets {
			p.targets[t] = append(p.targets[t], rec.Column(spillFixedColumns+t).(*array.Float64).Float64Values()...)
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read spill file %s", path)
	}
	return p, nil
}

func (s *diskSink) spilled() int64 { return s.bytes }

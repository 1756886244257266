package table

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/cockroachdb/errors"
)

// metaFeatureNames is the schema metadata key holding the feature vocabulary
// as a JSON array.
const metaFeatureNames = "feature_names"

// batchRows bounds the rows per IPC record batch.
const batchRows = 1 << 16

// column is one output column; build appends rows [lo, hi).
type column struct {
	field arrow.Field
	build func(mem memory.Allocator, lo, hi int) arrow.Array
}

func stringColumn(name string, vals []string) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.BinaryTypes.String},
		build: func(mem memory.Allocator, lo, hi int) arrow.Array {
			b := array.NewStringBuilder(mem)
			defer b.Release()
			b.AppendValues(vals[lo:hi], nil)
			return b.NewArray()
		},
	}
}

func float64Column(name string, vals []float64) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64},
		build: func(mem memory.Allocator, lo, hi int) arrow.Array {
			b := array.NewFloat64Builder(mem)
			defer b.Release()
			b.AppendValues(vals[lo:hi], nil)
			return b.NewArray()
		},
	}
}

func float32Column(name string, vals []float32) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float32},
		build: func(mem memory.Allocator, lo, hi int) arrow.Array {
			b := array.NewFloat32Builder(mem)
			defer b.Release()
			b.AppendValues(vals[lo:hi], nil)
			return b.NewArray()
		},
	}
}

func int32Column(name string, vals []int32) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int32},
		build: func(mem memory.Allocator, lo, hi int) arrow.Array {
			b := array.NewInt32Builder(mem)
			defer b.Release()
			b.AppendValues(vals[lo:hi], nil)
			return b.NewArray()
		},
	}
}

func writeIPC(w io.Writer, cols []column, n int, vocabulary []string) error {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = c.field
	}
	var md *arrow.Metadata
	if vocabulary != nil {
		raw, err := json.Marshal(vocabulary)
		if err != nil {
			return errors.Wrap(err, "failed to encode feature vocabulary")
		}
		m := arrow.NewMetadata([]string{metaFeatureNames}, []string{string(raw)})
		md = &m
	}
	schema := arrow.NewSchema(fields, md)

	mem := memory.NewGoAllocator()
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	for lo := 0; lo < n || (n == 0 && lo == 0); lo += batchRows {
		hi := min(lo+batchRows, n)
		arrs := make([]arrow.Array, len(cols))
		for i, c := range cols {
			arrs[i] = c.build(mem, lo, hi)
		}
		rec := array.NewRecord(schema, arrs, int64(hi-lo))
		err := writer.Write(rec)
		rec.Release()
		for _, a := range arrs {
			a.Release()
		}
		if err != nil {
			writer.Close()
			return errors.Wrap(err, "failed to write record batch")
		}
		if n == 0 {
			break
		}
	}
	return errors.Wrap(writer.Close(), "failed to close IPC stream")
}

// readIPC streams every record batch of r to fn. Records are only valid
// during the call.
func readIPC(r io.Reader, fn func(schema *arrow.Schema, rec arrow.Record) error) (*arrow.Schema, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open IPC stream")
	}
	defer rdr.Release()
	for rdr.Next() {
		if err := fn(rdr.Schema(), rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to read record batch")
	}
	return rdr.Schema(), nil
}

func columnIndex(schema *arrow.Schema, names ...string) int {
	for _, name := range names {
		if idx := schema.FieldIndices(name); len(idx) > 0 {
			return idx[0]
		}
	}
	return -1
}

func appendStrings(dst []string, a arrow.Array) ([]string, error) {
	switch c := a.(type) {
	case *array.String:
		for i := 0; i < c.Len(); i++ {
			dst = append(dst, c.Value(i))
		}
	case *array.LargeString:
		for i := 0; i < c.Len(); i++ {
			dst = append(dst, c.Value(i))
		}
	case *array.Int64:
		for _, v := range c.Int64Values() {
			dst = append(dst, strconv.FormatInt(v, 10))
		}
	case *array.Uint64:
		for _, v := range c.Uint64Values() {
			dst = append(dst, strconv.FormatUint(v, 10))
		}
	case *array.Int32:
		for _, v := range c.Int32Values() {
			dst = append(dst, strconv.FormatInt(int64(v), 10))
		}
	default:
		return nil, errors.AssertionFailedf("unsupported id column type %s", a.DataType())
	}
	return dst, nil
}

func appendFloat64s(dst []float64, a arrow.Array) ([]float64, error) {
	switch c := a.(type) {
	case *array.Float64:
		dst = append(dst, c.Float64Values()...)
	case *array.Float32:
		for _, v := range c.Float32Values() {
			dst = append(dst, float64(v))
		}
	case *array.Int32:
		for _, v := range c.Int32Values() {
			dst = append(dst, float64(v))
		}
	case *array.Int64:
		for _, v := range c.Int64Values() {
			dst = append(dst, float64(v))
		}
	default:
		return nil, errors.AssertionFailedf("unsupported numeric column type %s", a.DataType())
	}
	return dst, nil
}

func appendInt32s(dst []int32, a arrow.Array) ([]int32, error) {
	switch c := a.(type) {
	case *array.Int32:
		dst = append(dst, c.Int32Values()...)
	case *array.Int64:
		for _, v := range c.Int64Values() {
			dst = append(dst, int32(v))
		}
	case *array.Uint32:
		for _, v := range c.Uint32Values() {
			dst = append(dst, int32(v))
		}
	case *array.Int16:
		for _, v := range c.Int16Values() {
			dst = append(dst, int32(v))
		}
	default:
		return nil, errors.AssertionFailedf("unsupported index column type %s", a.DataType())
	}
	return dst, nil
}

func isNumeric(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.FLOAT64, arrow.FLOAT32, arrow.INT32, arrow.INT64:
		return true
	}
	return false
}

func vocabularyFrom(schema *arrow.Schema) ([]string, bool, error) {
	md := schema.Metadata()
	i := md.FindKey(metaFeatureNames)
	if i < 0 {
		return nil, false, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(md.Values()[i]), &names); err != nil {
		return nil, false, errors.Wrap(err, "failed to parse feature vocabulary")
	}
	return names, true, nil
}

// WritePoints writes p as an Arrow IPC stream.
func WritePoints(w io.Writer, p *Points) error {
	cols := []column{stringColumn(ColID, p.IDs), float64Column(ColX, p.X), float64Column(ColY, p.Y)}
	var vocab []string
	if p.FeatureIndex != nil {
		cols = append(cols, int32Column(ColFeatureIndex, p.FeatureIndex))
		vocab = p.FeatureNames
	}
	for _, name := range p.ColumnNames() {
		cols = append(cols, float64Column(name, p.Columns[name]))
	}
	return writeIPC(w, cols, p.Len(), vocab)
}

// ReadPoints reads a points table from an Arrow IPC stream. Features come
// from an integer feature_index column with a vocabulary in the schema
// metadata, or from a string feature_name column whose sorted distinct
// values become the vocabulary. Every other numeric column is kept as an
// extra column.
func ReadPoints(r io.Reader) (*Points, error) {
	p := &Points{Columns: map[string][]float64{}}
	var names []string
	var hasIndex, hasNames bool
	schema, err := readIPC(r, func(schema *arrow.Schema, rec arrow.Record) error {
		idCol := columnIndex(schema, ColID, "transcript_id", "cell_id")
		xCol := columnIndex(schema, ColX)
		yCol := columnIndex(schema, ColY)
		for col, i := range map[string]int{ColID: idCol, ColX: xCol, ColY: yCol} {
			if i < 0 {
				return errors.AssertionFailedf("required column %s was not found", col)
			}
		}
		var err error
		if p.IDs, err = appendStrings(p.IDs, rec.Column(idCol)); err != nil {
			return err
		}
		if p.X, err = appendFloat64s(p.X, rec.Column(xCol)); err != nil {
			return err
		}
		if p.Y, err = appendFloat64s(p.Y, rec.Column(yCol)); err != nil {
			return err
		}
		if i := columnIndex(schema, ColFeatureIndex); i >= 0 {
			hasIndex = true
			if p.FeatureIndex, err = appendInt32s(p.FeatureIndex, rec.Column(i)); err != nil {
				return err
			}
		} else if i := columnIndex(schema, ColFeatureName); i >= 0 {
			hasNames = true
			if names, err = appendStrings(names, rec.Column(i)); err != nil {
				return err
			}
		}
		for i, f := range schema.Fields() {
			switch f.Name {
			case ColX, ColY, ColFeatureIndex, ColFeatureName:
				continue
			}
			if i == idCol || !isNumeric(f.Type) {
				continue
			}
			if p.Columns[f.Name], err = appendFloat64s(p.Columns[f.Name], rec.Column(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case hasIndex:
		vocab, ok, err := vocabularyFrom(schema)
		if err != nil {
			return nil, err
		}
		if !ok {
			hi := int32(-1)
			for _, f := range p.FeatureIndex {
				hi = max(hi, f)
			}
			for f := int32(0); f <= hi; f++ {
				vocab = append(vocab, strconv.Itoa(int(f)))
			}
		}
		p.FeatureNames = vocab
	case hasNames:
		p.FeatureNames, p.FeatureIndex = encodeCategories(names)
	}
	if p.IDs == nil {
		p.IDs, p.X, p.Y = []string{}, []float64{}, []float64{}
	}
	return p, p.Validate(false)
}

// encodeCategories maps values to indices into their sorted distinct set.
func encodeCategories(values []string) ([]string, []int32) {
	set := make(map[string]int32)
	for _, v := range values {
		set[v] = 0
	}
	vocab := make([]string, 0, len(set))
	for v := range set {
		vocab = append(vocab, v)
	}
	sort.Strings(vocab)
	for i, v := range vocab {
		set[v] = int32(i)
	}
	idx := make([]int32, len(values))
	for i, v := range values {
		idx[i] = set[v]
	}
	return vocab, idx
}

// WriteObjects writes o as per-vertex rows.
func WriteObjects(w io.Writer, o *Objects) error {
	var ids []string
	var xs, ys []float64
	for i, r := range o.Rings {
		for _, p := range r {
			ids = append(ids, o.IDs[i])
			xs = append(xs, p[0])
			ys = append(ys, p[1])
		}
	}
	cols := []column{stringColumn(ColID, ids), float64Column(ColVertexX, xs), float64Column(ColVertexY, ys)}
	return writeIPC(w, cols, len(ids), nil)
}

// ReadObjects reads per-vertex rows and groups them into objects.
func ReadObjects(r io.Reader) (*Objects, error) {
	var ids []string
	var xs, ys []float64
	_, err := readIPC(r, func(schema *arrow.Schema, rec arrow.Record) error {
		idCol := columnIndex(schema, ColID, "cell_id")
		xCol := columnIndex(schema, ColVertexX, ColX)
		yCol := columnIndex(schema, ColVertexY, ColY)
		if idCol < 0 || xCol < 0 || yCol < 0 {
			return errors.AssertionFailedf("required columns %s, %s, %s were not found", ColID, ColVertexX, ColVertexY)
		}
		var err error
		if ids, err = appendStrings(ids, rec.Column(idCol)); err != nil {
			return err
		}
		if xs, err = appendFloat64s(xs, rec.Column(xCol)); err != nil {
			return err
		}
		ys, err = appendFloat64s(ys, rec.Column(yCol))
		return err
	})
	if err != nil {
		return nil, err
	}
	return ObjectsFromVertices(ids, xs, ys)
}

// WriteTriples writes t with its vocabulary in the schema metadata.
func WriteTriples(w io.Writer, t *Triples) error {
	cols := []column{stringColumn(ColID, t.IDs), int32Column(ColFeatureIndex, t.FeatureIndex), float32Column(ColValue, t.Values)}
	return writeIPC(w, cols, t.Len(), t.FeatureNames)
}

// ReadTriples reads sparse (id, feature_index, value) entries.
func ReadTriples(r io.Reader) (*Triples, error) {
	t := &Triples{}
	var vals []float64
	schema, err := readIPC(r, func(schema *arrow.Schema, rec arrow.Record) error {
		idCol := columnIndex(schema, ColID, "cell_id")
		fCol := columnIndex(schema, ColFeatureIndex)
		vCol := columnIndex(schema, ColValue)
		if idCol < 0 || fCol < 0 || vCol < 0 {
			return errors.AssertionFailedf("required columns %s, %s, %s were not found", ColID, ColFeatureIndex, ColValue)
		}
		var err error
		if t.IDs, err = appendStrings(t.IDs, rec.Column(idCol)); err != nil {
			return err
		}
		if t.FeatureIndex, err = appendInt32s(t.FeatureIndex, rec.Column(fCol)); err != nil {
			return err
		}
		vals, err = appendFloat64s(vals, rec.Column(vCol))
		return err
	})
	if err != nil {
		return nil, err
	}
	t.Values = make([]float32, len(vals))
	for i, v := range vals {
		t.Values[i] = float32(v)
	}
	vocab, ok, err := vocabularyFrom(schema)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.AssertionFailedf("feature vocabulary (%s schema metadata) was not found", metaFeatureNames)
	}
	t.FeatureNames = vocab
	return t, t.Validate()
}

// ReadPointsFile opens path and reads a points table.
func ReadPointsFile(path string) (*Points, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return ReadPoints(f)
}

// ReadObjectsFile opens path and reads objects.
func ReadObjectsFile(path string) (*Objects, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return ReadObjects(f)
}

// ReadTriplesFile opens path and reads triples.
func ReadTriplesFile(path string) (*Triples, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return ReadTriples(f)
}

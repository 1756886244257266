package table

import (
	"io"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/cockroachdb/errors"
)

// Attributes is a per-object table such as a cell clustering export. Text
// columns hold labels and numeric columns hold values.
type Attributes struct {
	IDs []string
	// Names lists the non-id columns in schema order.
	Names   []string
	Labels  map[string][]string
	Numbers map[string][]float64
}

// Len returns the number of objects.
func (a *Attributes) Len() int { return len(a.IDs) }

// WriteAttributes writes a as an Arrow IPC stream.
func WriteAttributes(w io.Writer, a *Attributes) error {
	cols := []column{stringColumn(ColID, a.IDs)}
	for _, name := range a.Names {
		if l, ok := a.Labels[name]; ok {
			cols = append(cols, stringColumn(name, l))
		} else {
			cols = append(cols, float64Column(name, a.Numbers[name]))
		}
	}
	return writeIPC(w, cols, a.Len(), nil)
}

// ReadAttributes reads an id column plus any string and numeric columns.
// Columns of other types are skipped.
func ReadAttributes(r io.Reader) (*Attributes, error) {
	a := &Attributes{Labels: map[string][]string{}, Numbers: map[string][]float64{}}
	idCol := -1
	_, err := readIPC(r, func(schema *arrow.Schema, rec arrow.Record) error {
		if idCol < 0 {
			if idCol = columnIndex(schema, ColID, "cell_id"); idCol < 0 {
				return errors.AssertionFailedf("required column %s was not found", ColID)
			}
			for i, f := range schema.Fields() {
				switch {
				case i == idCol:
				case f.Type.ID() == arrow.STRING || f.Type.ID() == arrow.LARGE_STRING:
					a.Names = append(a.Names, f.Name)
					a.Labels[f.Name] = nil
				case isNumeric(f.Type):
					a.Names = append(a.Names, f.Name)
					a.Numbers[f.Name] = nil
				}
			}
		}
		var err error
		if a.IDs, err = appendStrings(a.IDs, rec.Column(idCol)); err != nil {
			return err
		}
		for _, name := range a.Names {
			c := rec.Column(schema.FieldIndices(name)[0])
			if l, ok := a.Labels[name]; ok {
				if a.Labels[name], err = appendStrings(l, c); err != nil {
					return err
				}
				continue
			}
			if a.Numbers[name], err = appendFloat64s(a.Numbers[name], c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ReadAttributesFile opens path and reads an attribute table.
func ReadAttributesFile(path string) (*Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return ReadAttributes(f)
}

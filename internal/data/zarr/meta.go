package zarr

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// MetaKey is the name of the metadata document of every node.
const MetaKey = "zarr.json"

// DataType is a Zarr v3 data type name.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	String  DataType = "string"
)

// Size returns the element size in bytes. Variable length types report 0.
func (d DataType) Size() (int, error) {
	switch d {
	case Uint8:
		return 1, nil
	case Uint16:
		return 2, nil
	case Float32, Int32, Uint32:
		return 4, nil
	case Float64, Int64, Uint64:
		return 8, nil
	case String:
		return 0, nil
	default:
		return 0, errors.Newf("unsupported zarr data_type: %s", d)
	}
}

// Codec is one entry of the codec pipeline in zarr.json.
type Codec struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// ChunkGrid describes the regular chunk grid.
type ChunkGrid struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

// ChunkKeyEncoding describes how chunk coordinates map to store keys.
type ChunkKeyEncoding struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator"`
	} `json:"configuration"`
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	ZarrFormat       int              `json:"zarr_format"`
	NodeType         string           `json:"node_type"`
	Shape            []int            `json:"shape"`
	DataType         DataType         `json:"data_type"`
	ChunkGrid        ChunkGrid        `json:"chunk_grid"`
	ChunkKeyEncoding ChunkKeyEncoding `json:"chunk_key_encoding"`
	FillValue        any              `json:"fill_value"`
	Codecs           []Codec          `json:"codecs"`
	Attributes       json.RawMessage  `json:"attributes,omitempty"`
}

// GroupMeta represents Zarr v3 group metadata (zarr.json).
type GroupMeta struct {
	ZarrFormat int             `json:"zarr_format"`
	NodeType   string          `json:"node_type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// NewArrayMeta builds metadata for a regular-grid, zstd compressed array.
func NewArrayMeta(shape, chunkShape []int, dt DataType) (*ArrayMeta, error) {
	if len(shape) == 0 || len(shape) != len(chunkShape) {
		return nil, errors.AssertionFailedf("invalid array layout: shape %v chunk shape %v", shape, chunkShape)
	}
	for d := range shape {
		if shape[d] < 0 || chunkShape[d] <= 0 {
			return nil, errors.AssertionFailedf("invalid array layout at dim %d: shape %v chunk shape %v", d, shape, chunkShape)
		}
	}
	if _, err := dt.Size(); err != nil {
		return nil, err
	}

	m := &ArrayMeta{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      append([]int(nil), shape...),
		DataType:   dt,
	}
	m.ChunkGrid.Name = "regular"
	m.ChunkGrid.Configuration.ChunkShape = append([]int(nil), chunkShape...)
	m.ChunkKeyEncoding.Name = "default"
	m.ChunkKeyEncoding.Configuration.Separator = "/"

	if dt == String {
		m.FillValue = ""
		m.Codecs = []Codec{{Name: "vlen-utf8"}}
	} else {
		m.FillValue = 0
		m.Codecs = []Codec{{Name: "bytes", Configuration: map[string]any{"endian": "little"}}}
	}
	m.Codecs = append(m.Codecs, Codec{Name: "zstd", Configuration: map[string]any{"level": 3, "checksum": false}})
	return m, nil
}

// ChunkShape returns the configured chunk shape.
func (m *ArrayMeta) ChunkShape() []int {
	return m.ChunkGrid.Configuration.ChunkShape
}

// GridShape returns the number of chunks along each dimension.
func (m *ArrayMeta) GridShape() []int {
	cs := m.ChunkShape()
	out := make([]int, len(m.Shape))
	for d := range m.Shape {
		out[d] = ceilDiv(m.Shape[d], cs[d])
	}
	return out
}

// ChunkLen is the number of elements in one (full size) chunk.
func (m *ArrayMeta) ChunkLen() int {
	return product(m.ChunkShape())
}

func (m *ArrayMeta) validate() error {
	if m.ZarrFormat != 3 || m.NodeType != "array" {
		return errors.Newf("invalid zarr metadata: format %d node type %q", m.ZarrFormat, m.NodeType)
	}
	if len(m.Shape) == 0 || len(m.ChunkShape()) == 0 {
		return errors.New("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(m.ChunkShape()) {
		return errors.Newf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(m.ChunkShape()))
	}
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes", "zstd", "vlen-utf8":
		default:
			return errors.Newf("unsupported zarr codec: %s", c.Name)
		}
	}
	_, err := m.DataType.Size()
	return err
}

// chunkKey encodes chunk coordinates relative to the array node.
func (m *ArrayMeta) chunkKey(idx []int) (string, error) {
	if len(idx) != len(m.Shape) {
		return "", errors.Newf("invalid chunk indices: got %d dims, expected %d", len(idx), len(m.Shape))
	}
	grid := m.GridShape()
	for d, i := range idx {
		if i < 0 || i >= grid[d] {
			return "", errors.Newf("chunk index out of range at dim %d: %d (grid %d)", d, i, grid[d])
		}
	}
	sep := m.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	if m.ChunkKeyEncoding.Name == "v2" {
		return strings.Join(parts, sep), nil
	}
	return "c" + sep + strings.Join(parts, sep), nil
}

// fillBytes returns the little-endian encoding of one fill element.
func (m *ArrayMeta) fillBytes() ([]byte, error) {
	size, err := m.DataType.Size()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if m.FillValue == nil || m.DataType == String {
		return out, nil
	}
	f, ok := m.FillValue.(float64)
	if !ok {
		switch t := m.FillValue.(type) {
		case int:
			f = float64(t)
		case json.Number:
			if f, err = t.Float64(); err != nil {
				return nil, errors.Wrapf(err, "invalid fill_value %q", t)
			}
		default:
			return nil, errors.Newf("unsupported fill_value type for %s: %T", m.DataType, m.FillValue)
		}
	}

	switch m.DataType {
	case Uint8:
		out[0] = byte(f)
	case Uint16:
		binary.LittleEndian.PutUint16(out, uint16(f))
	case Uint32:
		binary.LittleEndian.PutUint32(out, uint32(f))
	case Int32:
		binary.LittleEndian.PutUint32(out, uint32(int32(f)))
	case Uint64:
		binary.LittleEndian.PutUint64(out, uint64(f))
	case Int64:
		binary.LittleEndian.PutUint64(out, uint64(int64(f)))
	case Float32:
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(f)))
	case Float64:
		binary.LittleEndian.PutUint64(out, math.Float64bits(f))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	for _, b := range fill {
		if b != 0 {
			for i := 0; i < n; i++ {
				copy(out[i*len(fill):], fill)
			}
			return out
		}
	}
	return out
}

// Join joins node path segments using the store separator.
func Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

func metaKey(node string) string {
	if node == "" || node == "." {
		return MetaKey
	}
	return Join(node, MetaKey)
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

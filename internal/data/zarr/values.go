package zarr

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// Number is the set of fixed-size element types an array can hold.
type Number interface {
	uint8 | uint16 | uint32 | uint64 | int32 | int64 | float32 | float64
}

// DataTypeOf maps a Go element type to its Zarr data type.
func DataTypeOf[T Number]() DataType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// EncodeValues serializes values little-endian.
func EncodeValues[T Number](vals []T) []byte {
	switch v := any(vals).(type) {
	case []uint8:
		return append([]byte(nil), v...)
	case []uint16:
		out := make([]byte, 0, 2*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint16(out, x)
		}
		return out
	case []uint32:
		out := make([]byte, 0, 4*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint32(out, x)
		}
		return out
	case []int32:
		out := make([]byte, 0, 4*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint32(out, uint32(x))
		}
		return out
	case []float32:
		out := make([]byte, 0, 4*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(x))
		}
		return out
	case []uint64:
		out := make([]byte, 0, 8*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint64(out, x)
		}
		return out
	case []int64:
		out := make([]byte, 0, 8*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint64(out, uint64(x))
		}
		return out
	case []float64:
		out := make([]byte, 0, 8*len(v))
		for _, x := range v {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
		}
		return out
	}
	return nil
}

// DecodeValues parses little-endian bytes into values.
func DecodeValues[T Number](b []byte) ([]T, error) {
	size, _ := DataTypeOf[T]().Size()
	if len(b)%size != 0 {
		return nil, errors.Newf("buffer of %d bytes is not a multiple of element size %d", len(b), size)
	}
	n := len(b) / size
	out := make([]T, n)
	switch v := any(out).(type) {
	case []uint8:
		copy(v, b)
	case []uint16:
		for i := range v {
			v[i] = binary.LittleEndian.Uint16(b[2*i:])
		}
	case []uint32:
		for i := range v {
			v[i] = binary.LittleEndian.Uint32(b[4*i:])
		}
	case []int32:
		for i := range v {
			v[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case []float32:
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case []uint64:
		for i := range v {
			v[i] = binary.LittleEndian.Uint64(b[8*i:])
		}
	case []int64:
		for i := range v {
			v[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
		}
	case []float64:
		for i := range v {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return out, nil
}

// encodeStrings implements the vlen-utf8 codec: an item count followed by
// length-prefixed UTF-8 payloads.
func encodeStrings(vals []string) []byte {
	size := 4
	for _, s := range vals {
		size += 4 + len(s)
	}
	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(vals)))
	for _, s := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return out
}

func decodeStrings(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, errors.New("vlen-utf8 chunk too short")
	}
	n := int(binary.LittleEndian.Uint32(b))
	out := make([]string, n)
	off := 4
	for i := 0; i < n; i++ {
		if off+4 > len(b) {
			return nil, errors.Newf("vlen-utf8 chunk truncated at item %d", i)
		}
		l := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if off+l > len(b) {
			return nil, errors.Newf("vlen-utf8 item %d overruns chunk", i)
		}
		out[i] = string(b[off : off+l])
		off += l
	}
	return out, nil
}

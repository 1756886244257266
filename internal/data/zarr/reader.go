package zarr

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Array is a handle to one array node of a store.
type Array struct {
	store Store
	path  string
	meta  *ArrayMeta
}

// OpenArray loads the metadata of the array at node path p.
func OpenArray(s Store, p string) (*Array, error) {
	data, err := s.Get(metaKey(p))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata of %q", p)
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "failed to parse metadata of %q", p)
	}
	if err := meta.validate(); err != nil {
		return nil, errors.Wrapf(err, "array %q", p)
	}
	return &Array{store: s, path: p, meta: &meta}, nil
}

// Meta returns the array metadata.
func (a *Array) Meta() *ArrayMeta { return a.meta }

// Path returns the node path of the array.
func (a *Array) Path() string { return a.path }

// Shape returns the array shape.
func (a *Array) Shape() []int { return a.meta.Shape }

func (a *Array) compressed() bool {
	for _, c := range a.meta.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func (a *Array) readEncoded(idx []int) ([]byte, error) {
	key, err := a.meta.chunkKey(idx)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Get(Join(a.path, key))
	if err == nil || !errors.Is(err, ErrNotFound) {
		return data, err
	}

	// Some writers drop trailing singleton chunk dims (e.g. store [N,2]
	// chunks as c/<rowChunk> instead of c/<rowChunk>/0).
	if len(idx) > 1 {
		for _, v := range idx[1:] {
			if v != 0 {
				return nil, err
			}
		}
		alt, altErr := a.store.Get(Join(a.path, "c", strconv.Itoa(idx[0])))
		if altErr == nil {
			return alt, nil
		}
	}
	return nil, err
}

func (a *Array) decompress(data []byte) ([]byte, error) {
	if !a.compressed() {
		return data, nil
	}
	_, dec, err := codec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress failed")
	}
	return out, nil
}

// ReadChunk returns the raw little-endian bytes of the chunk at idx. A chunk
// that is absent from the store represents an all-fill-value chunk.
func (a *Array) ReadChunk(idx []int) ([]byte, error) {
	if a.meta.DataType == String {
		return nil, errors.Newf("array %q holds strings", a.path)
	}
	size, _ := a.meta.DataType.Size()
	want := a.meta.ChunkLen() * size

	data, err := a.readEncoded(idx)
	if errors.Is(err, ErrNotFound) {
		fill, fillErr := a.meta.fillBytes()
		if fillErr != nil {
			return nil, fillErr
		}
		return repeatFillBytes(fill, a.meta.ChunkLen()), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read chunk %v of %q", idx, a.path)
	}
	raw, err := a.decompress(data)
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %v of %q", idx, a.path)
	}
	if len(raw) != want {
		return nil, errors.Newf("chunk %v of %q has %d bytes, expected %d", idx, a.path, len(raw), want)
	}
	return raw, nil
}

// ReadStringChunk returns the items of a vlen-utf8 chunk.
func (a *Array) ReadStringChunk(idx []int) ([]string, error) {
	if a.meta.DataType != String {
		return nil, errors.Newf("array %q holds %s, not strings", a.path, a.meta.DataType)
	}
	data, err := a.readEncoded(idx)
	if errors.Is(err, ErrNotFound) {
		return make([]string, a.meta.ChunkLen()), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read chunk %v of %q", idx, a.path)
	}
	raw, err := a.decompress(data)
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %v of %q", idx, a.path)
	}
	return decodeStrings(raw)
}

// ReadArray reads a whole numeric array in row-major order.
func ReadArray[T Number](s Store, p string) ([]T, []int, error) {
	a, err := OpenArray(s, p)
	if err != nil {
		return nil, nil, err
	}
	if want := DataTypeOf[T](); a.meta.DataType != want {
		return nil, nil, errors.Newf("array %q holds %s, not %s", p, a.meta.DataType, want)
	}
	size, _ := a.meta.DataType.Size()
	out := make([]byte, product(a.meta.Shape)*size)
	err = forEachChunk(a.meta, func(idx []int) error {
		raw, err := a.ReadChunk(idx)
		if err != nil {
			return err
		}
		copyChunk(a.meta, idx, size, raw, out, true)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	vals, err := DecodeValues[T](out)
	return vals, a.meta.Shape, err
}

// ReadVector reads a one-dimensional numeric array.
func ReadVector[T Number](s Store, p string) ([]T, error) {
	vals, shape, err := ReadArray[T](s, p)
	if err != nil {
		return nil, err
	}
	if len(shape) != 1 {
		return nil, errors.Newf("array %q has shape %v, expected a vector", p, shape)
	}
	return vals, nil
}

// ReadStrings reads a one-dimensional string array.
func ReadStrings(s Store, p string) ([]string, error) {
	a, err := OpenArray(s, p)
	if err != nil {
		return nil, err
	}
	if len(a.meta.Shape) != 1 {
		return nil, errors.Newf("array %q has shape %v, expected a vector", p, a.meta.Shape)
	}
	n := a.meta.Shape[0]
	out := make([]string, 0, n)
	for c := 0; c < a.meta.GridShape()[0]; c++ {
		items, err := a.ReadStringChunk([]int{c})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	if len(out) < n {
		return nil, errors.Newf("array %q holds %d strings, expected %d", p, len(out), n)
	}
	return out[:n], nil
}

// ReadAttrs decodes the attributes of the node at p into v.
func ReadAttrs(s Store, p string, v any) error {
	data, err := s.Get(metaKey(p))
	if err != nil {
		return errors.Wrapf(err, "failed to read metadata of %q", p)
	}
	var meta GroupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Wrapf(err, "failed to parse metadata of %q", p)
	}
	if len(meta.Attributes) == 0 {
		return nil
	}
	if err := json.Unmarshal(meta.Attributes, v); err != nil {
		return errors.Wrapf(err, "failed to parse attributes of %q", p)
	}
	return nil
}

// forEachChunk visits every chunk index of the grid in row-major order.
func forEachChunk(m *ArrayMeta, fn func(idx []int) error) error {
	grid := m.GridShape()
	for _, g := range grid {
		if g == 0 {
			return nil
		}
	}
	idx := make([]int, len(grid))
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < grid[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// copyChunk moves the valid region of one full-size chunk between the chunk
// buffer and the dense row-major array buffer. toArray selects the direction.
func copyChunk(m *ArrayMeta, idx []int, size int, chunk, array []byte, toArray bool) {
	cs := m.ChunkShape()
	nd := len(cs)
	start := make([]int, nd)
	valid := make([]int, nd)
	for d := range cs {
		start[d] = idx[d] * cs[d]
		valid[d] = min(cs[d], m.Shape[d]-start[d])
	}

	// strides in elements
	arrStride := make([]int, nd)
	chunkStride := make([]int, nd)
	as, ks := 1, 1
	for d := nd - 1; d >= 0; d-- {
		arrStride[d], chunkStride[d] = as, ks
		as *= m.Shape[d]
		ks *= cs[d]
	}

	run := valid[nd-1] * size
	pos := make([]int, nd-1)
	for {
		src, dst := 0, 0
		for d := 0; d < nd-1; d++ {
			src += pos[d] * chunkStride[d]
			dst += (start[d] + pos[d]) * arrStride[d]
		}
		dst += start[nd-1]
		src *= size
		dst *= size
		if toArray {
			copy(array[dst:dst+run], chunk[src:src+run])
		} else {
			copy(chunk[src:src+run], array[dst:dst+run])
		}

		d := nd - 2
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < valid[d] {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

package zarr

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// CreateGroup writes group metadata with the given attributes at node p.
func CreateGroup(s Store, p string, attrs any) error {
	meta := GroupMeta{ZarrFormat: 3, NodeType: "group"}
	if attrs != nil {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return errors.Wrapf(err, "failed to encode attributes of %q", p)
		}
		meta.Attributes = raw
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metadata of %q", p)
	}
	return s.Set(metaKey(p), data)
}

// CreateArray writes array metadata at node p and returns a handle for
// writing chunks.
func CreateArray(s Store, p string, meta *ArrayMeta) (*Array, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode metadata of %q", p)
	}
	if err := s.Set(metaKey(p), data); err != nil {
		return nil, errors.Wrapf(err, "failed to write metadata of %q", p)
	}
	return &Array{store: s, path: p, meta: meta}, nil
}

func (a *Array) writeEncoded(idx []int, raw []byte) error {
	key, err := a.meta.chunkKey(idx)
	if err != nil {
		return err
	}
	if a.compressed() {
		enc, _, err := codec()
		if err != nil {
			return err
		}
		raw = enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	}
	if err := a.store.Set(Join(a.path, key), raw); err != nil {
		return errors.Wrapf(err, "failed to write chunk %v of %q", idx, a.path)
	}
	return nil
}

// WriteChunk stores the raw little-endian bytes of one full-size chunk.
func (a *Array) WriteChunk(idx []int, raw []byte) error {
	size, _ := a.meta.DataType.Size()
	if size == 0 {
		return errors.AssertionFailedf("array %q holds strings", a.path)
	}
	if want := a.meta.ChunkLen() * size; len(raw) != want {
		return errors.AssertionFailedf("chunk %v of %q has %d bytes, expected %d", idx, a.path, len(raw), want)
	}
	return a.writeEncoded(idx, raw)
}

// WriteStringChunk stores one vlen-utf8 chunk, padding it to full size.
func (a *Array) WriteStringChunk(idx []int, vals []string) error {
	if a.meta.DataType != String {
		return errors.AssertionFailedf("array %q holds %s, not strings", a.path, a.meta.DataType)
	}
	n := a.meta.ChunkLen()
	if len(vals) > n {
		return errors.AssertionFailedf("chunk %v of %q has %d items, expected at most %d", idx, a.path, len(vals), n)
	}
	if len(vals) < n {
		vals = append(append(make([]string, 0, n), vals...), make([]string, n-len(vals))...)
	}
	return a.writeEncoded(idx, encodeStrings(vals))
}

// WriteArray writes a dense row-major array split into chunks of chunkShape.
func WriteArray[T Number](s Store, p string, vals []T, shape, chunkShape []int) error {
	if product(shape) != len(vals) {
		return errors.AssertionFailedf("array %q: %d values do not fill shape %v", p, len(vals), shape)
	}
	meta, err := NewArrayMeta(shape, chunkShape, DataTypeOf[T]())
	if err != nil {
		return err
	}
	a, err := CreateArray(s, p, meta)
	if err != nil {
		return err
	}
	size, _ := meta.DataType.Size()
	dense := EncodeValues(vals)
	chunk := make([]byte, meta.ChunkLen()*size)
	return forEachChunk(meta, func(idx []int) error {
		clear(chunk)
		copyChunk(meta, idx, size, chunk, dense, false)
		return a.WriteChunk(idx, chunk)
	})
}

// WriteVector writes a one-dimensional array with chunks of chunkLen
// elements. A non-positive chunkLen stores the vector as one chunk.
func WriteVector[T Number](s Store, p string, vals []T, chunkLen int) error {
	return WriteArray(s, p, vals, []int{len(vals)}, []int{vectorChunk(len(vals), chunkLen)})
}

// WriteMatrix writes a rows x cols array chunked along rows only.
func WriteMatrix[T Number](s Store, p string, vals []T, rows, cols, chunkRows int) error {
	return WriteArray(s, p, vals, []int{rows, cols}, []int{vectorChunk(rows, chunkRows), max(cols, 1)})
}

// WriteStrings writes a one-dimensional string array.
func WriteStrings(s Store, p string, vals []string, chunkLen int) error {
	cl := vectorChunk(len(vals), chunkLen)
	meta, err := NewArrayMeta([]int{len(vals)}, []int{cl}, String)
	if err != nil {
		return err
	}
	a, err := CreateArray(s, p, meta)
	if err != nil {
		return err
	}
	for c := 0; c*cl < len(vals); c++ {
		end := min((c+1)*cl, len(vals))
		if err := a.WriteStringChunk([]int{c}, vals[c*cl:end]); err != nil {
			return err
		}
	}
	return nil
}

func vectorChunk(n, chunkLen int) int {
	if chunkLen <= 0 || chunkLen > n {
		chunkLen = n
	}
	return max(chunkLen, 1)
}

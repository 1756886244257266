// Package archive stores a Zarr hierarchy inside a single zip file. Entries
// are stored uncompressed (chunks are already zstd compressed) so readers can
// range-request individual chunks.
package archive

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"

	"github.com/cosilico/ingest/internal/data/zarr"
)

// Ext is the file extension of archives.
const Ext = ".zarr.zip"

// Writer is a write-once zarr.Store backed by a zip file.
type Writer struct {
	path string
	f    *os.File
	zw   *zip.Writer

	mu     sync.Mutex
	keys   map[string]struct{}
	size   int64
	closed bool
}

// Create truncates or creates the archive at p.
func Create(p string) (*Writer, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create archive %s", p)
	}
	return &Writer{
		path: p,
		f:    f,
		zw:   zip.NewWriter(f),
		keys: make(map[string]struct{}),
	}, nil
}

// Path returns the archive file path.
func (w *Writer) Path() string { return w.path }

// Set adds an entry. Keys can be written only once.
func (w *Writer) Set(key string, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Newf("archive %s is closed", w.path)
	}
	if _, ok := w.keys[key]; ok {
		return errors.AssertionFailedf("archive %s: duplicate key %q", w.path, key)
	}
	ew, err := w.zw.CreateHeader(&zip.FileHeader{Name: key, Method: zip.Store})
	if err != nil {
		return errors.Wrapf(err, "failed to add %q to %s", key, w.path)
	}
	if _, err := ew.Write(value); err != nil {
		return errors.Wrapf(err, "failed to write %q to %s", key, w.path)
	}
	w.keys[key] = struct{}{}
	w.size += int64(len(value))
	return nil
}

// Get is not supported while writing.
func (w *Writer) Get(key string) ([]byte, error) {
	return nil, errors.Wrapf(zarr.ErrNotFound, "archive %s is write-only: %s", w.path, key)
}

// Children lists the entries written so far below prefix.
func (w *Writer) Children(prefix string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.keys))
	for k := range w.keys {
		keys = append(keys, k)
	}
	return zarr.ChildNames(prefix, keys)
}

// Written reports the number of payload bytes written.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close writes implicit group metadata for every node that has none and
// finalizes the zip directory.
func (w *Writer) Close() error {
	w.mu.Lock()
	var missing []string
	for _, node := range w.nodes() {
		if _, ok := w.keys[metaPath(node)]; !ok {
			missing = append(missing, node)
		}
	}
	w.mu.Unlock()

	for _, node := range missing {
		if err := zarr.CreateGroup(w, node, nil); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "failed to finalize archive %s", w.path)
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close archive %s", w.path)
	}
	return nil
}

// Abort discards a partially written archive.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.f.Close()
	}
	os.Remove(w.path)
}

// nodes returns every group node implied by the written keys: all ancestors
// of array and group metadata documents, including the root.
func (w *Writer) nodes() []string {
	seen := map[string]struct{}{"": {}}
	for k := range w.keys {
		if !strings.HasSuffix(k, zarr.MetaKey) {
			continue
		}
		node := path.Dir(k)
		for node != "." && node != "/" {
			node = path.Dir(node)
			if node == "." {
				break
			}
			seen[node] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func metaPath(node string) string {
	if node == "" {
		return zarr.MetaKey
	}
	return node + "/" + zarr.MetaKey
}

// Reader is a read-only zarr.Store over an archive.
type Reader struct {
	closer io.Closer
	zr     *zip.Reader
	index  map[string]*zip.File
	keys   []string
}

// Open opens the archive file at p.
func Open(p string) (*Reader, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %s", p)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to stat archive %s", p)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "archive %s", p)
	}
	r.closer = f
	return r, nil
}

// NewReader reads an archive from any random-access source.
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read zip directory")
	}
	r := &Reader{zr: zr, index: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		r.index[f.Name] = f
		r.keys = append(r.keys, f.Name)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Get returns the entry stored under key.
func (r *Reader) Get(key string) ([]byte, error) {
	f, ok := r.index[key]
	if !ok {
		return nil, errors.Wrapf(zarr.ErrNotFound, "%s", key)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open entry %q", key)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read entry %q", key)
	}
	return data, nil
}

// Set always fails; archives are immutable once written.
func (r *Reader) Set(key string, _ []byte) error {
	return errors.Newf("archive is read-only: %s", key)
}

// Has reports whether key exists.
func (r *Reader) Has(key string) bool {
	_, ok := r.index[key]
	return ok
}

// Keys returns all entry names in sorted order.
func (r *Reader) Keys() []string { return r.keys }

func (r *Reader) Children(prefix string) []string {
	return zarr.ChildNames(prefix, r.keys)
}

// Attrs decodes the attributes of node p into v.
func (r *Reader) Attrs(p string, v any) error {
	return zarr.ReadAttrs(r, p, v)
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

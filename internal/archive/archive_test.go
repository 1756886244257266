package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"

	"github.com/cosilico/ingest/internal/data/zarr"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "layer"+Ext)
	w, err := Create(p)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := zarr.CreateGroup(w, "", map[string]any{"name": "Cells", "resolutions": []int{4096, 8192}}); err != nil {
		t.Fatalf("CreateGroup error: %v", err)
	}
	if err := zarr.WriteStrings(w, "metadata/ids/4096", []string{"a", "b", "c"}, 0); err != nil {
		t.Fatalf("WriteStrings error: %v", err)
	}
	if err := zarr.WriteVector(w, "zooms/4096/0_0/count", []uint32{1, 2, 3}, 0); err != nil {
		t.Fatalf("WriteVector error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	r, err := Open(p)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()

	// implicit groups are materialized on close
	for _, node := range []string{"metadata", "metadata/ids", "zooms", "zooms/4096", "zooms/4096/0_0"} {
		if !r.Has(node + "/" + zarr.MetaKey) {
			t.Errorf("missing group metadata for %q", node)
		}
	}

	var attrs struct {
		Name        string `json:"name"`
		Resolutions []int  `json:"resolutions"`
	}
	if err := r.Attrs("", &attrs); err != nil {
		t.Fatalf("Attrs error: %v", err)
	}
	if attrs.Name != "Cells" || len(attrs.Resolutions) != 2 {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}

	ids, err := zarr.ReadStrings(r, "metadata/ids/4096")
	if err != nil {
		t.Fatalf("ReadStrings error: %v", err)
	}
	if len(ids) != 3 || ids[2] != "c" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if got := r.Children("zooms/4096"); len(got) != 1 || got[0] != "0_0" {
		t.Fatalf("unexpected children: %v", got)
	}
}

func TestWriter_EntriesAreStored(t *testing.T) {
	p := filepath.Join(t.TempDir(), "img"+Ext)
	w, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Set("blob", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Method != zip.Store {
			t.Errorf("entry %q uses method %d, want stored", f.Name, f.Method)
		}
	}
}

func TestWriter_DuplicateKey(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "dup"+Ext))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.Set("k", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Set("k", nil); !errors.HasAssertionFailure(err) {
		t.Fatalf("expected assertion failure, got %v", err)
	}
}

func TestWriter_AbortRemovesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "partial"+Ext)
	w, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Set("k", []byte{1})
	w.Abort()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected archive to be removed, stat err=%v", err)
	}
}

func TestReader_MissingKey(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty"+Ext)
	w, err := Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Get("nope"); !errors.Is(err, zarr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !r.Has(zarr.MetaKey) {
		t.Fatal("expected root group metadata")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/cosilico/ingest/internal/archive"
	"github.com/cosilico/ingest/internal/cache"
	"github.com/cosilico/ingest/internal/catalog"
	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/ingest"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/pyramid"
	"github.com/cosilico/ingest/internal/service"
	"github.com/cosilico/ingest/internal/storage"
	"github.com/cosilico/ingest/internal/table"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server  *httptest.Server
	cache   *cache.Manager
	catalog *catalog.Store
	store   *storage.FileStore
}

// setupTestServer serves an empty archive directory.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "archives"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: 8,
		ChunkTTL:         time.Minute,
		AttrsCacheSize:   16,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	archives, err := service.NewArchiveService(service.ArchiveServiceConfig{
		Store:        store,
		Cache:        cacheManager,
		OpenArchives: 4,
	})
	if err != nil {
		t.Fatalf("Failed to initialize archive service: %v", err)
	}
	cat, err := catalog.NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}

	router := NewRouter(RouterConfig{
		Archives:       archives,
		Store:          store,
		Catalog:        cat,
		CORSOrigins:    []string{"http://localhost:3000"},
		MaxUploadBytes: 64 << 20,
	})
	ts := &testServer{
		server:  httptest.NewServer(router),
		cache:   cacheManager,
		catalog: cat,
		store:   store,
	}
	t.Cleanup(func() {
		ts.server.Close()
		archives.Close()
		cacheManager.Close()
		cat.Close()
	})
	return ts
}

// publish ingests a small experiment and uploads it through the server's
// own PUT route, the way the http storage backend does.
func (ts *testServer) publish(t *testing.T) *model.Bundle {
	t.Helper()

	v := pyramid.NewVolume[uint16](100, 100, 1, 1, 1)
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			v.Set(x, y, 0, 0, 0, uint16(x+1))
		}
	}
	o := &table.Objects{IDs: []string{"cell-0"}}
	o.Rings = append(o.Rings, orb.Ring{{10, 10}, {14, 10}, {14, 14}, {10, 14}, {10, 10}})
	in := ingest.Inputs{
		Experiment: model.NewExperiment("run", "Xenium", "1.0", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), nil),
		ImageMetadata: model.ImageMetadata{
			SizeX: 100, SizeY: 100, SizeZ: 1, SizeC: 1, SizeT: 1,
			PhysicalSizeX: 1, PhysicalSizeXUnit: "µm", Channels: []string{"DAPI"},
		},
		Image:   v,
		Objects: o,
	}
	b, err := ingest.Run(context.Background(), in, ingest.Options{
		OutputDir: t.TempDir(),
		Image:     ingest.ImageOptions{Name: "morphology", TileSize: 64, ScaleFactor: 2},
		Objects: ingest.ObjectsOptions{
			Name: "Cells", TileSize: 64, ScaleFactor: 2,
			Levels: []ungrouped.LevelOptions{{MaxVertices: 8, ObjectType: ungrouped.Polygon}},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	base := ts.server.URL + "/archives/"
	remote := storage.NewSignedURLStore(storage.URLPattern{PutBase: base, GetBase: base}, ts.server.Client())
	if err := storage.UploadBundle(context.Background(), remote, b, storage.UploadOptions{Concurrency: 2}); err != nil {
		t.Fatalf("UploadBundle failed: %v", err)
	}
	if err := ts.catalog.SaveBundle(b); err != nil {
		t.Fatalf("SaveBundle failed: %v", err)
	}
	return b
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestArchiveEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	b := ts.publish(t)
	img, cells := b.Images[0].ID, b.Layers[0].ID

	resp, body := ts.get(t, "/api/archives/"+img)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	assertJSONFields(t, body, []string{"id", "kind", "attrs"})

	resp, body = ts.get(t, "/api/archives/"+img+"/images/64/1/0?c=0")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/octet-stream")
	if got := resp.Header.Get("X-Data-Type"); got != "uint16" {
		t.Errorf("Expected X-Data-Type uint16, got %q", got)
	}
	if len(body) != 64*64*2 {
		t.Fatalf("Expected %d bytes, got %d", 64*64*2, len(body))
	}
	// tile 1 starts at x=64, whose samples are 65
	if body[0] != 65 || body[1] != 0 {
		t.Errorf("Unexpected first sample %v", body[:2])
	}

	resp, body = ts.get(t, "/api/archives/"+cells+"/layers/64/0/0")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"ids", "vertices", "shape"})

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"unknown archive", "/api/archives/ffffffffffffffffffffffffffffffff", http.StatusNotFound},
		{"invalid x", "/api/archives/" + img + "/images/64/abc/0", http.StatusBadRequest},
		{"negative channel", "/api/archives/" + img + "/images/64/0/0?c=-1", http.StatusBadRequest},
		{"outside grid", "/api/archives/" + img + "/images/64/5/0", http.StatusNotFound},
		{"image as layer", "/api/archives/" + img + "/layers/64/0/0", http.StatusBadRequest},
		{"empty layer tile", "/api/archives/" + cells + "/layers/64/1/0", http.StatusNotFound},
		{"group on ungrouped", "/api/archives/" + cells + "/layers/64/0/0?group=0", http.StatusBadRequest},
		{"metadata of image", "/api/archives/" + img + "/metadata/64", http.StatusBadRequest},
		{"invalid metadata tile", "/api/archives/" + img + "/metadata/64?tile=x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.get(t, tt.path)
			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}
}

func TestArchiveDownload(t *testing.T) {
	ts := setupTestServer(t)
	b := ts.publish(t)
	key := b.Layers[0].Path

	resp, body := ts.get(t, "/archives/"+key)
	assertStatusCode(t, resp, http.StatusOK)
	r, err := archive.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("Downloaded archive is unreadable: %v", err)
	}
	if !r.Has(zarr.MetaKey) {
		t.Error("Expected a root node in the downloaded archive")
	}

	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/archives/"+key, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=0-3")
	ranged, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer ranged.Body.Close()
	assertStatusCode(t, ranged, http.StatusPartialContent)
	head, _ := io.ReadAll(ranged.Body)
	if !bytes.Equal(head, body[:4]) {
		t.Errorf("Expected range %v, got %v", body[:4], head)
	}

	resp, _ = ts.get(t, "/archives/missing"+archive.Ext)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestArchiveUpload_Rejects(t *testing.T) {
	ts := setupTestServer(t)
	put := func(key, body string) int {
		req, err := http.NewRequest(http.MethodPut, ts.server.URL+"/archives/"+key, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := put("notes.txt", "x"); got != http.StatusBadRequest {
		t.Errorf("Expected %d for a foreign key, got %d", http.StatusBadRequest, got)
	}
	if got := put("a"+archive.Ext, "zip"); got != http.StatusOK {
		t.Errorf("Expected %d, got %d", http.StatusOK, got)
	}
}

func TestExperimentEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	b := ts.publish(t)

	resp, body := ts.get(t, "/api/experiments")
	assertStatusCode(t, resp, http.StatusOK)
	var list struct {
		Experiments []model.Experiment `json:"experiments"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(list.Experiments) != 1 || list.Experiments[0].ID != b.Experiment.ID {
		t.Errorf("Unexpected experiments %+v", list.Experiments)
	}

	resp, body = ts.get(t, "/api/experiments/"+b.Experiment.ID)
	assertStatusCode(t, resp, http.StatusOK)
	var got model.Bundle
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(got.Images) != 1 || len(got.Layers) != 1 {
		t.Errorf("Unexpected bundle %+v", got)
	}

	resp, _ = ts.get(t, "/api/experiments/unknown")
	assertStatusCode(t, resp, http.StatusNotFound)
}

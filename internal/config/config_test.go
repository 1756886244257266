package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cosilico/ingest/internal/storage"
	"github.com/cosilico/ingest/internal/ungrouped"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 9000\n")

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Image.TileSize != 512 || cfg.Image.ScaleFactor != 4 {
		t.Errorf("unexpected image defaults: %+v", cfg.Image)
	}
	tr := cfg.Transcripts
	if tr.TileSize != 4096 || tr.InitialGroupSize != 1024 || tr.BinSize != 64 || tr.ChunkSize != 10_000_000 {
		t.Errorf("unexpected transcript defaults: %+v", tr)
	}
	if tr.UseDisk == nil || !*tr.UseDisk {
		t.Error("expected use_disk to default to true")
	}
	if len(tr.Values) != 1 || tr.Values[0].Name != "QV" {
		t.Errorf("unexpected transcript values: %+v", tr.Values)
	}
	if cfg.Cells.ScaleFactor != 2 || len(cfg.Cells.Levels) != 2 {
		t.Errorf("unexpected cell defaults: %+v", cfg.Cells)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("expected file backend, got %q", cfg.Storage.Backend)
	}
}

func TestLoad_Overrides(t *testing.T) {
	content := `
workers: 3
cache_dir: /tmp/cosilico
transcripts:
  tile_size: 1024
  use_disk: false
  values:
    - column: qv
      name: Quality
    - column: depth
cells:
  seed: 7
  levels:
    - max_vertices: 16
      downsample: -1
      object_type: polygon
    - max_vertices: 1
      downsample: 500
      object_type: point
`
	cfg := loadFromString(t, content)

	po := cfg.PointsOptions("transcripts")
	if po.TileSize != 1024 || po.UseDisk || po.Workers != 3 {
		t.Errorf("unexpected points options: %+v", po)
	}
	if po.TempDir != filepath.Join("/tmp/cosilico", "tmp") {
		t.Errorf("unexpected temp dir %q", po.TempDir)
	}
	if len(po.TargetColumns) != 2 || po.TargetColumns[1] != "depth" {
		t.Errorf("unexpected target columns: %v", po.TargetColumns)
	}
	values := cfg.PointValues()
	if values[0].Name != "Quality" || values[1].Name != "" {
		t.Errorf("unexpected point values: %+v", values)
	}

	oo := cfg.ObjectsOptions("cells")
	if oo.Seed != 7 || oo.ScaleFactor != 2 {
		t.Errorf("unexpected objects options: %+v", oo)
	}
	want := []ungrouped.LevelOptions{
		{MaxVertices: 16, Downsample: -1, ObjectType: ungrouped.Polygon},
		{MaxVertices: 1, Downsample: 500, ObjectType: ungrouped.Point},
	}
	if len(oo.Levels) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(oo.Levels))
	}
	for i := range want {
		if oo.Levels[i] != want[i] {
			t.Errorf("level %d: expected %+v, got %+v", i, want[i], oo.Levels[i])
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend":     "storage:\n  backend: ftp\n",
		"s3 bucket":   "storage:\n  backend: s3\n",
		"http base":   "storage:\n  backend: http\n",
		"object type": "cells:\n  levels:\n    - object_type: line\n",
		"log level":   "log:\n  level: loud\n",
		"yaml":        "server: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestCacheManagerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cc := cfg.Cache.CacheManagerConfig()
	if cc.ChunkTTL != 10*time.Minute || cc.ChunkCacheSizeMB != 512 || cc.AttrsCacheSize != 1024 {
		t.Errorf("unexpected cache config: %+v", cc)
	}
}

func TestStorageConfig_NewStore(t *testing.T) {
	fileCfg := StorageConfig{Backend: "file", Dir: t.TempDir()}
	s, err := fileCfg.NewStore()
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, ok := s.(*storage.FileStore); !ok {
		t.Errorf("expected a file store, got %T", s)
	}

	httpCfg := StorageConfig{Backend: "http", HTTP: HTTPConfig{BaseURL: "http://localhost:8080/"}}
	s, err = httpCfg.NewStore()
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, ok := s.(*storage.SignedURLStore); !ok {
		t.Errorf("expected a signed URL store, got %T", s)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	l, err := LogConfig{Level: "debug", Development: true}.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if !l.Core().Enabled(-1) {
		t.Error("expected debug to be enabled")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

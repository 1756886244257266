// Package config handles configuration loading for the ingest tools and the
// archive server.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/cosilico/ingest/internal/cache"
	"github.com/cosilico/ingest/internal/ingest"
	"github.com/cosilico/ingest/internal/storage"
	"github.com/cosilico/ingest/internal/ungrouped"
)

// Config represents the full configuration.
type Config struct {
	// CacheDir receives the archives written by ingestion.
	CacheDir    string            `yaml:"cache_dir"`
	Workers     int               `yaml:"workers"`
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Storage     StorageConfig     `yaml:"storage"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Image       ImageConfig       `yaml:"image"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Cells       CellsConfig       `yaml:"cells"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// ArchiveDir is served under /archives and /api/archives.
	ArchiveDir  string `yaml:"archive_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkSizeMB     int `yaml:"chunk_size_mb"`
	ChunkTTLMinutes int `yaml:"chunk_ttl_minutes"`
	AttrsEntries    int `yaml:"attrs_entries"`
	OpenArchives    int `yaml:"open_archives"`
}

// StorageConfig selects where bundles are uploaded.
type StorageConfig struct {
	// Backend is one of "file", "s3" or "http".
	Backend     string           `yaml:"backend"`
	Dir         string           `yaml:"dir"`
	S3          storage.S3Config `yaml:"s3"`
	HTTP        HTTPConfig       `yaml:"http"`
	Concurrency int              `yaml:"concurrency"`
}

// HTTPConfig points at an archive server accepting plain PUT and GET.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
}

// CatalogConfig locates the bundle catalog database.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// ImageConfig contains image pyramid settings.
type ImageConfig struct {
	TileSize    int  `yaml:"tile_size"`
	ScaleFactor int  `yaml:"scale_factor"`
	ToUint8     bool `yaml:"to_uint8"`
}

// ValueConfig names a transcript column written as its own metadata.
type ValueConfig struct {
	Column string `yaml:"column"`
	Name   string `yaml:"name"`
}

// TranscriptsConfig contains grouped point layer settings.
type TranscriptsConfig struct {
	TileSize         int           `yaml:"tile_size"`
	ScaleFactor      int           `yaml:"scale_factor"`
	InitialGroupSize int           `yaml:"initial_group_size"`
	BinSize          int           `yaml:"bin_size"`
	ChunkSize        int           `yaml:"chunk_size"`
	UseDisk          *bool         `yaml:"use_disk"`
	SortChunkSize    int           `yaml:"sort_chunk_size"`
	Values           []ValueConfig `yaml:"values"`
}

// CellLevelConfig configures one resolution of the cell layer.
type CellLevelConfig struct {
	MaxVertices int    `yaml:"max_vertices"`
	Downsample  int    `yaml:"downsample"`
	ObjectType  string `yaml:"object_type"`
}

// CellsConfig contains ungrouped object layer settings.
type CellsConfig struct {
	TileSize    int               `yaml:"tile_size"`
	ScaleFactor int               `yaml:"scale_factor"`
	Seed        uint64            `yaml:"seed"`
	Levels      []CellLevelConfig `yaml:"levels"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	useDisk := true
	return &Config{
		CacheDir: defaultCacheDir(),
		Log:      LogConfig{Level: "info"},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			ArchiveDir:  "./archives",
			MaxUploadMB: 4096,
		},
		Cache: CacheConfig{
			ChunkSizeMB:     512,
			ChunkTTLMinutes: 10,
			AttrsEntries:    1024,
			OpenArchives:    64,
		},
		Storage: StorageConfig{
			Backend:     "file",
			Dir:         "./archives",
			Concurrency: 4,
		},
		Catalog: CatalogConfig{Path: "./catalog.db"},
		Image: ImageConfig{
			TileSize:    512,
			ScaleFactor: 4,
		},
		Transcripts: TranscriptsConfig{
			TileSize:         4096,
			ScaleFactor:      4,
			InitialGroupSize: 1024,
			BinSize:          64,
			ChunkSize:        10_000_000,
			UseDisk:          &useDisk,
			SortChunkSize:    1_000_000,
			Values:           []ValueConfig{{Column: "qv", Name: "QV"}},
		},
		Cells: CellsConfig{
			TileSize:    4096,
			ScaleFactor: 2,
			Levels: []CellLevelConfig{
				{MaxVertices: 32, Downsample: -1, ObjectType: string(ungrouped.Polygon)},
				{MaxVertices: 4, Downsample: 100_000, ObjectType: string(ungrouped.Polygon)},
			},
		},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "./cache"
	}
	return filepath.Join(dir, "cosilico")
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.CacheDir == "" {
		cfg.CacheDir = defaults.CacheDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ArchiveDir == "" {
		cfg.Server.ArchiveDir = defaults.Server.ArchiveDir
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = defaults.Server.MaxUploadMB
	}
	if cfg.Cache.ChunkSizeMB == 0 {
		cfg.Cache.ChunkSizeMB = defaults.Cache.ChunkSizeMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.AttrsEntries == 0 {
		cfg.Cache.AttrsEntries = defaults.Cache.AttrsEntries
	}
	if cfg.Cache.OpenArchives == 0 {
		cfg.Cache.OpenArchives = defaults.Cache.OpenArchives
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = defaults.Storage.Dir
	}
	if cfg.Storage.Concurrency == 0 {
		cfg.Storage.Concurrency = defaults.Storage.Concurrency
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = defaults.Catalog.Path
	}
	if cfg.Image.TileSize == 0 {
		cfg.Image.TileSize = defaults.Image.TileSize
	}
	if cfg.Image.ScaleFactor == 0 {
		cfg.Image.ScaleFactor = defaults.Image.ScaleFactor
	}

	t, dt := &cfg.Transcripts, defaults.Transcripts
	if t.TileSize == 0 {
		t.TileSize = dt.TileSize
	}
	if t.ScaleFactor == 0 {
		t.ScaleFactor = dt.ScaleFactor
	}
	if t.InitialGroupSize == 0 {
		t.InitialGroupSize = dt.InitialGroupSize
	}
	if t.BinSize == 0 {
		t.BinSize = dt.BinSize
	}
	if t.ChunkSize == 0 {
		t.ChunkSize = dt.ChunkSize
	}
	if t.UseDisk == nil {
		t.UseDisk = dt.UseDisk
	}
	if t.SortChunkSize == 0 {
		t.SortChunkSize = dt.SortChunkSize
	}
	if t.Values == nil {
		t.Values = dt.Values
	}

	c, dc := &cfg.Cells, defaults.Cells
	if c.TileSize == 0 {
		c.TileSize = dc.TileSize
	}
	if c.ScaleFactor == 0 {
		c.ScaleFactor = dc.ScaleFactor
	}
	if len(c.Levels) == 0 {
		c.Levels = dc.Levels
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "file":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required")
		}
	case "http":
		if c.Storage.HTTP.BaseURL == "" {
			return errors.New("storage.http.base_url is required")
		}
	default:
		return errors.Newf("unknown storage backend %q", c.Storage.Backend)
	}
	for i, l := range c.Cells.Levels {
		switch ungrouped.ObjectType(l.ObjectType) {
		case "", ungrouped.Point, ungrouped.Polygon:
		default:
			return errors.Newf("cells level %d: unknown object type %q", i, l.ObjectType)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	return nil
}

// NewLogger builds the logger described by the log section.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// CacheManagerConfig converts the cache section.
func (c CacheConfig) CacheManagerConfig() cache.Config {
	return cache.Config{
		ChunkCacheSizeMB: c.ChunkSizeMB,
		ChunkTTL:         time.Duration(c.ChunkTTLMinutes) * time.Minute,
		AttrsCacheSize:   c.AttrsEntries,
	}
}

// ImageOptions converts the image section.
func (c *Config) ImageOptions(name string) ingest.ImageOptions {
	return ingest.ImageOptions{
		Name:        name,
		TileSize:    c.Image.TileSize,
		ScaleFactor: c.Image.ScaleFactor,
		ToUint8:     c.Image.ToUint8,
		Workers:     c.Workers,
	}
}

// PointsOptions converts the transcripts section. Every configured value
// column is averaged per bin.
func (c *Config) PointsOptions(name string) ingest.PointsOptions {
	t := c.Transcripts
	opts := ingest.PointsOptions{
		Name:             name,
		TileSize:         t.TileSize,
		ScaleFactor:      t.ScaleFactor,
		InitialGroupSize: t.InitialGroupSize,
		BinSize:          t.BinSize,
		ChunkSize:        t.ChunkSize,
		UseDisk:          t.UseDisk != nil && *t.UseDisk,
		TempDir:          filepath.Join(c.CacheDir, "tmp"),
		SortChunkSize:    t.SortChunkSize,
		Workers:          c.Workers,
	}
	for _, v := range t.Values {
		opts.TargetColumns = append(opts.TargetColumns, v.Column)
	}
	return opts
}

// PointValues lists the transcript value columns as metadata columns.
func (c *Config) PointValues() []ingest.ValueColumn {
	var out []ingest.ValueColumn
	for _, v := range c.Transcripts.Values {
		out = append(out, ingest.ValueColumn{Column: v.Column, Name: v.Name})
	}
	return out
}

// ObjectsOptions converts the cells section.
func (c *Config) ObjectsOptions(name string) ingest.ObjectsOptions {
	opts := ingest.ObjectsOptions{
		Name:        name,
		TileSize:    c.Cells.TileSize,
		ScaleFactor: c.Cells.ScaleFactor,
		Seed:        c.Cells.Seed,
		Workers:     c.Workers,
	}
	for _, l := range c.Cells.Levels {
		opts.Levels = append(opts.Levels, ungrouped.LevelOptions{
			MaxVertices: l.MaxVertices,
			Downsample:  l.Downsample,
			ObjectType:  ungrouped.ObjectType(l.ObjectType),
		})
	}
	return opts
}

// NewStore builds the upload backend of the storage section.
func (c StorageConfig) NewStore() (storage.Store, error) {
	switch c.Backend {
	case "file":
		return storage.NewFileStore(c.Dir)
	case "s3":
		return storage.NewS3Store(c.S3)
	case "http":
		base := strings.TrimSuffix(c.HTTP.BaseURL, "/") + "/archives/"
		return storage.NewSignedURLStore(storage.URLPattern{PutBase: base, GetBase: base}, nil), nil
	}
	return nil, errors.Newf("unknown storage backend %q", c.Backend)
}

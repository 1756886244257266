// Package model defines the records produced by ingestion: experiments and
// the images, layers and layer metadata archives that belong to them.
package model

import (
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Version tags every record written by this package.
const Version = "v0.0.1"

const archiveExt = ".zarr.zip"

// ErrIntegrity marks data integrity violations: inputs that are well formed
// but inconsistent with each other or missing required content.
var ErrIntegrity = errors.New("data integrity violation")

// Integrityf returns an error marked with ErrIntegrity.
func Integrityf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrIntegrity)
}

// Extra holds free-form scalar attributes.
type Extra map[string]string

// NewID returns a random 32 character hex identifier.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// ArchiveKey is the storage key of the archive belonging to id.
func ArchiveKey(id string) string {
	return id + archiveExt
}

// Experiment groups the entities produced from one acquisition.
type Experiment struct {
	ID              string    `json:"id"`
	Version         string    `json:"version"`
	Name            string    `json:"name"`
	Platform        string    `json:"platform,omitempty"`
	PlatformVersion string    `json:"platform_version,omitempty"`
	ExperimentDate  time.Time `json:"experiment_date,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	ImageIDs        []string  `json:"image_ids"`
	LayerIDs        []string  `json:"layer_ids"`
	Metadata        Extra     `json:"metadata,omitempty"`
}

// NewExperiment returns a fully formed experiment record.
func NewExperiment(name, platform, platformVersion string, date time.Time, md Extra) Experiment {
	return Experiment{
		ID:              NewID(),
		Version:         Version,
		Name:            name,
		Platform:        platform,
		PlatformVersion: platformVersion,
		ExperimentDate:  date,
		ImageIDs:        []string{},
		LayerIDs:        []string{},
		Metadata:        md,
	}
}

// Image is one multi-resolution image archive.
type Image struct {
	ID           string        `json:"id"`
	Version      string        `json:"version"`
	ExperimentID string        `json:"experiment_id"`
	Name         string        `json:"name"`
	Metadata     ImageMetadata `json:"metadata"`
	Path         string        `json:"path"`
	LocalPath    string        `json:"local_path,omitempty"`
}

// NewImage returns an image record whose archive lives in outputDir.
func NewImage(experimentID, name string, md ImageMetadata, outputDir string) Image {
	id := NewID()
	return Image{
		ID:           id,
		Version:      Version,
		ExperimentID: experimentID,
		Name:         name,
		Metadata:     md,
		Path:         ArchiveKey(id),
		LocalPath:    filepath.Join(outputDir, ArchiveKey(id)),
	}
}

// Layer is one tiled point or object layer archive.
type Layer struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	IsGrouped    bool   `json:"is_grouped"`
	Metadata     Extra  `json:"metadata,omitempty"`
	Path         string `json:"path"`
	LocalPath    string `json:"local_path,omitempty"`
}

// NewLayer returns a layer record whose archive lives in outputDir.
func NewLayer(experimentID, name string, grouped bool, outputDir string) Layer {
	id := NewID()
	return Layer{
		ID:           id,
		Version:      Version,
		ExperimentID: experimentID,
		Name:         name,
		IsGrouped:    grouped,
		Path:         ArchiveKey(id),
		LocalPath:    filepath.Join(outputDir, ArchiveKey(id)),
	}
}

// MetadataType distinguishes categorical from continuous layer metadata.
type MetadataType string

const (
	Categorical MetadataType = "categorical"
	Continuous  MetadataType = "continuous"
)

// Valid reports whether t is a known metadata type.
func (t MetadataType) Valid() bool {
	return t == Categorical || t == Continuous
}

// LayerMetadata is one metadata archive attached to a layer.
type LayerMetadata struct {
	ID        string       `json:"id"`
	Version   string       `json:"version"`
	LayerID   string       `json:"layer_id"`
	Name      string       `json:"name"`
	Type      MetadataType `json:"metadata_type"`
	IsSparse  bool         `json:"is_sparse"`
	Fields    []string     `json:"fields,omitempty"`
	Metadata  Extra        `json:"metadata,omitempty"`
	Path      string       `json:"path"`
	LocalPath string       `json:"local_path,omitempty"`
}

// NewLayerMetadata returns a layer metadata record whose archive lives in
// outputDir.
func NewLayerMetadata(layerID, name string, typ MetadataType, sparse bool, fields []string, outputDir string) LayerMetadata {
	id := NewID()
	return LayerMetadata{
		ID:        id,
		Version:   Version,
		LayerID:   layerID,
		Name:      name,
		Type:      typ,
		IsSparse:  sparse,
		Fields:    fields,
		Path:      ArchiveKey(id),
		LocalPath: filepath.Join(outputDir, ArchiveKey(id)),
	}
}

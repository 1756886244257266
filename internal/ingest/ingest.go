// Package ingest drives the tilers for one experiment: the image pyramid
// first, then the grouped point layer with its metadata, then the object
// layer and the metadata aligned to it. Every stage writes one
// self-contained archive and a record describing it.
package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/metadata"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/pyramid"
	"github.com/cosilico/ingest/internal/table"
)

// NamedValues is one metadata archive to attach to the object layer.
type NamedValues struct {
	Name   string
	Values metadata.Values
}

// Inputs is everything read from the vendor files of one experiment.
type Inputs struct {
	Experiment model.Experiment
	// ImageMetadata is required; it fixes the pixel extent and physical
	// size every layer is mapped onto.
	ImageMetadata model.ImageMetadata
	Image         *pyramid.Volume[uint16]
	Points        *table.Points
	Objects       *table.Objects
	Metadata      []NamedValues
}

// Options holds the explicit configuration of a run.
type Options struct {
	OutputDir string
	// PhysicalCoordinates marks point and object coordinates as physical
	// units that are divided by the pixel size before tiling.
	PhysicalCoordinates bool
	Crop                *Box
	Image               ImageOptions
	Points              PointsOptions
	PointValues         []ValueColumn
	Objects             ObjectsOptions
	Workers             int
	Logger              *zap.Logger
}

// Run writes every archive of one experiment and returns the bundle that
// references them. Metadata names and columns are checked before anything
// is written. Otherwise it stops at the first failure; archives written by
// earlier stages are left in place.
func Run(ctx context.Context, in Inputs, opts Options) (*model.Bundle, error) {
	log := logger(opts.Logger)
	start := time.Now()
	md := in.ImageMetadata
	if err := md.Validate(); err != nil {
		return nil, err
	}
	if err := checkMetadata(in, opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %s", opts.OutputDir)
	}

	b := model.NewBundle(in.Experiment)
	extent := Extent{Width: md.SizeX, Height: md.SizeY}
	if opts.Crop != nil {
		extent = Extent{Width: opts.Crop.Width(), Height: opts.Crop.Height()}
	}

	if in.Image != nil {
		imgOpts := opts.Image
		imgOpts.Crop, imgOpts.Workers, imgOpts.Logger = opts.Crop, opts.Workers, log
		img, err := WriteImage(ctx, b.Experiment.ID, in.Image, md, opts.OutputDir, imgOpts)
		if err != nil {
			return nil, err
		}
		b.AddImage(img)
	}

	if in.Points != nil {
		p := in.Points
		if opts.PhysicalCoordinates {
			p.Scale(md.PhysicalSizeX)
		}
		if opts.Crop != nil {
			p = p.Crop(opts.Crop.Bound())
		}
		po := opts.Points
		po.Workers, po.Logger = opts.Workers, log
		layer, gl, err := WritePoints(ctx, b.Experiment.ID, p, extent, opts.OutputDir, po)
		if err != nil {
			return nil, err
		}
		b.AddLayer(layer)
		lms, err := WriteGroupedMetadata(layer, gl, opts.PointValues, opts.OutputDir, log)
		if err != nil {
			return nil, err
		}
		for _, lm := range lms {
			if err := b.AddLayerMetadata(lm); err != nil {
				return nil, err
			}
		}
	}

	if in.Objects != nil {
		o := in.Objects
		if opts.PhysicalCoordinates {
			o.Scale(md.PhysicalSizeX)
		}
		if opts.Crop != nil {
			o = o.Crop(opts.Crop.Bound())
		}
		oo := opts.Objects
		oo.Workers, oo.Logger = opts.Workers, log
		layer, _, err := WriteObjects(ctx, b.Experiment.ID, o, extent, opts.OutputDir, oo)
		if err != nil {
			return nil, err
		}
		b.AddLayer(layer)
		for _, nv := range in.Metadata {
			lm, err := EncodeMetadata(ctx, layer, nv.Name, nv.Values, opts.OutputDir, opts.Workers, log)
			if err != nil {
				return nil, err
			}
			if err := b.AddLayerMetadata(lm); err != nil {
				return nil, err
			}
		}
	}

	log.Info("ingested experiment",
		zap.String("experiment", b.Experiment.ID),
		zap.Int("images", len(b.Images)),
		zap.Int("layers", len(b.Layers)),
		zap.Int("layer_metadata", len(b.LayerMetadata)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return b, nil
}

// checkMetadata rejects metadata that could only fail after earlier
// archives were written: names repeated within a layer, value columns the
// points do not carry and metadata without an object layer.
func checkMetadata(in Inputs, opts Options) error {
	if in.Points != nil {
		names := []string{metadata.CountName}
		for _, c := range opts.PointValues {
			if err := in.Points.RequireColumns(c.Column); err != nil {
				return err
			}
			names = append(names, c.name())
		}
		if err := uniqueNames(opts.Points.Name, names); err != nil {
			return err
		}
	}
	if len(in.Metadata) == 0 {
		return nil
	}
	if in.Objects == nil {
		return errors.AssertionFailedf("%d metadata sets given without an object layer", len(in.Metadata))
	}
	names := make([]string, len(in.Metadata))
	for i, nv := range in.Metadata {
		names[i] = nv.Name
	}
	return uniqueNames(opts.Objects.Name, names)
}

func uniqueNames(layer string, names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			return errors.AssertionFailedf("unnamed metadata for layer %q", layer)
		}
		if _, dup := seen[name]; dup {
			return errors.AssertionFailedf("duplicate metadata name %q for layer %q", name, layer)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// BundleFile is the name of the bundle document kept next to the archives.
const BundleFile = "bundle.json"

// ReadBundle reads a bundle document written by WriteBundle.
func ReadBundle(p string) (*model.Bundle, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bundle %s", p)
	}
	var b model.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrapf(err, "failed to parse bundle %s", p)
	}
	return &b, nil
}

// WriteBundle stores b as indented JSON at p.
func WriteBundle(p string, b *model.Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode bundle")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", p)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write bundle %s", p)
	}
	return errors.Wrapf(os.Rename(tmp, p), "failed to write bundle %s", p)
}

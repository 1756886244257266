package ingest

import (
	"context"
	"image"
	"image/color"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/image/tiff"

	"github.com/cosilico/ingest/internal/archive"
	"github.com/cosilico/ingest/internal/data/zarr"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/pyramid"
)

// ImageOptions controls how an image archive is built.
type ImageOptions struct {
	Name        string
	TileSize    int
	ScaleFactor int
	// Crop restricts the image to a pixel window before tiling.
	Crop *Box
	// ToUint8 rescales samples to the full 8-bit range.
	ToUint8 bool
	Workers int
	Logger  *zap.Logger
}

// LoadTIFF reads one single-plane TIFF per channel into a volume with one
// Z plane and one timepoint. All planes must share their dimensions.
func LoadTIFF(paths ...string) (*pyramid.Volume[uint16], error) {
	if len(paths) == 0 {
		return nil, errors.AssertionFailedf("no image planes given")
	}
	var v *pyramid.Volume[uint16]
	for c, p := range paths {
		img, err := decodeTIFF(p)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if v == nil {
			v = pyramid.NewVolume[uint16](b.Dx(), b.Dy(), 1, len(paths), 1)
		} else if b.Dx() != v.Shape[pyramid.AxisX] || b.Dy() != v.Shape[pyramid.AxisY] {
			return nil, errors.AssertionFailedf("plane %s is %dx%d, expected %dx%d",
				p, b.Dx(), b.Dy(), v.Shape[pyramid.AxisX], v.Shape[pyramid.AxisY])
		}
		copyPlane(v.Plane(0, c, 0), img)
	}
	return v, nil
}

func decodeTIFF(p string) (image.Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", p)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", p)
	}
	return img, nil
}

func copyPlane(dst []uint16, img image.Image) {
	b := img.Bounds()
	w := b.Dx()
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = src.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			}
		}
	}
}

// WriteImage validates md, builds the pyramid of v and writes it to a new
// archive in outDir. Nothing is written when md is incomplete.
func WriteImage(ctx context.Context, experimentID string, v *pyramid.Volume[uint16], md model.ImageMetadata, outDir string, opts ImageOptions) (model.Image, error) {
	if err := md.Validate(); err != nil {
		return model.Image{}, err
	}
	if opts.Crop != nil {
		c := *opts.Crop
		cropped, err := pyramid.Crop(v, c.X0, c.X1, c.Y0, c.Y1)
		if err != nil {
			return model.Image{}, err
		}
		v = cropped
		md = md.Cropped(c.Width(), c.Height())
	}
	md.SizeX, md.SizeY = v.Shape[pyramid.AxisX], v.Shape[pyramid.AxisY]

	img := model.NewImage(experimentID, opts.Name, md, outDir)
	var err error
	if opts.ToUint8 {
		md.PixelType = "uint8"
		img.Metadata = md
		err = writePyramid(ctx, pyramid.ToUint8(v), img, opts)
	} else {
		err = writePyramid(ctx, v, img, opts)
	}
	if err != nil {
		return model.Image{}, err
	}
	return img, nil
}

func writePyramid[T pyramid.Pixel](ctx context.Context, v *pyramid.Volume[T], img model.Image, opts ImageOptions) error {
	log := logger(opts.Logger)
	md := img.Metadata
	v = pyramid.PadToTileGrid(v, opts.TileSize, opts.TileSize)
	plan, err := pyramid.NewPlan(v, opts.TileSize, opts.ScaleFactor, md.MaxDim())
	if err != nil {
		return err
	}
	log.Info("planned image pyramid",
		zap.String("image", img.ID),
		zap.Ints("resolutions", plan.Resolutions),
		zap.Int("max_tiles", plan.TileCount()),
	)

	popts := pyramid.Options{TileSize: opts.TileSize, ScaleFactor: opts.ScaleFactor, Workers: opts.Workers, Logger: log}
	attrs := pyramid.ImageAttrs{
		OME:         md,
		Version:     img.Version,
		Name:        img.Name,
		Resolutions: plan.Resolutions,
		TileSize:    plan.TileSize,
		UPP:         md.PhysicalSizeX,
		Unit:        md.PhysicalSizeXUnit,
	}
	err = writeArchive(img.LocalPath, log, func(w *archive.Writer) error {
		if err := pyramid.Execute(ctx, plan, v, w, popts); err != nil {
			return err
		}
		if err := zarr.CreateGroup(w, "", attrs); err != nil {
			return errors.Wrap(err, "failed to write image attributes")
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write image %q", img.Name)
	}
	return nil
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

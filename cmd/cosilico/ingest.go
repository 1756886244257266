package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/ingest"
	"github.com/cosilico/ingest/internal/metadata"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
)

var ingestFlags struct {
	name            string
	platform        string
	platformVersion string
	date            string
	imageMetadata   string
	images          []string
	points          string
	objects         string
	counts          string
	countsName      string
	attributes      string
	out             string
	physical        bool
	crop            string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest --image-metadata md.json [--image c0.tif ...] [--points p.arrow] [--objects o.arrow]",
	Short: "tile one experiment into archives",
	Long: `
Builds the image pyramid, the grouped transcript layer with its metadata,
the cell layer and any cell metadata of one experiment. Tables are Arrow IPC
streams; images are one single-plane TIFF per channel.

The archives and a bundle.json describing them are written to --out, or to a
directory named after the experiment id below the configured cache_dir.
`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.name, "name", "", "experiment name")
	f.StringVar(&ingestFlags.platform, "platform", "Xenium", "acquisition platform")
	f.StringVar(&ingestFlags.platformVersion, "platform-version", "", "platform software version")
	f.StringVar(&ingestFlags.date, "date", "", "experiment date (YYYY-MM-DD), today when empty")
	f.StringVar(&ingestFlags.imageMetadata, "image-metadata", "", "image metadata JSON")
	f.StringSliceVar(&ingestFlags.images, "image", nil, "channel TIFF, repeated in channel order")
	f.StringVar(&ingestFlags.points, "points", "", "transcript table")
	f.StringVar(&ingestFlags.objects, "objects", "", "cell boundary vertex table")
	f.StringVar(&ingestFlags.counts, "counts", "", "sparse cell by feature table")
	f.StringVar(&ingestFlags.countsName, "counts-name", "Transcript Counts", "name of the --counts metadata")
	f.StringVar(&ingestFlags.attributes, "attributes", "", "per-cell attribute table")
	f.StringVar(&ingestFlags.out, "out", "", "output directory")
	f.BoolVar(&ingestFlags.physical, "physical", true, "table coordinates are physical units")
	f.StringVar(&ingestFlags.crop, "crop", "", "pixel crop window x0,y0,x1,y1")
	_ = ingestCmd.MarkFlagRequired("image-metadata")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	fl := ingestFlags

	date := time.Now().UTC()
	if fl.date != "" {
		if date, err = time.Parse(time.DateOnly, fl.date); err != nil {
			return errors.Wrapf(err, "invalid --date %q", fl.date)
		}
	}
	md, err := ingest.ReadImageMetadata(fl.imageMetadata)
	if err != nil {
		return err
	}
	name := fl.name
	if name == "" {
		name = md.Name
	}
	in := ingest.Inputs{
		Experiment:    model.NewExperiment(name, fl.platform, fl.platformVersion, date, nil),
		ImageMetadata: md,
	}
	if err := loadInputs(&in, log); err != nil {
		return err
	}

	opts := ingest.Options{
		OutputDir:           fl.out,
		PhysicalCoordinates: fl.physical,
		Image:               cfg.ImageOptions(md.Name),
		Points:              cfg.PointsOptions("Transcripts"),
		PointValues:         cfg.PointValues(),
		Objects:             cfg.ObjectsOptions("Cells"),
		Workers:             cfg.Workers,
		Logger:              log,
	}
	if opts.Image.Name == "" {
		opts.Image.Name = "morphology"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(cfg.CacheDir, in.Experiment.ID)
	}
	if fl.crop != "" {
		if opts.Crop, err = ingest.ParseBox(fl.crop); err != nil {
			return err
		}
	}

	b, err := ingest.Run(cmd.Context(), in, opts)
	if err != nil {
		return err
	}
	bundlePath := filepath.Join(opts.OutputDir, ingest.BundleFile)
	if err := ingest.WriteBundle(bundlePath, b); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "experiment %s: %d images, %d layers, %d metadata\nbundle: %s\n",
		b.Experiment.ID, len(b.Images), len(b.Layers), len(b.LayerMetadata), bundlePath)
	return nil
}

func loadInputs(in *ingest.Inputs, log *zap.Logger) error {
	fl := ingestFlags
	var err error
	if len(fl.images) > 0 {
		if in.Image, err = ingest.LoadTIFF(fl.images...); err != nil {
			return err
		}
	}
	if fl.points != "" {
		if in.Points, err = table.ReadPointsFile(fl.points); err != nil {
			return err
		}
		log.Info("read transcripts", zap.Int("rows", in.Points.Len()))
	}
	if fl.objects != "" {
		if in.Objects, err = table.ReadObjectsFile(fl.objects); err != nil {
			return err
		}
		log.Info("read cells", zap.Int("objects", in.Objects.Len()))
	}
	if fl.counts != "" {
		t, err := table.ReadTriplesFile(fl.counts)
		if err != nil {
			return err
		}
		in.Metadata = append(in.Metadata, ingest.NamedValues{Name: fl.countsName, Values: metadata.SparseContinuous{Triples: t}})
	}
	if fl.attributes != "" {
		a, err := table.ReadAttributesFile(fl.attributes)
		if err != nil {
			return err
		}
		sets, err := ingest.AttributeMetadata(a)
		if err != nil {
			return err
		}
		in.Metadata = append(in.Metadata, sets...)
	}
	return nil
}

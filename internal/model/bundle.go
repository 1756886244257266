package model

import "github.com/cockroachdb/errors"

// Bundle is everything produced for one experiment, ready for upload.
type Bundle struct {
	Experiment    Experiment      `json:"experiment"`
	Images        []Image         `json:"images"`
	Layers        []Layer         `json:"layers"`
	LayerMetadata []LayerMetadata `json:"layer_metadata"`
}

// NewBundle starts a bundle for exp.
func NewBundle(exp Experiment) *Bundle {
	return &Bundle{Experiment: exp}
}

// AddImage appends an image and registers it with the experiment.
func (b *Bundle) AddImage(img Image) {
	b.Images = append(b.Images, img)
	b.Experiment.ImageIDs = append(b.Experiment.ImageIDs, img.ID)
}

// AddLayer appends a layer and registers it with the experiment. Ungrouped
// layers are listed first so they render beneath point layers.
func (b *Bundle) AddLayer(l Layer) {
	b.Layers = append(b.Layers, l)
	if l.IsGrouped {
		b.Experiment.LayerIDs = append(b.Experiment.LayerIDs, l.ID)
		return
	}
	b.Experiment.LayerIDs = append([]string{l.ID}, b.Experiment.LayerIDs...)
}

// AddLayerMetadata attaches lm to its layer. The layer must already be in
// the bundle and metadata names must be unique per layer.
func (b *Bundle) AddLayerMetadata(lm LayerMetadata) error {
	if _, ok := b.Layer(lm.LayerID); !ok {
		return errors.AssertionFailedf("layer metadata %q references unknown layer %s", lm.Name, lm.LayerID)
	}
	for _, existing := range b.LayerMetadata {
		if existing.LayerID == lm.LayerID && existing.Name == lm.Name {
			return errors.AssertionFailedf("duplicate metadata name %q for layer %s", lm.Name, lm.LayerID)
		}
	}
	b.LayerMetadata = append(b.LayerMetadata, lm)
	return nil
}

// Layer looks up a layer by id.
func (b *Bundle) Layer(id string) (Layer, bool) {
	for _, l := range b.Layers {
		if l.ID == id {
			return l, true
		}
	}
	return Layer{}, false
}

// ArchiveRef locates one archive of the bundle.
type ArchiveRef struct {
	Key       string
	LocalPath string
}

// Archives lists every archive in images, layers, metadata order.
func (b *Bundle) Archives() []ArchiveRef {
	var out []ArchiveRef
	for _, img := range b.Images {
		out = append(out, ArchiveRef{Key: img.Path, LocalPath: img.LocalPath})
	}
	for _, l := range b.Layers {
		out = append(out, ArchiveRef{Key: l.Path, LocalPath: l.LocalPath})
	}
	for _, lm := range b.LayerMetadata {
		out = append(out, ArchiveRef{Key: lm.Path, LocalPath: lm.LocalPath})
	}
	return out
}

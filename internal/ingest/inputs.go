package ingest

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/cosilico/ingest/internal/metadata"
	"github.com/cosilico/ingest/internal/model"
	"github.com/cosilico/ingest/internal/table"
)

// ReadImageMetadata reads image metadata stored as JSON, the form written
// next to vendor images by the export tools.
func ReadImageMetadata(p string) (model.ImageMetadata, error) {
	var md model.ImageMetadata
	data, err := os.ReadFile(p)
	if err != nil {
		return md, errors.Wrapf(err, "failed to read image metadata %s", p)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, errors.Wrapf(err, "failed to parse image metadata %s", p)
	}
	return md, nil
}

// AttributeMetadata turns every column of an attribute table into one
// metadata set: label columns become categorical, numeric columns
// continuous.
func AttributeMetadata(a *table.Attributes) ([]NamedValues, error) {
	out := make([]NamedValues, 0, len(a.Names))
	for _, name := range a.Names {
		var v metadata.Values
		var err error
		if labels, ok := a.Labels[name]; ok {
			v, err = metadata.Categorize(a.IDs, labels)
		} else {
			v, err = metadata.Columns(a.IDs, []string{name}, a.Numbers)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", name)
		}
		out = append(out, NamedValues{Name: name, Values: v})
	}
	return out, nil
}

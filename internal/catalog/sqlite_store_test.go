package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilico/ingest/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBundle(t *testing.T) *model.Bundle {
	t.Helper()
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	b := model.NewBundle(model.NewExperiment("lymph node", "Xenium", "2.0", date, model.Extra{"panel": "v1"}))
	b.AddImage(model.NewImage(b.Experiment.ID, "morphology", model.ImageMetadata{
		SizeX: 4096, SizeY: 2048, SizeC: 1, SizeZ: 1, SizeT: 1,
		PhysicalSizeX: 0.2125, PhysicalSizeXUnit: "µm", Channels: []string{"DAPI"},
	}, "/tmp/out"))
	points := model.NewLayer(b.Experiment.ID, "transcripts", true, "/tmp/out")
	cells := model.NewLayer(b.Experiment.ID, "cells", false, "/tmp/out")
	b.AddLayer(points)
	b.AddLayer(cells)
	require.NoError(t, b.AddLayerMetadata(model.NewLayerMetadata(points.ID, "Count", model.Continuous, false, []string{"Count"}, "/tmp/out")))
	require.NoError(t, b.AddLayerMetadata(model.NewLayerMetadata(cells.ID, "expression", model.Continuous, true, []string{"CD3E", "MS4A1"}, "/tmp/out")))
	return b
}

func TestStore_BundleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t)
	require.NoError(t, s.SaveBundle(b))

	got, err := s.LoadBundle(b.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Experiment.Name, got.Experiment.Name)
	assert.Equal(t, b.Experiment.ExperimentDate, got.Experiment.ExperimentDate)
	assert.Equal(t, model.Extra{"panel": "v1"}, got.Experiment.Metadata)
	assert.Equal(t, b.Experiment.ImageIDs, got.Experiment.ImageIDs)
	// ungrouped layers stay first
	assert.Equal(t, b.Experiment.LayerIDs, got.Experiment.LayerIDs)
	assert.Equal(t, "cells", got.Layers[0].Name)
	assert.Equal(t, b.Images, got.Images)
	assert.ElementsMatch(t, b.LayerMetadata, got.LayerMetadata)

	exps, err := s.Experiments()
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, b.Experiment.ID, exps[0].ID)
}

func TestStore_AddLayerMetadata(t *testing.T) {
	s := newTestStore(t)
	b := testBundle(t)
	require.NoError(t, s.SaveBundle(b))
	cells := b.Layers[1]

	lm := model.NewLayerMetadata(cells.ID, "cluster", model.Categorical, false, []string{"B", "T"}, "/tmp/out")
	require.NoError(t, s.AddLayerMetadata(lm))
	lms, err := s.LayerMetadata(cells.ID)
	require.NoError(t, err)
	require.Len(t, lms, 2)
	assert.Equal(t, "cluster", lms[1].Name)
	assert.Equal(t, []string{"B", "T"}, lms[1].Fields)

	dup := model.NewLayerMetadata(cells.ID, "cluster", model.Categorical, false, nil, "/tmp/out")
	err = s.AddLayerMetadata(dup)
	assert.True(t, errors.HasAssertionFailure(err), "%v", err)

	orphan := model.NewLayerMetadata("nope", "x", model.Continuous, false, nil, "/tmp/out")
	err = s.AddLayerMetadata(orphan)
	assert.True(t, errors.HasAssertionFailure(err), "%v", err)
}

func TestStore_NotFoundAndDelete(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadBundle("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Layer("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	b := testBundle(t)
	require.NoError(t, s.SaveBundle(b))
	l, err := s.Layer(b.Layers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, b.Experiment.ID, l.ExperimentID)

	require.NoError(t, s.DeleteExperiment(b.Experiment.ID))
	lms, err := s.LayerMetadata(b.Layers[0].ID)
	require.NoError(t, err)
	assert.Empty(t, lms, "metadata is removed with its experiment")
	assert.True(t, errors.Is(s.DeleteExperiment(b.Experiment.ID), ErrNotFound))
}

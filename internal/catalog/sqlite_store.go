// Package catalog persists experiment bundles using SQLite.
package catalog

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/cosilico/ingest/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("catalog: record not found")

// Store keeps the records of ingested experiments.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the catalog database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create directory for sqlite")
	}

	// foreign_keys is per connection, so it goes in the DSN.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}

	// WAL lets the archive server read while an ingest run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		name TEXT NOT NULL,
		platform TEXT DEFAULT '',
		platform_version TEXT DEFAULT '',
		experiment_date TEXT DEFAULT '',
		parent_id TEXT DEFAULT '',
		metadata_json TEXT DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		version TEXT NOT NULL,
		name TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		path TEXT NOT NULL,
		local_path TEXT DEFAULT '',
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_experiment ON images(experiment_id);

	CREATE TABLE IF NOT EXISTS layers (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		version TEXT NOT NULL,
		name TEXT NOT NULL,
		is_grouped INTEGER NOT NULL,
		metadata_json TEXT DEFAULT '{}',
		path TEXT NOT NULL,
		local_path TEXT DEFAULT '',
		FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_layers_experiment ON layers(experiment_id);

	CREATE TABLE IF NOT EXISTS layer_metadata (
		id TEXT PRIMARY KEY,
		layer_id TEXT NOT NULL,
		version TEXT NOT NULL,
		name TEXT NOT NULL,
		metadata_type TEXT NOT NULL,
		is_sparse INTEGER NOT NULL,
		fields_json TEXT DEFAULT '[]',
		metadata_json TEXT DEFAULT '{}',
		path TEXT NOT NULL,
		local_path TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (layer_id, name),
		FOREIGN KEY (layer_id) REFERENCES layers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_layer_metadata_layer ON layer_metadata(layer_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal record field")
	}
	return string(data), nil
}

func unmarshal(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(raw), v), "failed to unmarshal record field")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// SaveBundle stores every record of b in one transaction.
func (s *Store) SaveBundle(b *model.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	e := b.Experiment
	md, err := marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO experiments (id, version, name, platform, platform_version, experiment_date, parent_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Version, e.Name, e.Platform, e.PlatformVersion, formatTime(e.ExperimentDate), e.ParentID, md, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to insert experiment %s", e.ID)
	}

	for i, img := range b.Images {
		md, err := marshal(img.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO images (id, experiment_id, position, version, name, metadata_json, path, local_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, img.ID, e.ID, i, img.Version, img.Name, md, img.Path, img.LocalPath)
		if err != nil {
			return errors.Wrapf(err, "failed to insert image %s", img.ID)
		}
	}

	position := make(map[string]int, len(e.LayerIDs))
	for i, id := range e.LayerIDs {
		position[id] = i
	}
	for _, l := range b.Layers {
		md, err := marshal(l.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO layers (id, experiment_id, position, version, name, is_grouped, metadata_json, path, local_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.ID, e.ID, position[l.ID], l.Version, l.Name, l.IsGrouped, md, l.Path, l.LocalPath)
		if err != nil {
			return errors.Wrapf(err, "failed to insert layer %s", l.ID)
		}
	}

	for _, lm := range b.LayerMetadata {
		if err := insertLayerMetadata(tx, lm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertLayerMetadata(db execer, lm model.LayerMetadata) error {
	fields, err := marshal(lm.Fields)
	if err != nil {
		return err
	}
	md, err := marshal(lm.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO layer_metadata (id, layer_id, version, name, metadata_type, is_sparse, fields_json, metadata_json, path, local_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lm.ID, lm.LayerID, lm.Version, lm.Name, string(lm.Type), lm.IsSparse, fields, md, lm.Path, lm.LocalPath, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.AssertionFailedf("duplicate metadata name %q for layer %s", lm.Name, lm.LayerID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return errors.AssertionFailedf("layer metadata %q references unknown layer %s", lm.Name, lm.LayerID)
		}
		return errors.Wrapf(err, "failed to insert layer metadata %s", lm.ID)
	}
	return nil
}

// AddLayerMetadata attaches one more metadata archive to a stored layer.
// Names are unique per layer.
func (s *Store) AddLayerMetadata(lm model.LayerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertLayerMetadata(s.db, lm)
}

// Experiments lists stored experiments, newest first.
func (s *Store) Experiments() ([]model.Experiment, error) {
	rows, err := s.db.Query(`SELECT id FROM experiments ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Experiment, 0, len(ids))
	for _, id := range ids {
		b, err := s.LoadBundle(id)
		if err != nil {
			return nil, err
		}
		out = append(out, b.Experiment)
	}
	return out, nil
}

// LoadBundle reads an experiment and everything attached to it.
func (s *Store) LoadBundle(experimentID string) (*model.Bundle, error) {
	row := s.db.QueryRow(`
		SELECT id, version, name, platform, platform_version, experiment_date, parent_id, metadata_json
		FROM experiments WHERE id = ?
	`, experimentID)

	var e model.Experiment
	var date, md string
	err := row.Scan(&e.ID, &e.Version, &e.Name, &e.Platform, &e.PlatformVersion, &date, &e.ParentID, &md)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "experiment %s", experimentID)
	}
	if err != nil {
		return nil, err
	}
	if date != "" {
		e.ExperimentDate, _ = time.Parse(time.RFC3339, date)
	}
	if err := unmarshal(md, &e.Metadata); err != nil {
		return nil, err
	}
	e.ImageIDs, e.LayerIDs = []string{}, []string{}
	b := model.NewBundle(e)

	if b.Images, err = s.images(experimentID); err != nil {
		return nil, err
	}
	for _, img := range b.Images {
		b.Experiment.ImageIDs = append(b.Experiment.ImageIDs, img.ID)
	}
	if b.Layers, err = s.layers(experimentID); err != nil {
		return nil, err
	}
	for _, l := range b.Layers {
		b.Experiment.LayerIDs = append(b.Experiment.LayerIDs, l.ID)
		lms, err := s.LayerMetadata(l.ID)
		if err != nil {
			return nil, err
		}
		b.LayerMetadata = append(b.LayerMetadata, lms...)
	}
	return b, nil
}

func (s *Store) images(experimentID string) ([]model.Image, error) {
	rows, err := s.db.Query(`
		SELECT id, version, name, metadata_json, path, local_path
		FROM images WHERE experiment_id = ? ORDER BY position
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Image
	for rows.Next() {
		img := model.Image{ExperimentID: experimentID}
		var md string
		if err := rows.Scan(&img.ID, &img.Version, &img.Name, &md, &img.Path, &img.LocalPath); err != nil {
			return nil, err
		}
		if err := unmarshal(md, &img.Metadata); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *Store) layers(experimentID string) ([]model.Layer, error) {
	rows, err := s.db.Query(`
		SELECT id, version, name, is_grouped, metadata_json, path, local_path
		FROM layers WHERE experiment_id = ? ORDER BY position
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Layer
	for rows.Next() {
		l := model.Layer{ExperimentID: experimentID}
		var md string
		if err := rows.Scan(&l.ID, &l.Version, &l.Name, &l.IsGrouped, &md, &l.Path, &l.LocalPath); err != nil {
			return nil, err
		}
		if err := unmarshal(md, &l.Metadata); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LayerMetadata lists the metadata archives of a layer in creation order.
func (s *Store) LayerMetadata(layerID string) ([]model.LayerMetadata, error) {
	rows, err := s.db.Query(`
		SELECT id, version, name, metadata_type, is_sparse, fields_json, metadata_json, path, local_path
		FROM layer_metadata WHERE layer_id = ? ORDER BY created_at, rowid
	`, layerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LayerMetadata
	for rows.Next() {
		lm := model.LayerMetadata{LayerID: layerID}
		var typ, fields, md string
		if err := rows.Scan(&lm.ID, &lm.Version, &lm.Name, &typ, &lm.IsSparse, &fields, &md, &lm.Path, &lm.LocalPath); err != nil {
			return nil, err
		}
		lm.Type = model.MetadataType(typ)
		if err := unmarshal(fields, &lm.Fields); err != nil {
			return nil, err
		}
		if err := unmarshal(md, &lm.Metadata); err != nil {
			return nil, err
		}
		out = append(out, lm)
	}
	return out, rows.Err()
}

// Layer looks up one layer record.
func (s *Store) Layer(layerID string) (model.Layer, error) {
	row := s.db.QueryRow(`
		SELECT id, experiment_id, version, name, is_grouped, metadata_json, path, local_path
		FROM layers WHERE id = ?
	`, layerID)
	var l model.Layer
	var md string
	err := row.Scan(&l.ID, &l.ExperimentID, &l.Version, &l.Name, &l.IsGrouped, &md, &l.Path, &l.LocalPath)
	if err == sql.ErrNoRows {
		return model.Layer{}, errors.Wrapf(ErrNotFound, "layer %s", layerID)
	}
	if err != nil {
		return model.Layer{}, err
	}
	return l, unmarshal(md, &l.Metadata)
}

// DeleteExperiment removes an experiment and everything attached to it.
func (s *Store) DeleteExperiment(experimentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM experiments WHERE id = ?`, experimentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "experiment %s", experimentID)
	}
	return nil
}

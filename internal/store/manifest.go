package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	errs "github.com/quantfold/timedim/internal/errors"
)

const manifestFile = "manifest.yaml"

// formatVersion is the chunk layout version this package writes and
// accepts.
const formatVersion = 1

// Manifest records the physical layout of a store directory: what the
// chunks were written with and what a reader must expect. It is written
// last, after every chunk, so a directory with chunks but no manifest
// is the footprint of an interrupted run.
type Manifest struct {
	FormatVersion    int         `yaml:"format_version"`
	CreatedAt        time.Time   `yaml:"created_at"`
	Compression      string      `yaml:"compression"`
	CompressionLevel int         `yaml:"compression_level,omitempty"`
	Lag              int         `yaml:"lag"`
	Features         []string    `yaml:"features"`
	Chunks           []ChunkMeta `yaml:"chunks"`
}

// ChunkMeta describes one written chunk.
type ChunkMeta struct {
	Index int   `yaml:"index"`
	Rows  int64 `yaml:"rows"`
	Bytes int64 `yaml:"bytes,omitempty"`
}

// TotalRows returns the row count across all chunks.
func (m *Manifest) TotalRows() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.Rows
	}
	return total
}

// Options returns the write options the manifest records.
func (m *Manifest) Options() Options {
	return Options{
		Compression:      ParseCompressionType(m.Compression),
		CompressionLevel: m.CompressionLevel,
		RowGroupSize:     DefaultOptions().RowGroupSize,
	}
}

// Layout returns the column layout the manifest describes.
func (m *Manifest) Layout() chunkLayout {
	return expectedLayout(m.Lag, m.Features)
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	ve := errs.NewValidationErrors()
	if m.FormatVersion <= 0 {
		ve.AddField("format_version", "must be positive")
	}
	if m.Lag < 0 {
		ve.AddField("lag", "must not be negative")
	}
	if len(m.Features) == 0 {
		ve.AddMissing("features")
	}
	for i, c := range m.Chunks {
		if c.Index != i {
			ve.AddField("chunks", fmt.Sprintf("entry %d declares index %d", i, c.Index))
		}
		if c.Rows < 0 {
			ve.AddField("chunks", fmt.Sprintf("entry %d declares %d rows", i, c.Rows))
		}
	}
	return ve.Err()
}

// readManifest loads the manifest from a store directory. A missing
// manifest file returns nil without error.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(err, "read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(err, "parse manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, errs.Wrap(err, "manifest")
	}
	return &m, nil
}

// writeManifest replaces the store manifest via a temp file and rename.
func writeManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errs.Wrap(err, "encode manifest")
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(err, "write manifest")
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		os.Remove(tmp)
		return errs.Wrap(err, "replace manifest")
	}
	return nil
}

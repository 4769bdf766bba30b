// Package store persists datasets as directories of parquet chunks.
// Every partition becomes one chunk file named partition-<index>.parquet
// and a manifest.yaml records the layout the chunks were written with.
// Writes are deferred and partition-parallel; reads hand back a lazy
// dataset handle whose partitions load their chunks on demand.
//
// Chunk writes overwrite by name, so retrying a failed or cancelled
// write is idempotent. Partially written chunks are never rolled back;
// the manifest is written only after every chunk landed, which makes a
// manifest-less directory recognizable as an interrupted run.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/logging"
)

var log = logging.Component("store")

// WriteOp is a deferred write of a dataset to a store directory.
// Nothing touches the filesystem until Execute.
type WriteOp struct {
	ds   *dataset.Dataset
	dir  string
	opts Options
}

// Write defers writing every partition of a dataset as one chunk under
// dir.
func Write(ds *dataset.Dataset, dir string, opts Options) *WriteOp {
	return &WriteOp{ds: ds, dir: dir, opts: opts}
}

// Dir returns the target directory.
func (w *WriteOp) Dir() string {
	return w.dir
}

// Execute realizes the dataset and writes it out: chunks in parallel as
// partitions complete, then the manifest, then any chunks left over
// from an earlier, wider run of the same directory are pruned. All
// partitions must realize to the same column layout.
func (w *WriteOp) Execute(ctx context.Context) (*Manifest, error) {
	start := time.Now()
	nparts := w.ds.NumPartitions()
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, errs.Wrap(err, "create store directory")
	}

	var (
		mu     sync.Mutex
		layout chunkLayout
		metas  = make([]ChunkMeta, nparts)
	)
	sink := func(ctx context.Context, part int, f *frame.Frame) error {
		fl := layoutOf(f)
		mu.Lock()
		if layout == nil {
			layout = fl
		} else if !layout.equal(fl) {
			known := layout
			mu.Unlock()
			return errs.NewSchemaMismatch(
				fmt.Sprintf("partition %d layout", part), known.String(), fl.String())
		}
		mu.Unlock()

		meta, err := writeChunk(filepath.Join(w.dir, chunkFileName(part)), f, w.opts)
		if err != nil {
			return errs.Wrapf(err, "partition %d", part)
		}
		meta.Index = part

		mu.Lock()
		metas[part] = meta
		mu.Unlock()
		return nil
	}
	if err := w.ds.Each(ctx, sink); err != nil {
		return nil, err
	}

	m := &Manifest{
		FormatVersion:    formatVersion,
		CreatedAt:        time.Now().UTC(),
		Compression:      w.opts.Compression.String(),
		CompressionLevel: w.opts.CompressionLevel,
		Lag:              layout.lag(),
		Features:         layout.featureNames(),
		Chunks:           metas,
	}
	if err := writeManifest(w.dir, m); err != nil {
		return nil, err
	}
	pruned, err := pruneChunks(w.dir, nparts)
	if err != nil {
		return nil, err
	}

	log.Info("store written",
		"dir", w.dir,
		"chunks", nparts,
		"rows", m.TotalRows(),
		"pruned", pruned,
		"elapsed", time.Since(start))
	return m, nil
}

// pruneChunks removes chunk files at or above the keep index.
func pruneChunks(dir string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.Wrap(err, "prune chunks")
	}
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseChunkIndex(entry.Name())
		if !ok || index < keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return pruned, errs.Wrap(err, "prune chunk")
		}
		log.Debug("pruned stale chunk", "chunk", entry.Name())
		pruned++
	}
	return pruned, nil
}

// Read reconstructs a lazy dataset handle from a store directory. The
// options must describe the layout the store was written with; an
// incompatible set is rejected here, before any partition data is
// exposed. Partitions order by parsed chunk index, never by listing
// order; gaps and duplicate indices in the chunk sequence are ordering
// violations.
//
// A directory without a manifest (interrupted run, foreign producer) is
// readable as long as its chunks agree on layout; in that case the
// options are not checked, since nothing records what they were.
func Read(dir string, opts Options) (*dataset.Dataset, error) {
	chunks, err := listChunks(dir)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil && len(chunks) == 0 {
		return nil, errs.Wrapf(errs.ErrStoreNotFound, "%s", dir)
	}

	var (
		layout chunkLayout
		rows   []int64
	)
	if m != nil {
		if m.FormatVersion != formatVersion {
			return nil, errs.NewSchemaMismatch("format_version", formatVersion, m.FormatVersion)
		}
		if got := opts.Compression.String(); got != m.Compression {
			return nil, errs.NewSchemaMismatch("compression", m.Compression, got)
		}
		if opts.CompressionLevel != m.CompressionLevel {
			return nil, errs.NewSchemaMismatch("compression_level",
				m.CompressionLevel, opts.CompressionLevel)
		}
		if len(chunks) != len(m.Chunks) {
			return nil, errs.NewSchemaMismatch("chunks", len(m.Chunks), len(chunks))
		}
		layout = m.Layout()
		rows = make([]int64, len(chunks))
		for i, c := range m.Chunks {
			rows[i] = c.Rows
		}
	} else {
		layout, rows, err = probeAll(chunks)
		if err != nil {
			return nil, err
		}
	}

	parts := make([]dataset.Partition, len(chunks))
	for i, c := range chunks {
		path := c.path
		want := layout
		parts[i] = dataset.Partition{
			Index: i,
			Rows:  int(rows[i]),
			Load: func(ctx context.Context) (*frame.Frame, error) {
				return readChunk(path, want)
			},
		}
	}
	ds, err := dataset.FromPartitions(parts)
	if err != nil {
		return nil, err
	}
	log.Debug("store opened", "dir", dir, "chunks", len(chunks))
	return ds, nil
}

// probeAll derives layout and row counts from the chunk files
// themselves. Chunk 0 defines the layout; every other chunk must agree.
func probeAll(chunks []chunkFile) (chunkLayout, []int64, error) {
	rows := make([]int64, len(chunks))
	layout, n, err := probeChunk(chunks[0].path)
	if err != nil {
		return nil, nil, err
	}
	rows[0] = n
	for i := 1; i < len(chunks); i++ {
		li, ri, err := probeChunk(chunks[i].path)
		if err != nil {
			return nil, nil, err
		}
		if !li.equal(layout) {
			return nil, nil, errs.NewSchemaMismatch(
				"chunk layout "+chunks[i].path, layout.String(), li.String())
		}
		rows[i] = ri
	}
	return layout, rows, nil
}

// Open reconstructs a lazy handle using whatever options the store was
// written with, read from the manifest. A manifest-less directory falls
// back to chunk probing.
func Open(dir string) (*dataset.Dataset, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return Read(dir, Options{})
	}
	return Read(dir, m.Options())
}

// StoreInfo describes a store directory for inspection.
type StoreInfo struct {
	Dir        string
	Manifest   *Manifest // nil when the directory carries none
	Chunks     []ChunkInfo
	Partitions int
	TotalRows  int64
	TotalBytes int64
	Lag        int
	Features   []string
}

// ChunkInfo describes one chunk on disk.
type ChunkInfo struct {
	Index int
	Path  string
	Rows  int64 // -1 when the chunk could not be probed
	Bytes int64
}

// Info inspects a store directory without loading partition data.
func Info(dir string) (*StoreInfo, error) {
	chunks, err := listChunks(dir)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil && len(chunks) == 0 {
		return nil, errs.Wrapf(errs.ErrStoreNotFound, "%s", dir)
	}

	info := &StoreInfo{
		Dir:        dir,
		Manifest:   m,
		Partitions: len(chunks),
	}
	for i, c := range chunks {
		ci := ChunkInfo{Index: c.index, Path: c.path, Bytes: c.size}
		if m != nil && i < len(m.Chunks) {
			ci.Rows = m.Chunks[i].Rows
		} else if _, n, err := probeChunk(c.path); err == nil {
			ci.Rows = n
		} else {
			ci.Rows = -1
		}
		info.Chunks = append(info.Chunks, ci)
		if ci.Rows > 0 {
			info.TotalRows += ci.Rows
		}
		info.TotalBytes += c.size
	}

	if m != nil {
		info.Lag = m.Lag
		info.Features = m.Features
	} else if layout, _, err := probeChunk(chunks[0].path); err == nil {
		info.Lag = layout.lag()
		info.Features = layout.featureNames()
	}
	return info, nil
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// CompactResult summarizes a compaction run.
type CompactResult struct {
	ChunksBefore int
	ChunksAfter  int
	Merged       int // output chunks assembled from more than one source
	Renamed      int // single-source chunks that only changed index
	RowsTotal    int64
	BytesBefore  int64
	BytesAfter   int64
	Elapsed      time.Duration
}

// compactJob rewrites source chunks [lo, hi) into output chunk out.
type compactJob struct {
	out    int
	lo, hi int
}

// Compact consolidates adjacent chunks so every output chunk holds at
// least targetRows rows (the last may hold fewer), reindexes the
// outputs densely from zero, rewrites the manifest, and prunes the
// leftovers. Row order is preserved: only neighboring chunks merge.
//
// Merged outputs are written to temp files while the sources are still
// being read and moved into place only after every job finished, so a
// failed run leaves the original chunks untouched.
func Compact(ctx context.Context, dir string, targetRows int64, workers int) (*CompactResult, error) {
	start := time.Now()
	if targetRows <= 0 {
		return nil, errs.NewInvalidValue("target_rows", targetRows, "must be positive")
	}
	if workers <= 0 {
		workers = 4
	}

	sweepTmp(dir)
	chunks, err := listChunks(dir)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errs.Wrapf(errs.ErrStoreNotFound, "%s", dir)
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	var (
		layout chunkLayout
		rows   []int64
	)
	if m != nil && len(m.Chunks) == len(chunks) {
		opts = m.Options()
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

	plan := planGroups(rows, targetRows)
	result := &CompactResult{
		ChunksBefore: len(chunks),
		ChunksAfter:  len(plan),
	}
	for _, c := range chunks {
		result.BytesBefore += c.size
	}

	metas := make([]ChunkMeta, len(plan))

	// Phase one: merge multi-source groups into temp files, in parallel.
	// Sources stay untouched until every reader is done.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for j, span := range plan {
		if span[1]-span[0] == 1 {
			src := chunks[span[0]]
			metas[j] = ChunkMeta{Index: j, Rows: rows[span[0]], Bytes: src.size}
			continue
		}
		result.Merged++
		job := compactJob{out: j, lo: span[0], hi: span[1]}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			meta, err := mergeChunks(dir, chunks[job.lo:job.hi], layout, opts, job.out)
			if err != nil {
				return errs.Wrapf(err, "merge chunks %d..%d", job.lo, job.hi-1)
			}
			metas[job.out] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sweepTmp(dir)
		return nil, err
	}

	// Phase two: move outputs into their final slots, ascending. All
	// reads are finished, so overwriting old chunk files is safe.
	for j, span := range plan {
		final := filepath.Join(dir, chunkFileName(j))
		if span[1]-span[0] == 1 {
			if span[0] == j {
				continue
			}
			if err := os.Rename(chunks[span[0]].path, final); err != nil {
				return nil, errs.Wrap(err, "reindex chunk")
			}
			result.Renamed++
			continue
		}
		if err := os.Rename(tmpChunkPath(dir, j), final); err != nil {
			return nil, errs.Wrap(err, "place merged chunk")
		}
	}

	newManifest := &Manifest{
		FormatVersion:    formatVersion,
		CreatedAt:        time.Now().UTC(),
		Compression:      opts.Compression.String(),
		CompressionLevel: opts.CompressionLevel,
		Lag:              layout.lag(),
		Features:         layout.featureNames(),
		Chunks:           metas,
	}
	if err := writeManifest(dir, newManifest); err != nil {
		return nil, err
	}
	if _, err := pruneChunks(dir, len(plan)); err != nil {
		return nil, err
	}

	for _, meta := range metas {
		result.RowsTotal += meta.Rows
		result.BytesAfter += meta.Bytes
	}
	result.Elapsed = time.Since(start)
	log.Info("store compacted",
		"dir", dir,
		"before", result.ChunksBefore,
		"after", result.ChunksAfter,
		"merged", result.Merged,
		"elapsed", result.Elapsed)
	return result, nil
}

// planGroups walks chunk row counts in order and closes a group
// whenever it accumulates the target.
func planGroups(rows []int64, target int64) [][2]int {
	var plan [][2]int
	lo := 0
	var acc int64
	for i, r := range rows {
		acc += r
		if acc >= target {
			plan = append(plan, [2]int{lo, i + 1})
			lo = i + 1
			acc = 0
		}
	}
	if lo < len(rows) {
		plan = append(plan, [2]int{lo, len(rows)})
	}
	return plan
}

// mergeChunks reads the source chunks in order, concatenates them, and
// writes the result to the temp path of the output index.
func mergeChunks(dir string, sources []chunkFile, layout chunkLayout, opts Options, out int) (ChunkMeta, error) {
	frames := make([]*frame.Frame, len(sources))
	for i, src := range sources {
		f, err := readChunk(src.path, layout)
		if err != nil {
			return ChunkMeta{}, err
		}
		frames[i] = f
	}
	merged, err := frame.Concat(frames...)
	if err != nil {
		return ChunkMeta{}, err
	}
	meta, err := writeChunk(tmpChunkPath(dir, out), merged, opts)
	if err != nil {
		return ChunkMeta{}, err
	}
	meta.Index = out
	return meta, nil
}

func tmpChunkPath(dir string, index int) string {
	return filepath.Join(dir, chunkFileName(index)+".tmp")
}

// sweepTmp removes temp chunk files left behind by interrupted runs.
func sweepTmp(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := parseChunkIndex(strings.TrimSuffix(name, ".tmp")); !ok {
			continue
		}
		os.Remove(filepath.Join(dir, name))
	}
}

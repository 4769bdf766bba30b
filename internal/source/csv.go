// LOCATION: internal/source/csv.go
//
// CSV file source: partition a CSV file by byte ranges aligned to line
// boundaries, so partitions parse independently and in parallel.
//
// Alignment assumes a newline terminates every record; fields with
// embedded newlines are not supported. Empty cells parse as NaN. The
// key column must hold integers, strictly increasing over the file.

package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/quantfold/timedim/internal/dataset"
	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/logging"
)

var log = logging.Component("source")

// DefaultTargetBytes is the partition size FromCSV aims for when the
// caller does not override it.
const DefaultTargetBytes = 8 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions controls FromCSV.
type CSVOptions struct {
	// KeyColumn names the integer key column. Defaults to the first
	// header column.
	KeyColumn string

	// Features selects and orders the feature columns. Defaults to
	// every non-key column in header order.
	Features []string

	// TargetBytes is the byte-range size per partition. Defaults to
	// DefaultTargetBytes.
	TargetBytes int64

	// Comma is the field delimiter. Defaults to ','.
	Comma rune
}

func (o CSVOptions) normalize() (CSVOptions, error) {
	if o.TargetBytes == 0 {
		o.TargetBytes = DefaultTargetBytes
	}
	if o.TargetBytes < 0 {
		return o, errors.NewInvalidValue("target_bytes", o.TargetBytes, "must be positive")
	}
	if o.Comma == 0 {
		o.Comma = ','
	}
	return o, nil
}

// csvLayout is the resolved column plan for one file.
type csvLayout struct {
	fields   int
	keyIdx   int
	features []string
	featIdx  []int
	comma    rune
}

// FromCSV plans a dataset over a CSV file. The file is split into byte
// ranges of roughly TargetBytes, each advanced to the next line start,
// and every range parses lazily on load.
func FromCSV(path string, opts CSVOptions) (*dataset.Dataset, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "csv file %s", path)
		}
		return nil, errors.Wrap(err, "open csv")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat csv")
	}
	size := st.Size()

	layout, dataStart, err := readHeader(f, size, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "csv header %s", path)
	}

	bounds, err := alignBoundaries(f, dataStart, size, opts.TargetBytes)
	if err != nil {
		return nil, errors.Wrap(err, "plan csv partitions")
	}

	parts := make([]dataset.Partition, len(bounds)-1)
	for i := range parts {
		lo, hi := bounds[i], bounds[i+1]
		parts[i] = dataset.Partition{
			Index: i,
			Rows:  -1,
			Load:  loadRange(path, layout, lo, hi),
		}
	}

	log.Debug("csv planned",
		"path", path,
		"bytes", size-dataStart,
		"partitions", len(parts),
		"features", len(layout.features))
	return dataset.FromPartitions(parts)
}

// readHeader parses the header line and resolves the column plan.
// It returns the byte offset of the first data row.
func readHeader(f *os.File, size int64, opts CSVOptions) (csvLayout, int64, error) {
	var layout csvLayout

	// Strip a UTF-8 byte order mark if present.
	var base int64
	bom := make([]byte, 3)
	if n, _ := f.ReadAt(bom, 0); n == 3 && bytes.Equal(bom, utf8BOM) {
		base = 3
	}

	r := csv.NewReader(io.NewSectionReader(f, base, size-base))
	r.Comma = opts.Comma
	header, err := r.Read()
	if err != nil {
		return layout, 0, errors.Wrap(err, "read header row")
	}
	if len(header) < 2 {
		return layout, 0, errors.NewInvalidValue("header", len(header),
			"needs a key column and at least one feature column")
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	keyName := opts.KeyColumn
	if keyName == "" {
		keyName = header[0]
	}
	keyIdx, ok := index[keyName]
	if !ok {
		return layout, 0, errors.Wrapf(errors.ErrFeatureNotFound, "key column %q", keyName)
	}

	features := opts.Features
	if len(features) == 0 {
		for i, name := range header {
			if i != keyIdx {
				features = append(features, name)
			}
		}
	}
	featIdx := make([]int, len(features))
	for j, name := range features {
		idx, ok := index[name]
		if !ok {
			return layout, 0, errors.Wrapf(errors.ErrFeatureNotFound, "feature column %q", name)
		}
		if idx == keyIdx {
			return layout, 0, errors.NewInvalidValue("features", name, "is the key column")
		}
		featIdx[j] = idx
	}

	layout = csvLayout{
		fields:   len(header),
		keyIdx:   keyIdx,
		features: features,
		featIdx:  featIdx,
		comma:    opts.Comma,
	}
	return layout, base + r.InputOffset(), nil
}

// alignBoundaries splits [start, size) at roughly target-sized offsets,
// each advanced to the next line start. Always returns at least one
// range, possibly empty.
func alignBoundaries(f *os.File, start, size, target int64) ([]int64, error) {
	bounds := []int64{start}
	for off := start + target; off < size; off += target {
		aligned, err := nextLineStart(f, off, size)
		if err != nil {
			return nil, err
		}
		if aligned >= size {
			break
		}
		// A single line longer than target collapses a boundary.
		if aligned > bounds[len(bounds)-1] {
			bounds = append(bounds, aligned)
		}
	}
	return append(bounds, size), nil
}

// nextLineStart returns the offset just past the first newline at or
// after off, or size when no newline remains.
func nextLineStart(f *os.File, off, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for off < size {
		n, err := f.ReadAt(buf, off)
		if n > 0 {
			if idx := bytes.IndexByte(buf[:n], '\n'); idx >= 0 {
				return off + int64(idx) + 1, nil
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "scan for line boundary")
		}
	}
	return size, nil
}

// loadRange builds the load function for one byte range.
func loadRange(path string, layout csvLayout, lo, hi int64) dataset.LoadFunc {
	return func(ctx context.Context) (*frame.Frame, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open csv")
		}
		defer f.Close()

		r := csv.NewReader(io.NewSectionReader(f, lo, hi-lo))
		r.Comma = layout.comma
		r.FieldsPerRecord = layout.fields
		r.ReuseRecord = true

		var index []int64
		values := make([][]float64, len(layout.features))

		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.Wrapf(err, "parse csv bytes %d..%d", lo, hi)
			}

			key, err := strconv.ParseInt(record[layout.keyIdx], 10, 64)
			if err != nil {
				return nil, errors.NewInvalidValue("key", record[layout.keyIdx],
					"not an integer")
			}
			index = append(index, key)

			for j, idx := range layout.featIdx {
				cell := record[idx]
				if cell == "" {
					values[j] = append(values[j], math.NaN())
					continue
				}
				v, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, errors.NewInvalidValue(layout.features[j], cell,
						"not a number")
				}
				values[j] = append(values[j], v)
			}
		}

		cols := make([]frame.Column, len(layout.features))
		for j, name := range layout.features {
			cols[j] = frame.Column{Feature: name, Values: values[j]}
		}
		return frame.New(index, cols)
	}
}

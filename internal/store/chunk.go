package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

const (
	chunkPrefix = "partition-"
	chunkExt    = ".parquet"
)

// cellRow is the chunk interior format: one parquet record per frame
// cell, written row-major (all columns of row 0, then row 1, and so
// on). Key and the column tags repeat per cell; the redundancy makes a
// chunk self-describing without the manifest.
type cellRow struct {
	Row     int64   `parquet:"row"`
	Key     int64   `parquet:"key"`
	Lag     int32   `parquet:"lag"`
	Col     int32   `parquet:"col"`
	Feature string  `parquet:"feature,zstd"`
	Value   float64 `parquet:"value"`
}

// colTag identifies one panel column: its lag offset and feature name.
type colTag struct {
	Lag     int
	Feature string
}

// chunkLayout is the column layout of a chunk.
type chunkLayout []colTag

func layoutOf(f *frame.Frame) chunkLayout {
	cols := f.Columns()
	layout := make(chunkLayout, len(cols))
	for j, c := range cols {
		layout[j] = colTag{Lag: c.Offset, Feature: c.Feature}
	}
	return layout
}

func (l chunkLayout) equal(other chunkLayout) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// lag returns the highest lag offset in the layout.
func (l chunkLayout) lag() int {
	max := 0
	for _, t := range l {
		if t.Lag > max {
			max = t.Lag
		}
	}
	return max
}

// featureNames returns the feature names of the lag-0 group.
func (l chunkLayout) featureNames() []string {
	var names []string
	for _, t := range l {
		if t.Lag == 0 {
			names = append(names, t.Feature)
		}
	}
	return names
}

// expectedLayout builds the lag-major layout implied by a lag depth and
// feature list.
func expectedLayout(lag int, features []string) chunkLayout {
	layout := make(chunkLayout, 0, (lag+1)*len(features))
	for l := 0; l <= lag; l++ {
		for _, name := range features {
			layout = append(layout, colTag{Lag: l, Feature: name})
		}
	}
	return layout
}

func (l chunkLayout) String() string {
	parts := make([]string, len(l))
	for i, t := range l {
		parts[i] = frame.Column{Feature: t.Feature, Offset: t.Lag}.Label()
	}
	return strings.Join(parts, ",")
}

// chunkFileName returns the file name for a chunk index.
func chunkFileName(index int) string {
	return fmt.Sprintf("%s%05d%s", chunkPrefix, index, chunkExt)
}

// ChunkGlob returns the glob matching every chunk file in a store
// directory, for handing off to engines that scan parquet directly.
func ChunkGlob(dir string) string {
	return filepath.Join(dir, chunkPrefix+"*"+chunkExt)
}

// parseChunkIndex extracts the chunk index from a file name.
func parseChunkIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkExt) {
		return 0, false
	}
	digits := name[len(chunkPrefix) : len(name)-len(chunkExt)]
	if digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// chunkFile is one chunk found on disk.
type chunkFile struct {
	index int
	path  string
	size  int64
}

// listChunks lists the chunk files in a store directory ordered by
// parsed chunk index, never by listing order. The sequence must be
// dense: a gap or duplicate index means the directory does not describe
// a well-ordered partition sequence.
func listChunks(dir string) ([]chunkFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrapf(errs.ErrStoreNotFound, "%s", dir)
		}
		return nil, errs.Wrap(err, "list chunks")
	}

	var chunks []chunkFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, ok := parseChunkIndex(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		chunks = append(chunks, chunkFile{
			index: index,
			path:  filepath.Join(dir, entry.Name()),
			size:  info.Size(),
		})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].index < chunks[j].index
	})
	for i, c := range chunks {
		if c.index == i {
			continue
		}
		if i > 0 && c.index == chunks[i-1].index {
			return nil, errs.NewOrderingViolation(
				fmt.Sprintf("duplicate chunk index %d in %s", c.index, dir))
		}
		return nil, errs.NewOrderingViolation(
			fmt.Sprintf("chunk sequence has a gap before index %d in %s", c.index, dir))
	}
	return chunks, nil
}

// writeChunk writes one realized frame as a chunk file, overwriting any
// previous chunk of the same name.
func writeChunk(path string, f *frame.Frame, opts Options) (ChunkMeta, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ChunkMeta{}, errs.Wrap(err, "create store directory")
	}
	file, err := os.Create(path)
	if err != nil {
		return ChunkMeta{}, errs.Wrap(err, "create chunk")
	}

	writer := parquet.NewGenericWriter[cellRow](file,
		parquet.Compression(getCompression(opts.Compression)))

	cols := f.Columns()
	rows := f.Rows()
	ncols := len(cols)

	// Convert and write in bounded batches so a wide partition does not
	// buffer all of its cells at once.
	batchRows := 1
	if opts.RowGroupSize > ncols {
		batchRows = opts.RowGroupSize / ncols
	}
	cells := make([]cellRow, 0, batchRows*ncols)
	for lo := 0; lo < rows; lo += batchRows {
		hi := lo + batchRows
		if hi > rows {
			hi = rows
		}
		cells = cells[:0]
		for i := lo; i < hi; i++ {
			key := f.Key(i)
			for j, c := range cols {
				cells = append(cells, cellRow{
					Row:     int64(i),
					Key:     key,
					Lag:     int32(c.Offset),
					Col:     int32(j),
					Feature: c.Feature,
					Value:   c.Values[i],
				})
			}
		}
		if _, err := writer.Write(cells); err != nil {
			file.Close()
			return ChunkMeta{}, errs.Wrap(err, "write cells")
		}
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return ChunkMeta{}, errs.Wrap(err, "close chunk writer")
	}
	if err := file.Close(); err != nil {
		return ChunkMeta{}, errs.Wrap(err, "close chunk")
	}

	stat, err := os.Stat(path)
	if err != nil {
		return ChunkMeta{}, errs.Wrap(err, "stat chunk")
	}
	return ChunkMeta{Rows: int64(rows), Bytes: stat.Size()}, nil
}

// readChunk reads a chunk file back into a frame. When want is non-nil
// the chunk's own column tags must reproduce it exactly; a nil want
// accepts whatever layout the row-0 cells describe.
func readChunk(path string, want chunkLayout) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrapf(errs.ErrChunkNotFound, "%s", path)
		}
		return nil, errs.Wrap(err, "open chunk")
	}
	defer file.Close()

	reader := parquet.NewGenericReader[cellRow](file)
	defer reader.Close()

	dec := chunkDecoder{path: path, want: want, total: reader.NumRows()}
	if dec.total == 0 {
		if want == nil {
			return nil, errs.Wrapf(errs.ErrSchemaMismatch,
				"%s: empty chunk without manifest", path)
		}
		cols := make([]frame.Column, len(want))
		for j, tag := range want {
			cols[j] = frame.Column{Feature: tag.Feature, Offset: tag.Lag}
		}
		return frame.Empty(cols), nil
	}

	buf := make([]cellRow, 4096)
	for {
		n, readErr := reader.Read(buf)
		for i := range buf[:n] {
			if err := dec.add(buf[i]); err != nil {
				return nil, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errs.Wrap(readErr, "read cells")
		}
	}
	return dec.finish()
}

// chunkDecoder assembles a frame from the row-major cell stream of one
// chunk. The row-0 cells arrive first and define the column layout;
// everything after is placed by position and cross-checked against it.
type chunkDecoder struct {
	path  string
	want  chunkLayout
	total int64

	layout chunkLayout
	row0   []cellRow
	ncols  int
	pos    int64
	index  []int64
	cols   []frame.Column
}

func (d *chunkDecoder) add(cell cellRow) error {
	if d.ncols == 0 {
		if cell.Row == 0 {
			if int(cell.Col) != len(d.layout) {
				return errs.Wrapf(errs.ErrSchemaMismatch,
					"%s: row 0 column ordinal %d, expected %d", d.path, cell.Col, len(d.layout))
			}
			d.layout = append(d.layout, colTag{Lag: int(cell.Lag), Feature: cell.Feature})
			d.row0 = append(d.row0, cell)
			return nil
		}
		if err := d.seal(); err != nil {
			return err
		}
	}
	return d.place(cell)
}

// seal closes layout discovery: validates the layout, allocates the
// output, and places the buffered row-0 cells.
func (d *chunkDecoder) seal() error {
	d.ncols = len(d.layout)
	if d.ncols == 0 {
		return errs.Wrapf(errs.ErrSchemaMismatch, "%s: no row 0 cells", d.path)
	}
	if d.want != nil && !d.layout.equal(d.want) {
		return errs.NewSchemaMismatch("chunk layout "+d.path, d.want.String(), d.layout.String())
	}
	if d.total%int64(d.ncols) != 0 {
		return errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: %d cells not divisible by %d columns", d.path, d.total, d.ncols)
	}
	rows := int(d.total / int64(d.ncols))
	d.index = make([]int64, rows)
	d.cols = make([]frame.Column, d.ncols)
	for j, tag := range d.layout {
		d.cols[j] = frame.Column{
			Feature: tag.Feature,
			Offset:  tag.Lag,
			Values:  make([]float64, rows),
		}
	}
	for _, c := range d.row0 {
		if err := d.place(c); err != nil {
			return err
		}
	}
	d.row0 = nil
	return nil
}

// place validates one cell's position and stores its value.
func (d *chunkDecoder) place(cell cellRow) error {
	if d.pos >= d.total {
		return errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: more cells than the file declares", d.path)
	}
	row := d.pos / int64(d.ncols)
	col := d.pos % int64(d.ncols)
	d.pos++

	if cell.Row != row || int64(cell.Col) != col {
		return errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: cell at (%d,%d), expected (%d,%d)", d.path, cell.Row, cell.Col, row, col)
	}
	tag := d.layout[col]
	if int(cell.Lag) != tag.Lag || cell.Feature != tag.Feature {
		return errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: cell (%d,%d) tagged (t-%d,%s), layout says (t-%d,%s)",
			d.path, row, col, cell.Lag, cell.Feature, tag.Lag, tag.Feature)
	}
	if col == 0 {
		d.index[row] = cell.Key
	} else if cell.Key != d.index[row] {
		return errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: row %d: cell key %d differs from row key %d", d.path, row, cell.Key, d.index[row])
	}
	d.cols[col].Values[row] = cell.Value
	return nil
}

func (d *chunkDecoder) finish() (*frame.Frame, error) {
	if d.ncols == 0 {
		// Every cell belonged to row 0: a one-row chunk.
		if err := d.seal(); err != nil {
			return nil, err
		}
	}
	if d.pos != d.total {
		return nil, errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: read %d cells, file declares %d", d.path, d.pos, d.total)
	}
	return frame.New(d.index, d.cols)
}

// probeChunk reads just enough of a chunk to learn its layout and row
// count: the footer gives the total cell count, the row-0 cells give
// the column tags.
func probeChunk(path string) (chunkLayout, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errs.Wrapf(errs.ErrChunkNotFound, "%s", path)
		}
		return nil, 0, errs.Wrap(err, "open chunk")
	}
	defer file.Close()

	reader := parquet.NewGenericReader[cellRow](file)
	defer reader.Close()

	total := reader.NumRows()
	if total == 0 {
		return nil, 0, errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: empty chunk without manifest", path)
	}

	var layout chunkLayout
	buf := make([]cellRow, 256)
probe:
	for {
		n, readErr := reader.Read(buf)
		for i := range buf[:n] {
			cell := buf[i]
			if cell.Row != 0 {
				break probe
			}
			if int(cell.Col) != len(layout) {
				return nil, 0, errs.Wrapf(errs.ErrSchemaMismatch,
					"%s: row 0 column ordinal %d, expected %d", path, cell.Col, len(layout))
			}
			layout = append(layout, colTag{Lag: int(cell.Lag), Feature: cell.Feature})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, 0, errs.Wrap(readErr, "read cells")
		}
	}

	ncols := int64(len(layout))
	if ncols == 0 {
		return nil, 0, errs.Wrapf(errs.ErrSchemaMismatch, "%s: no row 0 cells", path)
	}
	if total%ncols != 0 {
		return nil, 0, errs.Wrapf(errs.ErrSchemaMismatch,
			"%s: %d cells not divisible by %d columns", path, total, ncols)
	}
	return layout, total / ncols, nil
}

// Package frame provides the in-memory columnar block a realized
// partition materializes to: an ordered int64 key per row plus named
// float64 columns. Panel frames additionally tag every column with the
// lag offset of the group it belongs to, mirroring the two-level
// (lag, feature) column labeling of the panel layout.
//
// Frames are value containers, not views: slicing operations copy, and
// a Frame handed to another goroutine must not be mutated afterwards.
package frame

import (
	"fmt"
	"math"

	"github.com/quantfold/timedim/internal/errors"
)

// Column is one named float64 column. Offset is the lag offset of the
// column group it belongs to; plain (unlagged) frames use offset 0
// throughout.
type Column struct {
	Feature string
	Offset  int
	Values  []float64
}

// Label returns the display label for the column: the bare feature name
// for offset 0, "t-<offset>:<feature>" otherwise.
func (c Column) Label() string {
	if c.Offset == 0 {
		return c.Feature
	}
	return fmt.Sprintf("t-%d:%s", c.Offset, c.Feature)
}

// LagLabel returns the lag group label for an offset, "t-0" through "t-L".
func LagLabel(offset int) string {
	return fmt.Sprintf("t-%d", offset)
}

// Frame is an ordered block of rows.
type Frame struct {
	index []int64
	cols  []Column
}

// New creates a frame from an index and columns. Every column must have
// exactly len(index) values.
func New(index []int64, cols []Column) (*Frame, error) {
	for _, c := range cols {
		if len(c.Values) != len(index) {
			return nil, errors.Wrapf(errors.ErrShapeMismatch,
				"column %s has %d values for %d rows", c.Label(), len(c.Values), len(index))
		}
	}
	return &Frame{index: index, cols: cols}, nil
}

// Empty creates a frame with the given column layout and no rows.
func Empty(cols []Column) *Frame {
	out := make([]Column, len(cols))
	for i, c := range cols {
		out[i] = Column{Feature: c.Feature, Offset: c.Offset}
	}
	return &Frame{cols: out}
}

// Rows returns the number of rows.
func (f *Frame) Rows() int {
	return len(f.index)
}

// NumCols returns the number of columns.
func (f *Frame) NumCols() int {
	return len(f.cols)
}

// Index returns the row keys. The returned slice is owned by the frame
// and must not be modified.
func (f *Frame) Index() []int64 {
	return f.index
}

// Columns returns the columns. The returned slice is owned by the frame
// and must not be modified.
func (f *Frame) Columns() []Column {
	return f.cols
}

// At returns the cell value at row i, column j.
func (f *Frame) At(i, j int) float64 {
	return f.cols[j].Values[i]
}

// Key returns the row key at row i.
func (f *Frame) Key(i int) int64 {
	return f.index[i]
}

// Features returns the distinct feature names in first-occurrence order.
func (f *Frame) Features() []string {
	seen := make(map[string]bool, len(f.cols))
	var out []string
	for _, c := range f.cols {
		if !seen[c.Feature] {
			seen[c.Feature] = true
			out = append(out, c.Feature)
		}
	}
	return out
}

// MaxOffset returns the largest lag offset across columns. Zero for
// plain frames.
func (f *Frame) MaxOffset() int {
	max := 0
	for _, c := range f.cols {
		if c.Offset > max {
			max = c.Offset
		}
	}
	return max
}

// CheckOrdered verifies that the row keys are strictly increasing.
func (f *Frame) CheckOrdered() error {
	for i := 1; i < len(f.index); i++ {
		if f.index[i] <= f.index[i-1] {
			return errors.NewOrderingViolation(
				fmt.Sprintf("row key %d at position %d not above predecessor %d",
					f.index[i], i, f.index[i-1]))
		}
	}
	return nil
}

// Slice returns a copy of rows [lo, hi).
func (f *Frame) Slice(lo, hi int) *Frame {
	if lo < 0 {
		lo = 0
	}
	if hi > len(f.index) {
		hi = len(f.index)
	}
	if hi < lo {
		hi = lo
	}
	index := make([]int64, hi-lo)
	copy(index, f.index[lo:hi])
	cols := make([]Column, len(f.cols))
	for i, c := range f.cols {
		vals := make([]float64, hi-lo)
		copy(vals, c.Values[lo:hi])
		cols[i] = Column{Feature: c.Feature, Offset: c.Offset, Values: vals}
	}
	return &Frame{index: index, cols: cols}
}

// Head returns a copy of the first n rows.
func (f *Frame) Head(n int) *Frame {
	return f.Slice(0, n)
}

// Tail returns a copy of the last n rows.
func (f *Frame) Tail(n int) *Frame {
	return f.Slice(len(f.index)-n, len(f.index))
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	return f.Slice(0, len(f.index))
}

// Select returns a copy containing only the named features, keeping
// every lag group of each and the original column order.
func (f *Frame) Select(features ...string) (*Frame, error) {
	want := make(map[string]bool, len(features))
	for _, name := range features {
		want[name] = true
	}
	found := make(map[string]bool, len(features))

	index := make([]int64, len(f.index))
	copy(index, f.index)
	var cols []Column
	for _, c := range f.cols {
		if !want[c.Feature] {
			continue
		}
		found[c.Feature] = true
		vals := make([]float64, len(c.Values))
		copy(vals, c.Values)
		cols = append(cols, Column{Feature: c.Feature, Offset: c.Offset, Values: vals})
	}

	for _, name := range features {
		if !found[name] {
			return nil, errors.Wrapf(errors.ErrFeatureNotFound, "feature %q", name)
		}
	}
	return &Frame{index: index, cols: cols}, nil
}

// SameLayout reports whether two frames have identical column layouts
// (feature names and lag offsets in the same order).
func (f *Frame) SameLayout(other *Frame) bool {
	if len(f.cols) != len(other.cols) {
		return false
	}
	for i := range f.cols {
		if f.cols[i].Feature != other.cols[i].Feature || f.cols[i].Offset != other.cols[i].Offset {
			return false
		}
	}
	return true
}

// Concat appends frames in the given order into a single frame. All
// frames must share the column layout, and row keys must keep strictly
// increasing across the boundaries.
func Concat(frames ...*Frame) (*Frame, error) {
	var nonEmpty []*Frame
	for _, f := range frames {
		if f != nil && f.Rows() > 0 {
			nonEmpty = append(nonEmpty, f)
		}
	}
	if len(nonEmpty) == 0 {
		for _, f := range frames {
			if f != nil {
				return Empty(f.cols), nil
			}
		}
		return &Frame{}, nil
	}

	first := nonEmpty[0]
	total := 0
	for i, f := range nonEmpty {
		if !first.SameLayout(f) {
			return nil, errors.Wrapf(errors.ErrSchemaMismatch,
				"frame %d column layout differs", i)
		}
		if i > 0 {
			prev := nonEmpty[i-1]
			if f.index[0] <= prev.index[prev.Rows()-1] {
				return nil, errors.NewOrderingViolation(
					fmt.Sprintf("frame %d starts at key %d, predecessor ends at %d",
						i, f.index[0], prev.index[prev.Rows()-1]))
			}
		}
		total += f.Rows()
	}

	index := make([]int64, 0, total)
	cols := make([]Column, len(first.cols))
	for j, c := range first.cols {
		cols[j] = Column{
			Feature: c.Feature,
			Offset:  c.Offset,
			Values:  make([]float64, 0, total),
		}
	}
	for _, f := range nonEmpty {
		index = append(index, f.index...)
		for j := range cols {
			cols[j].Values = append(cols[j].Values, f.cols[j].Values...)
		}
	}
	return &Frame{index: index, cols: cols}, nil
}

// Values returns the cell values flattened row-major: row i, column j at
// position i*NumCols()+j.
func (f *Frame) Values() []float64 {
	rows, cols := f.Rows(), f.NumCols()
	out := make([]float64, rows*cols)
	for j, c := range f.cols {
		for i, v := range c.Values {
			out[i*cols+j] = v
		}
	}
	return out
}

// Equal reports whether two frames have the same index, layout, and cell
// values. NaN cells compare equal to NaN cells.
func (f *Frame) Equal(other *Frame) bool {
	if f.Rows() != other.Rows() || !f.SameLayout(other) {
		return false
	}
	for i := range f.index {
		if f.index[i] != other.index[i] {
			return false
		}
	}
	for j := range f.cols {
		a, b := f.cols[j].Values, other.cols[j].Values
		for i := range a {
			if a[i] == b[i] {
				continue
			}
			if math.IsNaN(a[i]) && math.IsNaN(b[i]) {
				continue
			}
			return false
		}
	}
	return true
}

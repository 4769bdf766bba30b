// Package window builds the lagged panel representation of an ordered
// dataset: every row is paired with the feature vectors of its lag
// preceding rows, stacked as lag-tagged column groups t-0 through t-L.
//
// Lagging is partition-parallel. The heavy lifting happens in
// buildPanel, a pure function that windows a single realized frame as
// if partition boundaries did not exist; the dataset engine supplies
// the trailing rows of the preceding partition as read-only context and
// trims them from the output, so a panel row near a boundary is
// identical to what an unsplit computation would produce.
package window

import (
	"context"
	"math"

	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// Lag returns a lazy handle whose partitions realize to panel frames
// with lag+1 column groups. Group t-0 is the original record; group t-l
// holds the feature vector observed l rows earlier, NaN where the
// dataset has no such row. lag must be positive.
//
// When partition sizes are declared up front, partitions too small to
// window are rejected here; otherwise the same check runs when the
// sizes become known during execution.
func Lag(ds *dataset.Dataset, lag int) (*dataset.Dataset, error) {
	if lag <= 0 {
		return nil, errs.NewInvalidLag(lag)
	}
	return ds.MapOverlap("lag", lag, func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
		return buildPanel(f, lag)
	})
}

// buildPanel windows one realized frame into its panel form. The output
// is row-aligned with the input: row t of the panel describes row t of
// the input, with lag group l holding the input values of row t-l and
// NaN for rows before the start of the frame.
//
// Column order is lag-major: all features at t-0, then all at t-1, and
// so on, preserving the input feature order within each group.
func buildPanel(f *frame.Frame, lag int) (*frame.Frame, error) {
	if lag <= 0 {
		return nil, errs.NewInvalidLag(lag)
	}
	if f.MaxOffset() > 0 {
		return nil, errs.NewInvalidValue("frame", f.MaxOffset(), "input already carries lag groups")
	}

	rows := f.Rows()
	src := f.Columns()
	cols := make([]frame.Column, 0, (lag+1)*len(src))
	for l := 0; l <= lag; l++ {
		for _, c := range src {
			cols = append(cols, frame.Column{
				Feature: c.Feature,
				Offset:  l,
				Values:  shift(c.Values, l, rows),
			})
		}
	}

	index := make([]int64, rows)
	copy(index, f.Index())
	return frame.New(index, cols)
}

// shift returns values displaced forward by l positions: out[t] is
// values[t-l], with NaN filling the first l slots.
func shift(values []float64, l, rows int) []float64 {
	out := make([]float64, rows)
	for t := 0; t < l && t < rows; t++ {
		out[t] = math.NaN()
	}
	for t := l; t < rows; t++ {
		out[t] = values[t-l]
	}
	return out
}

// Panel windows a single realized frame without going through a dataset
// handle. Rows within lag of the frame start get NaN history, exactly
// as the first partition of a dataset would.
func Panel(f *frame.Frame, lag int) (*frame.Frame, error) {
	return buildPanel(f, lag)
}

package cube

import (
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// Dimensions derives the cube shape implied by a realized panel frame:
// observations = rows, lags = lag+1, features = columns/(lag+1). The
// column count must divide evenly into the lag groups.
func Dimensions(f *frame.Frame, lag int) (obs, lags, feats int, err error) {
	if lag <= 0 {
		return 0, 0, 0, errs.NewInvalidLag(lag)
	}
	lags = lag + 1
	cols := f.NumCols()
	if cols == 0 || cols%lags != 0 {
		return 0, 0, 0, errs.NewShapeMismatch(cols, lag)
	}
	return f.Rows(), lags, cols / lags, nil
}

// FromPanel reshapes one realized panel frame into a labeled cube.
// The reshape is pure index arithmetic: At(i, j, k) equals the frame
// cell at row i, column j*feats+k; no values move or reorder. Axis
// labels come from the frame: row keys, lag group labels, and the
// feature names of the first lag group.
//
// The frame's column tags must actually form lag-major groups; a frame
// whose offsets or per-group feature order disagree with its shape is
// rejected rather than silently misfiled.
func FromPanel(f *frame.Frame, lag int) (*Cube, error) {
	obs, lags, feats, err := Dimensions(f, lag)
	if err != nil {
		return nil, err
	}

	cols := f.Columns()
	features := make([]string, feats)
	for k := 0; k < feats; k++ {
		features[k] = cols[k].Feature
	}
	for j := 0; j < lags; j++ {
		for k := 0; k < feats; k++ {
			c := cols[j*feats+k]
			if c.Offset != j {
				return nil, errs.Wrapf(errs.ErrShapeMismatch,
					"column %d: offset %d in lag group %d", j*feats+k, c.Offset, j)
			}
			if c.Feature != features[k] {
				return nil, errs.Wrapf(errs.ErrShapeMismatch,
					"column %d: feature %q, group t-0 has %q", j*feats+k, c.Feature, features[k])
			}
		}
	}

	lagLabels := make([]string, lags)
	for j := 0; j < lags; j++ {
		lagLabels[j] = frame.LagLabel(j)
	}
	keys := make([]int64, obs)
	copy(keys, f.Index())

	return &Cube{
		obs:       obs,
		lags:      lags,
		feats:     feats,
		data:      f.Values(),
		keys:      keys,
		lagLabels: lagLabels,
		features:  features,
	}, nil
}

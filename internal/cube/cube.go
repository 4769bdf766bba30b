// Package cube turns realized panel frames into dense 3-axis arrays
// indexed [observation, lag, feature]. Two converters cover the two
// realization modes: FromPanel reshapes a single realized frame and
// keeps its coordinate labels, Stack realizes a whole dataset partition
// by partition and assembles a label-free array in declared order.
package cube

import (
	"fmt"

	errs "github.com/quantfold/timedim/internal/errors"
)

// Cube is a dense row-major 3-axis array. The flat layout matches the
// panel frame layout exactly: observation i, lag j, feature k lives at
// (i*lags+j)*feats + k, which is row i, column j*feats+k of the frame
// it was reshaped from.
//
// Coordinate labels are optional; cubes assembled from deferred
// partitions carry none.
type Cube struct {
	obs   int
	lags  int
	feats int
	data  []float64

	keys      []int64
	lagLabels []string
	features  []string
}

// Shape returns the axis lengths (observations, lags, features).
func (c *Cube) Shape() (obs, lags, feats int) {
	return c.obs, c.lags, c.feats
}

// Len returns the number of observations.
func (c *Cube) Len() int {
	return c.obs
}

// At returns the value at observation i, lag j, feature k.
func (c *Cube) At(i, j, k int) float64 {
	if i < 0 || i >= c.obs || j < 0 || j >= c.lags || k < 0 || k >= c.feats {
		panic(fmt.Sprintf("cube: index (%d,%d,%d) out of shape (%d,%d,%d)",
			i, j, k, c.obs, c.lags, c.feats))
	}
	return c.data[(i*c.lags+j)*c.feats+k]
}

// Data returns the flattened values. The slice is owned by the cube and
// must not be modified.
func (c *Cube) Data() []float64 {
	return c.data
}

// HasCoords reports whether the cube carries coordinate labels.
func (c *Cube) HasCoords() bool {
	return c.keys != nil
}

// Keys returns the observation axis labels, nil for label-free cubes.
// The slice is owned by the cube and must not be modified.
func (c *Cube) Keys() []int64 {
	return c.keys
}

// LagLabels returns the lag axis labels ("t-0" .. "t-L"), nil for
// label-free cubes.
func (c *Cube) LagLabels() []string {
	return c.lagLabels
}

// Features returns the feature axis labels, nil for label-free cubes.
func (c *Cube) Features() []string {
	return c.features
}

// Observation returns the (lags, feats) slab of observation i as a copy
// flattened lag-major.
func (c *Cube) Observation(i int) []float64 {
	if i < 0 || i >= c.obs {
		panic(fmt.Sprintf("cube: observation %d out of range %d", i, c.obs))
	}
	span := c.lags * c.feats
	out := make([]float64, span)
	copy(out, c.data[i*span:(i+1)*span])
	return out
}

// appendBlock appends a reshaped partition block along the observation
// axis. The block must agree with the cube on (lags, feats).
func (c *Cube) appendBlock(obs int, data []float64) error {
	if len(data) != obs*c.lags*c.feats {
		return errs.Wrapf(errs.ErrShapeMismatch,
			"block of %d values does not fill %d observations of (%d, %d)",
			len(data), obs, c.lags, c.feats)
	}
	c.data = append(c.data, data...)
	c.obs += obs
	return nil
}

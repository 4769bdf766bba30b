// LOCATION: internal/profile/correlate.go

package profile

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
)

// CorrMatrix is a symmetric feature correlation matrix with column
// labels attached.
type CorrMatrix struct {
	labels []string
	m      *mat.SymDense
}

// Dim returns the number of columns the matrix covers.
func (c *CorrMatrix) Dim() int {
	return len(c.labels)
}

// Labels returns the column labels in matrix order.
func (c *CorrMatrix) Labels() []string {
	return c.labels
}

// At returns the Pearson correlation between columns i and j. NaN when
// fewer than two complete observation pairs exist or a column is
// constant.
func (c *CorrMatrix) At(i, j int) float64 {
	return c.m.At(i, j)
}

// Correlations computes the pairwise Pearson correlation matrix over a
// realized frame. Lagged panels carry leading NaN cells; rows where
// either column of a pair is NaN drop out of that pair only.
func Correlations(f *frame.Frame) (*CorrMatrix, error) {
	if f.Rows() == 0 {
		return nil, errors.NewInvalidValue("frame", f.Rows(), "no rows to correlate")
	}
	cols := f.Columns()
	if len(cols) == 0 {
		return nil, errors.NewInvalidValue("frame", 0, "no columns to correlate")
	}

	if !hasNaN(cols) {
		x := mat.NewDense(f.Rows(), len(cols), f.Values())
		var sym mat.SymDense
		stat.CorrelationMatrix(&sym, x, nil)
		return &CorrMatrix{labels: columnLabels(f), m: &sym}, nil
	}

	n := len(cols)
	sym := mat.NewSymDense(n, nil)
	var xi, xj []float64
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			xi, xj = xi[:0], xj[:0]
			for r := 0; r < f.Rows(); r++ {
				a, b := cols[i].Values[r], cols[j].Values[r]
				if math.IsNaN(a) || math.IsNaN(b) {
					continue
				}
				xi = append(xi, a)
				xj = append(xj, b)
			}
			if len(xi) < 2 {
				sym.SetSym(i, j, math.NaN())
				continue
			}
			sym.SetSym(i, j, stat.Correlation(xi, xj, nil))
		}
	}
	return &CorrMatrix{labels: columnLabels(f), m: sym}, nil
}

func hasNaN(cols []frame.Column) bool {
	for _, c := range cols {
		for _, v := range c.Values {
			if math.IsNaN(v) {
				return true
			}
		}
	}
	return false
}

// LOCATION: internal/profile/profile.go
//
// Streaming per-feature statistics over a dataset. Each partition is
// profiled as it completes and the partial results are merged, so a
// dataset larger than memory can still be described in one pass.

package profile

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/quantfold/timedim/config"
	"github.com/quantfold/timedim/internal/dataset"
	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/logging"
)

var log = logging.Component("profile")

// DefaultAccuracy is the DDSketch relative accuracy used when the
// caller does not override it. 1% keeps sketches small while staying
// well inside what a describe table can display.
const DefaultAccuracy = config.DefaultSketchAccuracy

// DefaultQuantiles are reported when the caller does not ask for a
// specific set.
var DefaultQuantiles = []float64{0.50, 0.90, 0.99}

// Options controls Describe.
type Options struct {
	// Quantiles to report per feature, each in (0, 1). Defaults to
	// DefaultQuantiles when empty.
	Quantiles []float64

	// Accuracy is the DDSketch relative accuracy in (0, 1). Defaults
	// to DefaultAccuracy when zero.
	Accuracy float64
}

func (o Options) normalize() (Options, error) {
	if len(o.Quantiles) == 0 {
		o.Quantiles = DefaultQuantiles
	}
	if o.Accuracy == 0 {
		o.Accuracy = DefaultAccuracy
	}
	if o.Accuracy <= 0 || o.Accuracy >= 1 {
		return o, errors.NewInvalidValue("accuracy", o.Accuracy, "must be in (0, 1)")
	}
	for _, q := range o.Quantiles {
		if q <= 0 || q >= 1 {
			return o, errors.NewInvalidValue("quantile", q, "must be in (0, 1)")
		}
	}
	return o, nil
}

// Quantile is one reported quantile of a feature.
type Quantile struct {
	Q     float64
	Value float64
}

// FeatureStats holds the profile of a single column. Count excludes
// NaN cells; NaNs counts them separately so the leading gaps of a
// lagged panel stay visible.
type FeatureStats struct {
	Label     string
	Count     int64
	NaNs      int64
	Mean      float64
	Std       float64
	Min       float64
	Max       float64
	Quantiles []Quantile
}

// Report is the profile of a whole dataset, one entry per column in
// frame order.
type Report struct {
	Rows     int64
	Features []FeatureStats
}

// featureAccumulator maintains running statistics for one column.
// Percentiles come from a DDSketch so partition sketches can be merged
// without keeping raw values.
type featureAccumulator struct {
	count  int64
	nans   int64
	sum    float64
	sumsq  float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newFeatureAccumulator(accuracy float64) (*featureAccumulator, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, errors.Wrap(err, "create sketch")
	}
	return &featureAccumulator{
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
		sketch: sketch,
	}, nil
}

func (a *featureAccumulator) add(v float64) {
	if math.IsNaN(v) {
		a.nans++
		return
	}
	a.count++
	a.sum += v
	a.sumsq += v * v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.sketch.Add(v)
}

func (a *featureAccumulator) merge(other *featureAccumulator) {
	a.nans += other.nans
	if other.count == 0 {
		return
	}
	a.count += other.count
	a.sum += other.sum
	a.sumsq += other.sumsq
	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}
	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

func (a *featureAccumulator) result(label string, quantiles []float64) FeatureStats {
	s := FeatureStats{Label: label, Count: a.count, NaNs: a.nans}
	if a.count == 0 {
		nan := math.NaN()
		s.Mean, s.Std, s.Min, s.Max = nan, nan, nan, nan
		for _, q := range quantiles {
			s.Quantiles = append(s.Quantiles, Quantile{Q: q, Value: nan})
		}
		return s
	}

	mean := a.sum / float64(a.count)
	s.Mean = mean
	s.Min = a.min
	s.Max = a.max
	if a.count > 1 {
		// Sample variance; clamp the small negative values the
		// sum-of-squares form can produce for constant columns.
		variance := (a.sumsq - float64(a.count)*mean*mean) / float64(a.count-1)
		if variance > 0 {
			s.Std = math.Sqrt(variance)
		}
	}
	for _, q := range quantiles {
		v, _ := a.sketch.GetValueAtQuantile(q)
		s.Quantiles = append(s.Quantiles, Quantile{Q: q, Value: v})
	}
	return s
}

// Describe profiles every column of the dataset in a single streaming
// pass. Partitions are profiled independently as they complete and
// merged under a lock, so peak memory stays at one partition plus the
// accumulators. All partitions must share the same column layout.
func Describe(ctx context.Context, ds *dataset.Dataset, opts Options) (*Report, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		mu     sync.Mutex
		labels []string
		accs   []*featureAccumulator
		rows   int64
	)

	sink := func(ctx context.Context, partition int, f *frame.Frame) error {
		local, err := profileFrame(f, opts.Accuracy)
		if err != nil {
			return errors.Wrapf(err, "partition %d", partition)
		}
		got := columnLabels(f)

		mu.Lock()
		defer mu.Unlock()
		if labels == nil {
			labels = got
			accs = local
		} else {
			if !sameLabels(labels, got) {
				return errors.NewSchemaMismatch(
					"partition columns", strings.Join(labels, ","), strings.Join(got, ","))
			}
			for j := range accs {
				accs[j].merge(local[j])
			}
		}
		rows += int64(f.Rows())
		return nil
	}

	if err := ds.Each(ctx, sink); err != nil {
		return nil, err
	}

	report := &Report{Rows: rows}
	for j, a := range accs {
		report.Features = append(report.Features, a.result(labels[j], opts.Quantiles))
	}
	log.Debug("dataset profiled",
		"rows", rows,
		"features", len(report.Features),
		"elapsed", time.Since(start))
	return report, nil
}

// profileFrame accumulates one partition without taking any locks.
func profileFrame(f *frame.Frame, accuracy float64) ([]*featureAccumulator, error) {
	cols := f.Columns()
	accs := make([]*featureAccumulator, len(cols))
	for j, c := range cols {
		a, err := newFeatureAccumulator(accuracy)
		if err != nil {
			return nil, err
		}
		for _, v := range c.Values {
			a.add(v)
		}
		accs[j] = a
	}
	return accs, nil
}

func columnLabels(f *frame.Frame) []string {
	cols := f.Columns()
	out := make([]string, len(cols))
	for j, c := range cols {
		out[j] = c.Label()
	}
	return out
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package profile

import (
	"context"
	"math"
	"testing"

	"github.com/quantfold/timedim/internal/dataset"
	errs "github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/window"
)

func mustFrame(t *testing.T, index []int64, cols []frame.Column) *frame.Frame {
	t.Helper()
	f, err := frame.New(index, cols)
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	return f
}

// rampFrame holds keys lo..hi-1 with a[i]=key and b[i]=2*key+1.
func rampFrame(t *testing.T, lo, hi int64) *frame.Frame {
	t.Helper()
	n := int(hi - lo)
	index := make([]int64, n)
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		index[i] = lo + int64(i)
		a[i] = float64(lo + int64(i))
		b[i] = 2*a[i] + 1
	}
	return mustFrame(t, index, []frame.Column{
		{Feature: "a", Values: a},
		{Feature: "b", Values: b},
	})
}

func statsByLabel(t *testing.T, r *Report, label string) FeatureStats {
	t.Helper()
	for _, s := range r.Features {
		if s.Label == label {
			return s
		}
	}
	t.Fatalf("label %q not in report", label)
	return FeatureStats{}
}

func closeTo(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestDescribeBasic(t *testing.T) {
	ds, err := dataset.FromFrames(rampFrame(t, 0, 100))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	report, err := Describe(context.Background(), ds, Options{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	if report.Rows != 100 {
		t.Errorf("rows: got %d, want 100", report.Rows)
	}
	if len(report.Features) != 2 {
		t.Fatalf("features: got %d, want 2", len(report.Features))
	}
	if report.Features[0].Label != "a" || report.Features[1].Label != "b" {
		t.Fatalf("labels: got %q, %q", report.Features[0].Label, report.Features[1].Label)
	}

	a := report.Features[0]
	if a.Count != 100 || a.NaNs != 0 {
		t.Errorf("a counts: got (%d, %d), want (100, 0)", a.Count, a.NaNs)
	}
	if !closeTo(a.Mean, 49.5, 1e-9) {
		t.Errorf("a mean: got %v, want 49.5", a.Mean)
	}
	if !closeTo(a.Std, 29.0115, 1e-3) {
		t.Errorf("a std: got %v, want ~29.0115", a.Std)
	}
	if a.Min != 0 || a.Max != 99 {
		t.Errorf("a range: got [%v, %v], want [0, 99]", a.Min, a.Max)
	}

	if len(a.Quantiles) != 3 {
		t.Fatalf("quantile count: got %d, want 3", len(a.Quantiles))
	}
	// DDSketch is rank-approximate at 1% relative accuracy; allow a
	// couple of ranks of slack.
	wants := []struct {
		q, value, tol float64
	}{
		{0.50, 49.5, 2.5},
		{0.90, 89.5, 3.0},
		{0.99, 98.5, 3.0},
	}
	for i, w := range wants {
		got := a.Quantiles[i]
		if got.Q != w.q {
			t.Errorf("quantile %d: got q=%v, want %v", i, got.Q, w.q)
		}
		if !closeTo(got.Value, w.value, w.tol) {
			t.Errorf("p%v: got %v, want %v +- %v", w.q*100, got.Value, w.value, w.tol)
		}
	}
}

func TestDescribeConstantColumn(t *testing.T) {
	n := 10
	index := make([]int64, n)
	c := make([]float64, n)
	for i := range index {
		index[i] = int64(i)
		c[i] = 7
	}
	ds, err := dataset.FromFrames(mustFrame(t, index, []frame.Column{{Feature: "c", Values: c}}))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	report, err := Describe(context.Background(), ds, Options{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	s := report.Features[0]
	if s.Std != 0 {
		t.Errorf("constant std: got %v, want 0", s.Std)
	}
	if s.Min != 7 || s.Max != 7 || !closeTo(s.Mean, 7, 1e-12) {
		t.Errorf("constant stats: min=%v max=%v mean=%v", s.Min, s.Max, s.Mean)
	}
}

func TestDescribeMergesPartitions(t *testing.T) {
	ctx := context.Background()
	whole, err := dataset.FromFrames(rampFrame(t, 0, 100))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	split, err := dataset.FromFrames(
		rampFrame(t, 0, 25), rampFrame(t, 25, 50),
		rampFrame(t, 50, 75), rampFrame(t, 75, 100))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}

	want, err := Describe(ctx, whole, Options{})
	if err != nil {
		t.Fatalf("Describe whole: %v", err)
	}
	got, err := Describe(ctx, split, Options{})
	if err != nil {
		t.Fatalf("Describe split: %v", err)
	}

	if got.Rows != want.Rows {
		t.Fatalf("rows: got %d, want %d", got.Rows, want.Rows)
	}
	for i := range want.Features {
		w, g := want.Features[i], got.Features[i]
		if g.Label != w.Label || g.Count != w.Count || g.NaNs != w.NaNs {
			t.Errorf("%s: identity fields differ: %+v vs %+v", w.Label, g, w)
		}
		if !closeTo(g.Mean, w.Mean, 1e-9) || !closeTo(g.Std, w.Std, 1e-9) {
			t.Errorf("%s: mean/std differ: (%v, %v) vs (%v, %v)",
				w.Label, g.Mean, g.Std, w.Mean, w.Std)
		}
		if g.Min != w.Min || g.Max != w.Max {
			t.Errorf("%s: range differs", w.Label)
		}
		for qi := range w.Quantiles {
			if !closeTo(g.Quantiles[qi].Value, w.Quantiles[qi].Value, 1e-9) {
				t.Errorf("%s p%v: merged %v vs whole %v", w.Label,
					w.Quantiles[qi].Q*100, g.Quantiles[qi].Value, w.Quantiles[qi].Value)
			}
		}
	}
}

func TestDescribeLaggedPanelCountsNaNs(t *testing.T) {
	panel, err := window.Panel(rampFrame(t, 0, 10), 1)
	if err != nil {
		t.Fatalf("Panel: %v", err)
	}
	ds, err := dataset.FromFrames(panel)
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	report, err := Describe(context.Background(), ds, Options{})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	cur := statsByLabel(t, report, "a")
	if cur.Count != 10 || cur.NaNs != 0 {
		t.Errorf("a: got (%d, %d), want (10, 0)", cur.Count, cur.NaNs)
	}
	lagged := statsByLabel(t, report, "t-1:a")
	if lagged.Count != 9 || lagged.NaNs != 1 {
		t.Errorf("t-1:a: got (%d, %d), want (9, 1)", lagged.Count, lagged.NaNs)
	}
	// The lagged column holds a[0..8], so its mean is 4.
	if !closeTo(lagged.Mean, 4, 1e-9) {
		t.Errorf("t-1:a mean: got %v, want 4", lagged.Mean)
	}
	if lagged.Min != 0 || lagged.Max != 8 {
		t.Errorf("t-1:a range: got [%v, %v], want [0, 8]", lagged.Min, lagged.Max)
	}
}

func TestDescribeOptionValidation(t *testing.T) {
	ds, err := dataset.FromFrames(rampFrame(t, 0, 5))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	bad := []Options{
		{Quantiles: []float64{0}},
		{Quantiles: []float64{1}},
		{Quantiles: []float64{1.5}},
		{Accuracy: -0.1},
		{Accuracy: 1},
	}
	for _, opts := range bad {
		if _, err := Describe(context.Background(), ds, opts); !errs.Is(err, errs.ErrInvalidConfig) {
			t.Errorf("options %+v: expected ErrInvalidConfig, got %v", opts, err)
		}
	}
}

func TestDescribeLayoutDisagreement(t *testing.T) {
	ds, err := dataset.FromFrames(rampFrame(t, 0, 5), rampFrame(t, 100, 105))
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	uneven := ds.Map("uneven", func(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
		if f.Key(0) >= 100 {
			return f.Select("a")
		}
		return f, nil
	})
	if _, err := Describe(context.Background(), uneven, Options{}); !errs.Is(err, errs.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestCorrelations(t *testing.T) {
	n := 20
	index := make([]int64, n)
	a := make([]float64, n)
	b := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		index[i] = int64(i)
		a[i] = float64(i)
		b[i] = 2*a[i] + 1
		c[i] = -a[i]
	}
	f := mustFrame(t, index, []frame.Column{
		{Feature: "a", Values: a},
		{Feature: "b", Values: b},
		{Feature: "c", Values: c},
	})

	corr, err := Correlations(f)
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	if corr.Dim() != 3 {
		t.Fatalf("dim: got %d, want 3", corr.Dim())
	}
	for i := 0; i < 3; i++ {
		if !closeTo(corr.At(i, i), 1, 1e-9) {
			t.Errorf("diagonal %d: got %v", i, corr.At(i, i))
		}
	}
	if !closeTo(corr.At(0, 1), 1, 1e-9) {
		t.Errorf("corr(a, b): got %v, want 1", corr.At(0, 1))
	}
	if !closeTo(corr.At(0, 2), -1, 1e-9) {
		t.Errorf("corr(a, c): got %v, want -1", corr.At(0, 2))
	}
	if corr.At(1, 0) != corr.At(0, 1) {
		t.Error("matrix not symmetric")
	}
}

func TestCorrelationsPairwiseDropsNaNs(t *testing.T) {
	panel, err := window.Panel(rampFrame(t, 0, 10), 1)
	if err != nil {
		t.Fatalf("Panel: %v", err)
	}
	corr, err := Correlations(panel)
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	labels := corr.Labels()
	cur, lag := -1, -1
	for i, l := range labels {
		switch l {
		case "a":
			cur = i
		case "t-1:a":
			lag = i
		}
	}
	if cur < 0 || lag < 0 {
		t.Fatalf("labels missing: %v", labels)
	}
	// Complete pairs are rows 1..9, where both columns are linear in
	// the key.
	if !closeTo(corr.At(cur, lag), 1, 1e-9) {
		t.Errorf("corr(a, t-1:a): got %v, want 1", corr.At(cur, lag))
	}
}

func TestCorrelationsDegenerate(t *testing.T) {
	nan := math.NaN()
	f := mustFrame(t, []int64{0, 1, 2}, []frame.Column{
		{Feature: "x", Values: []float64{1, nan, nan}},
		{Feature: "y", Values: []float64{nan, 2, nan}},
		{Feature: "z", Values: []float64{1, 2, 3}},
	})
	corr, err := Correlations(f)
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	// x and y never overlap, so no complete pair exists.
	if !math.IsNaN(corr.At(0, 1)) {
		t.Errorf("corr(x, y): got %v, want NaN", corr.At(0, 1))
	}
	// x alone has a single observation.
	if !math.IsNaN(corr.At(0, 0)) {
		t.Errorf("corr(x, x): got %v, want NaN", corr.At(0, 0))
	}
	if !closeTo(corr.At(2, 2), 1, 1e-9) {
		t.Errorf("corr(z, z): got %v, want 1", corr.At(2, 2))
	}

	empty := frame.Empty([]frame.Column{{Feature: "a"}})
	if _, err := Correlations(empty); !errs.Is(err, errs.ErrInvalidConfig) {
		t.Errorf("empty frame: expected ErrInvalidConfig, got %v", err)
	}
}

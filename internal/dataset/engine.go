package dataset

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/quantfold/timedim/internal/config"
	"github.com/quantfold/timedim/internal/errors"
	"github.com/quantfold/timedim/internal/frame"
	"github.com/quantfold/timedim/internal/logging"
)

var log = logging.Component("engine")

// Engine executes dataset task graphs with bounded parallelism. A
// trigger blocks until every task finishes or one fails; the first
// failure cancels the rest and no partial result is returned.
//
// Engines are safe for concurrent use. Concurrent identical triggers on
// the same handle are collapsed into one execution: handles are
// immutable and realization is deterministic, so sharing a run is safe.
type Engine struct {
	workers        int
	maxInFlight    int
	triggerTimeout time.Duration

	sf    singleflight.Group
	runID atomic.Uint64
	stats Stats
}

// Stats holds engine statistics.
type Stats struct {
	TriggersStarted  atomic.Int64
	TriggersFailed   atomic.Int64
	TasksCompleted   atomic.Int64
	TasksFailed      atomic.Int64
	PartitionsLoaded atomic.Int64
	RowsLoaded       atomic.Int64
}

// EngineStats is a point-in-time snapshot of engine statistics.
type EngineStats struct {
	TriggersStarted  int64
	TriggersFailed   int64
	TasksCompleted   int64
	TasksFailed      int64
	PartitionsLoaded int64
	RowsLoaded       int64
}

// New creates an engine from configuration. A nil config uses defaults.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine config")
	}
	return &Engine{
		workers:        cfg.Engine.Workers,
		maxInFlight:    cfg.Engine.EffectiveMaxInFlight(),
		triggerTimeout: cfg.Engine.TriggerTimeout,
	}, nil
}

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Default returns the shared default engine, creating it on first use.
func Default() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		defaultEngine, _ = New(nil)
	}
	return defaultEngine
}

// SetDefault installs the shared default engine. Call once at startup,
// before any trigger uses Default.
func SetDefault(e *Engine) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEngine = e
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		TriggersStarted:  e.stats.TriggersStarted.Load(),
		TriggersFailed:   e.stats.TriggersFailed.Load(),
		TasksCompleted:   e.stats.TasksCompleted.Load(),
		TasksFailed:      e.stats.TasksFailed.Load(),
		PartitionsLoaded: e.stats.PartitionsLoaded.Load(),
		RowsLoaded:       e.stats.RowsLoaded.Load(),
	}
}

// =============================================================================
// Triggers
// =============================================================================

// Compute realizes the whole dataset into a single ordered frame.
// Concurrent Compute calls on the same handle share one execution, so
// the returned frame must be treated as read-only.
func (e *Engine) Compute(ctx context.Context, d *Dataset) (*frame.Frame, error) {
	v, err, _ := e.sf.Do(fmt.Sprintf("compute:%p", d), func() (interface{}, error) {
		frames, err := e.frames(ctx, d)
		if err != nil {
			return nil, err
		}
		return frame.Concat(frames...)
	})
	if err != nil {
		return nil, err
	}
	return v.(*frame.Frame), nil
}

// Frames realizes the dataset into one frame per partition, in declared
// partition order. Concurrent Frames calls on the same handle share one
// execution; the returned frames must be treated as read-only.
func (e *Engine) Frames(ctx context.Context, d *Dataset) ([]*frame.Frame, error) {
	v, err, _ := e.sf.Do(fmt.Sprintf("frames:%p", d), func() (interface{}, error) {
		return e.frames(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*frame.Frame), nil
}

// Each realizes the dataset and feeds every final partition result to
// sink. Sinks may run concurrently and observe any completion order;
// the partition index carries the logical position. The result of each
// partition is released as soon as its sink returns, so Each is the
// out-of-core trigger for pipelines whose output goes elsewhere.
func (e *Engine) Each(ctx context.Context, d *Dataset, sink SinkFunc) error {
	_, err := e.run(ctx, d, sink)
	return err
}

// frames runs the graph without a sink and gathers retained final
// results in declared partition order, verifying that row keys still
// ascend across partition boundaries.
func (e *Engine) frames(ctx context.Context, d *Dataset) ([]*frame.Frame, error) {
	results, err := e.run(ctx, d, nil)
	if err != nil {
		return nil, err
	}

	finalStage := len(d.ops)
	out := make([]*frame.Frame, len(d.parts))
	var lastKey int64
	haveLast := false
	for i := range d.parts {
		f := results[taskID(finalStage, i)]
		if f == nil {
			return nil, errors.Wrapf(errors.ErrInternal, "partition %d missing result", i)
		}
		if f.Rows() > 0 {
			if haveLast && f.Key(0) <= lastKey {
				return nil, errors.NewOrderingViolation(
					fmt.Sprintf("partition %d starts at key %d, predecessor ends at %d",
						i, f.Key(0), lastKey))
			}
			lastKey = f.Key(f.Rows() - 1)
			haveLast = true
		}
		out[i] = f
	}
	return out, nil
}

// =============================================================================
// Graph runner
// =============================================================================

// nodeState is the mutable execution state of one task. The state map
// is fully populated before the run starts; workers only read parent
// results that the dispatcher published before dispatching them.
type nodeState struct {
	result        *frame.Frame
	pendingDeps   int
	consumersLeft int
}

type taskResult struct {
	id    string
	frame *frame.Frame
}

type runner struct {
	eng   *Engine
	g     *graph
	state map[string]*nodeState

	ready    taskHeap
	readyCh  chan *task
	doneCh   chan taskResult
	sem      *semaphore.Weighted
	inflight int
}

// run executes the dataset's task graph and returns the retained
// results keyed by task ID.
func (e *Engine) run(ctx context.Context, d *Dataset, sink SinkFunc) (map[string]*frame.Frame, error) {
	if d == nil || len(d.parts) == 0 {
		return nil, errors.ErrEmptyDataset
	}

	if e.triggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.triggerTimeout)
		defer cancel()
	}

	runID := e.runID.Add(1)
	ctx = logging.ContextWithRunID(ctx, runID)
	e.stats.TriggersStarted.Add(1)
	started := time.Now()

	g, err := buildGraph(d, sink)
	if err != nil {
		return nil, errors.Wrap(err, "build task graph")
	}

	r := &runner{
		eng:     e,
		g:       g,
		state:   make(map[string]*nodeState, g.taskCount()),
		readyCh: make(chan *task, e.workers),
		doneCh:  make(chan taskResult, e.workers),
		sem:     semaphore.NewWeighted(int64(e.maxInFlight)),
	}
	for id := range g.nodes {
		r.state[id] = &nodeState{
			pendingDeps:   len(g.parentsOf(id)),
			consumersLeft: len(g.childrenOf(id)),
		}
	}
	for _, id := range g.roots() {
		heap.Push(&r.ready, g.nodes[id])
	}

	log.Debug("trigger started",
		"run_id", runID,
		"partitions", len(d.parts),
		"stages", len(d.ops)+1,
		"tasks", g.taskCount(),
		"workers", e.workers)

	grp, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.workers; w++ {
		grp.Go(func() error {
			return r.worker(gctx)
		})
	}
	grp.Go(func() error {
		return r.dispatch(gctx)
	})

	if err := grp.Wait(); err != nil {
		e.stats.TriggersFailed.Add(1)
		log.Error("trigger failed",
			"run_id", runID,
			"error", err,
			"kind", errors.Kind(err),
			"elapsed", time.Since(started))
		return nil, err
	}

	results := make(map[string]*frame.Frame)
	for id, t := range g.nodes {
		if t.retain {
			results[id] = r.state[id].result
		}
	}

	log.Debug("trigger finished",
		"run_id", runID,
		"tasks", g.taskCount(),
		"elapsed", time.Since(started))
	return results, nil
}

// dispatch feeds ready tasks to workers and processes completions.
// Deeper stages dispatch first so intermediate results drain before new
// partitions load; load tasks additionally hold a semaphore slot, which
// bounds how many raw partitions are held in memory at once.
func (r *runner) dispatch(gctx context.Context) error {
	defer close(r.readyCh)

	completed := 0
	total := r.g.taskCount()
	for completed < total {
		for r.inflight < r.eng.workers && r.ready.Len() > 0 {
			t := r.ready.peek()
			if t.kind == taskLoad && !r.sem.TryAcquire(1) {
				// Load tasks sort last, so everything else that is
				// ready has already been dispatched.
				break
			}
			heap.Pop(&r.ready)
			r.inflight++
			select {
			case r.readyCh <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		if r.inflight == 0 {
			return errors.Wrap(errors.ErrInternal, "scheduler stalled with pending tasks")
		}

		select {
		case res := <-r.doneCh:
			r.inflight--
			completed++
			r.complete(res)
		case <-gctx.Done():
			return gctx.Err()
		}
	}
	return nil
}

// complete publishes a task result, wakes dependents, and releases
// parent results whose consumers have all run.
func (r *runner) complete(res taskResult) {
	st := r.state[res.id]
	st.result = res.frame
	t := r.g.nodes[res.id]

	// A retained load keeps its result for the caller; its semaphore
	// slot no longer bounds anything transient.
	if t.kind == taskLoad && t.retain {
		r.sem.Release(1)
	}

	for _, cid := range r.g.childrenOf(res.id) {
		cst := r.state[cid]
		cst.pendingDeps--
		if cst.pendingDeps == 0 {
			heap.Push(&r.ready, r.g.nodes[cid])
		}
	}

	for _, pid := range r.g.parentsOf(res.id) {
		pst := r.state[pid]
		pst.consumersLeft--
		if pst.consumersLeft == 0 {
			pt := r.g.nodes[pid]
			if !pt.retain {
				pst.result = nil
				if pt.kind == taskLoad {
					r.sem.Release(1)
				}
			}
		}
	}
}

// worker executes dispatched tasks until the ready channel closes.
func (r *runner) worker(gctx context.Context) error {
	for t := range r.readyCh {
		if gctx.Err() != nil {
			return gctx.Err()
		}
		f, err := r.runTask(gctx, t)
		if err != nil {
			r.eng.stats.TasksFailed.Add(1)
			return errors.Wrapf(err, "task %s", t.id)
		}
		r.eng.stats.TasksCompleted.Add(1)
		select {
		case r.doneCh <- taskResult{id: t.id, frame: f}:
		case <-gctx.Done():
			return gctx.Err()
		}
	}
	return nil
}

// runTask executes one task body.
func (r *runner) runTask(ctx context.Context, t *task) (*frame.Frame, error) {
	ctx = logging.ContextWithPartition(ctx, t.part)

	switch t.kind {
	case taskLoad:
		f, err := t.load(ctx)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, errors.Wrap(errors.ErrInternal, "load returned nil frame")
		}
		if err := f.CheckOrdered(); err != nil {
			return nil, err
		}
		r.eng.stats.PartitionsLoaded.Add(1)
		r.eng.stats.RowsLoaded.Add(int64(f.Rows()))
		return f, nil

	case taskMap:
		in := r.state[t.inputID].result
		var prev *frame.Frame
		if t.tailID != "" {
			prev = r.state[t.tailID].result
		}
		return applyOp(ctx, t.fn, t.before, t.part, in, prev)

	case taskSink:
		in := r.state[t.inputID].result
		if err := t.sink(ctx, t.part, in); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, errors.Wrapf(errors.ErrInternal, "unknown task kind %d", t.kind)
}

// applyOp applies one operation stage to a realized partition. For
// overlap operations it prepends the trailing `before` rows of the
// preceding partition's result, verifies the history requirement,
// invokes the row-aligned body, and trims the carried context rows from
// the output. The body therefore computes as if partition boundaries
// did not exist.
func applyOp(ctx context.Context, fn MapFunc, before, part int, in, prev *frame.Frame) (*frame.Frame, error) {
	if before <= 0 {
		return fn(ctx, in)
	}

	ext := in
	carried := 0
	if prev != nil {
		if prev.Rows() < before {
			return nil, errors.NewInsufficientHistory(part-1, prev.Rows(), 0, before)
		}
		var err error
		ext, err = frame.Concat(prev.Tail(before), in)
		if err != nil {
			return nil, err
		}
		carried = before
	}
	if ext.Rows() <= before {
		return nil, errors.NewInsufficientHistory(part, in.Rows(), carried, before)
	}

	out, err := fn(ctx, ext)
	if err != nil {
		return nil, err
	}
	if out.Rows() != ext.Rows() {
		return nil, errors.Wrapf(errors.ErrShapeMismatch,
			"overlap op returned %d rows for %d input rows", out.Rows(), ext.Rows())
	}
	return out.Slice(carried, out.Rows()), nil
}

// =============================================================================
// Sequential preview evaluation
// =============================================================================

// Head realizes just enough leading partitions to return the first n
// rows. Evaluation is sequential and memoized; it is meant for
// previews, not bulk realization.
func (e *Engine) Head(ctx context.Context, d *Dataset, n int) (*frame.Frame, error) {
	if d == nil || len(d.parts) == 0 {
		return nil, errors.ErrEmptyDataset
	}
	if n < 0 {
		n = 0
	}

	memo := make(map[string]*frame.Frame)
	var outs []*frame.Frame
	got := 0
	for i := 0; i < len(d.parts); i++ {
		f, err := e.eval(ctx, d, len(d.ops), i, memo)
		if err != nil {
			return nil, err
		}
		outs = append(outs, f)
		got += f.Rows()
		if got >= n {
			break
		}
	}

	all, err := frame.Concat(outs...)
	if err != nil {
		return nil, err
	}
	return all.Head(n), nil
}

// eval evaluates one stage of one partition, memoizing results so the
// overlap chain does not recompute predecessors.
func (e *Engine) eval(ctx context.Context, d *Dataset, stage, part int, memo map[string]*frame.Frame) (*frame.Frame, error) {
	id := taskID(stage, part)
	if f, ok := memo[id]; ok {
		return f, nil
	}

	var out *frame.Frame
	if stage == 0 {
		f, err := d.parts[part].Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := f.CheckOrdered(); err != nil {
			return nil, err
		}
		out = f
	} else {
		o := d.ops[stage-1]
		in, err := e.eval(ctx, d, stage-1, part, memo)
		if err != nil {
			return nil, err
		}
		var prev *frame.Frame
		if o.before > 0 && part > 0 {
			prev, err = e.eval(ctx, d, stage-1, part-1, memo)
			if err != nil {
				return nil, err
			}
		}
		out, err = applyOp(ctx, o.fn, o.before, part, in, prev)
		if err != nil {
			return nil, err
		}
	}

	memo[id] = out
	return out, nil
}

// =============================================================================
// Handle conveniences over the default engine
// =============================================================================

// Compute realizes the dataset with the default engine.
func (d *Dataset) Compute(ctx context.Context) (*frame.Frame, error) {
	return Default().Compute(ctx, d)
}

// Frames realizes the dataset with the default engine.
func (d *Dataset) Frames(ctx context.Context) ([]*frame.Frame, error) {
	return Default().Frames(ctx, d)
}

// Each realizes the dataset with the default engine, streaming results
// into sink.
func (d *Dataset) Each(ctx context.Context, sink SinkFunc) error {
	return Default().Each(ctx, d, sink)
}

// Head returns the first n rows using the default engine.
func (d *Dataset) Head(ctx context.Context, n int) (*frame.Frame, error) {
	return Default().Head(ctx, d, n)
}

// =============================================================================
// Ready-task priority heap
// =============================================================================

// taskHeap orders ready tasks deepest stage first, then by partition,
// so downstream work drains before new partitions load.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].stage != h[j].stage {
		return h[i].stage > h[j].stage
	}
	return h[i].part < h[j].part
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h taskHeap) peek() *task {
	return h[0]
}

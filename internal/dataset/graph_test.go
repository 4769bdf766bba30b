package dataset

import (
	"context"
	"strings"
	"testing"

	"github.com/quantfold/timedim/internal/frame"
)

func identityOp(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	return f, nil
}

func buildTestDataset(t *testing.T, nparts int) *Dataset {
	t.Helper()
	frames := make([]*frame.Frame, nparts)
	for i := range frames {
		frames[i] = testFrame(t, int64(i*100), 1, 2, 3)
	}
	ds, err := FromFrames(frames...)
	if err != nil {
		t.Fatalf("FromFrames: %v", err)
	}
	return ds
}

func TestBuildGraphEdges(t *testing.T) {
	ds := buildTestDataset(t, 3)
	lagged, err := ds.MapOverlap("lag", 2, identityOp)
	if err != nil {
		t.Fatalf("MapOverlap: %v", err)
	}

	g, err := buildGraph(lagged, nil)
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}

	// 3 loads + 3 maps.
	if g.taskCount() != 6 {
		t.Fatalf("expected 6 tasks, got %d", g.taskCount())
	}

	// Partition 0 has no overlap context; partitions 1 and 2 depend on
	// their predecessor's output as well as their own.
	if got := len(g.parentsOf(taskID(1, 0))); got != 1 {
		t.Errorf("s1/p0: expected 1 parent, got %d", got)
	}
	for _, part := range []int{1, 2} {
		parents := g.parentsOf(taskID(1, part))
		if len(parents) != 2 {
			t.Errorf("s1/p%d: expected 2 parents, got %d", part, len(parents))
			continue
		}
		want := map[string]bool{
			taskID(0, part):   true,
			taskID(0, part-1): true,
		}
		for _, p := range parents {
			if !want[p] {
				t.Errorf("s1/p%d: unexpected parent %s", part, p)
			}
		}
	}

	// Terminal tasks are retained when no sink is attached.
	for part := 0; part < 3; part++ {
		if !g.nodes[taskID(1, part)].retain {
			t.Errorf("s1/p%d should be retained", part)
		}
	}
}

func TestBuildGraphSinkStage(t *testing.T) {
	ds := buildTestDataset(t, 2)
	sink := func(ctx context.Context, partition int, f *frame.Frame) error { return nil }

	g, err := buildGraph(ds.Map("id", identityOp), sink)
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}

	// 2 loads + 2 maps + 2 sinks.
	if g.taskCount() != 6 {
		t.Fatalf("expected 6 tasks, got %d", g.taskCount())
	}
	for part := 0; part < 2; part++ {
		st := g.nodes[taskID(2, part)]
		if st == nil || st.kind != taskSink {
			t.Fatalf("expected sink task at s2/p%d", part)
		}
		if st.retain {
			t.Errorf("sink task s2/p%d should not be retained", part)
		}
	}
	// Map results feed sinks, so they are not retained.
	for part := 0; part < 2; part++ {
		if g.nodes[taskID(1, part)].retain {
			t.Errorf("map task s1/p%d should not be retained in sink mode", part)
		}
	}
}

func TestTopoSortRespectsDependencies(t *testing.T) {
	ds := buildTestDataset(t, 3)
	lagged, err := ds.MapOverlap("lag", 1, identityOp)
	if err != nil {
		t.Fatalf("MapOverlap: %v", err)
	}
	g, err := buildGraph(lagged, nil)
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}

	order, err := g.topoSort()
	if err != nil {
		t.Fatalf("topoSort: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, tk := range order {
		pos[tk.id] = i
	}
	for id := range g.nodes {
		for _, parent := range g.parentsOf(id) {
			if pos[parent] >= pos[id] {
				t.Errorf("%s sorted before its dependency %s", id, parent)
			}
		}
	}
}

func TestExecutionLevels(t *testing.T) {
	ds := buildTestDataset(t, 2)
	lagged, err := ds.MapOverlap("lag", 1, identityOp)
	if err != nil {
		t.Fatalf("MapOverlap: %v", err)
	}
	doubled, err := lagged.MapOverlap("lag2", 1, identityOp)
	if err != nil {
		t.Fatalf("MapOverlap: %v", err)
	}

	g, err := buildGraph(doubled, nil)
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}
	levels, err := g.executionLevels()
	if err != nil {
		t.Fatalf("executionLevels: %v", err)
	}

	// Loads at level 0, first op at level 1, second at level 2.
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 2 || len(levels[1]) != 2 || len(levels[2]) != 2 {
		t.Errorf("unexpected level sizes: %d/%d/%d",
			len(levels[0]), len(levels[1]), len(levels[2]))
	}
}

func TestHasCycleDetection(t *testing.T) {
	g := newGraph()
	g.addTask(&task{id: "a"})
	g.addTask(&task{id: "b"})
	g.addTask(&task{id: "c"})
	if err := g.addDep("a", "b"); err != nil {
		t.Fatalf("addDep: %v", err)
	}
	if err := g.addDep("b", "c"); err != nil {
		t.Fatalf("addDep: %v", err)
	}

	if cyc, _ := g.hasCycle(); cyc {
		t.Error("acyclic graph reported a cycle")
	}

	if err := g.addDep("c", "a"); err != nil {
		t.Fatalf("addDep: %v", err)
	}
	cyc, path := g.hasCycle()
	if !cyc {
		t.Fatal("cycle not detected")
	}
	if len(path) < 3 {
		t.Errorf("expected cycle path, got %v", path)
	}

	if _, err := g.topoSort(); err == nil {
		t.Error("topoSort should fail on a cyclic graph")
	}
}

func TestAddDepValidation(t *testing.T) {
	g := newGraph()
	g.addTask(&task{id: "a"})

	if err := g.addDep("a", "missing"); err == nil {
		t.Error("expected error for missing child")
	}
	if err := g.addDep("missing", "a"); err == nil {
		t.Error("expected error for missing parent")
	}
	if err := g.addDep("a", "a"); err == nil {
		t.Error("expected error for self-loop")
	}
}

func TestExplain(t *testing.T) {
	ds := buildTestDataset(t, 2)
	lagged, err := ds.MapOverlap("lag", 1, identityOp)
	if err != nil {
		t.Fatalf("MapOverlap: %v", err)
	}

	plan, err := lagged.Explain()
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if !strings.Contains(plan, "2 partitions") {
		t.Errorf("plan missing partition count: %q", plan)
	}
	if !strings.Contains(plan, "level 0") || !strings.Contains(plan, "level 1") {
		t.Errorf("plan missing levels: %q", plan)
	}
}

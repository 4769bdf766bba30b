package dataset

import (
	"fmt"
	"sort"
	"strings"
)

// taskKind classifies plan nodes.
type taskKind int

const (
	taskLoad taskKind = iota
	taskMap
	taskSink
)

// task is one node of an execution plan: one operation stage applied to
// one partition. Tasks are pure descriptions; all state lives in the
// runner.
type task struct {
	id    string
	kind  taskKind
	stage int
	part  int

	// inputID names the same-partition predecessor result this task
	// transforms. Empty for load tasks.
	inputID string

	// tailID names the preceding-partition result whose trailing
	// `before` rows are prepended as context. Empty when no overlap is
	// required or for the first partition.
	tailID string
	before int

	// retain marks results that outlive the run (trigger outputs).
	retain bool

	load LoadFunc
	fn   MapFunc
	sink SinkFunc
}

func taskID(stage, part int) string {
	return fmt.Sprintf("s%d/p%d", stage, part)
}

// graph is a directed acyclic graph of tasks. Edges run from
// dependencies to dependents.
type graph struct {
	nodes   map[string]*task
	order   []string            // insertion order, for deterministic walks
	edges   map[string][]string // parent -> children
	parents map[string][]string // child -> parents
}

func newGraph() *graph {
	return &graph{
		nodes:   make(map[string]*task),
		edges:   make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// addTask adds a task node to the graph.
func (g *graph) addTask(t *task) {
	if _, exists := g.nodes[t.id]; exists {
		return
	}
	g.nodes[t.id] = t
	g.order = append(g.order, t.id)
	g.edges[t.id] = nil
	g.parents[t.id] = nil
}

// addDep adds a directed edge from dependency to dependent.
func (g *graph) addDep(parentID, childID string) error {
	if _, exists := g.nodes[parentID]; !exists {
		return fmt.Errorf("parent task %q does not exist", parentID)
	}
	if _, exists := g.nodes[childID]; !exists {
		return fmt.Errorf("child task %q does not exist", childID)
	}
	if parentID == childID {
		return fmt.Errorf("self-loop detected: %s", parentID)
	}
	for _, c := range g.edges[parentID] {
		if c == childID {
			return nil
		}
	}
	g.edges[parentID] = append(g.edges[parentID], childID)
	g.parents[childID] = append(g.parents[childID], parentID)
	return nil
}

func (g *graph) taskCount() int {
	return len(g.nodes)
}

func (g *graph) parentsOf(id string) []string {
	return g.parents[id]
}

func (g *graph) childrenOf(id string) []string {
	return g.edges[id]
}

// roots returns tasks with no dependencies, in insertion order.
func (g *graph) roots() []string {
	var out []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// hasCycle returns true if the graph contains a cycle, along with the
// cycle path.
func (g *graph) hasCycle() (bool, []string) {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true

		for _, childID := range g.edges[id] {
			if !visited[childID] {
				path[childID] = id
				if dfs(childID) {
					return true
				}
			} else if recStack[childID] {
				cyclePath = []string{childID}
				for curr := id; curr != childID; curr = path[curr] {
					cyclePath = append([]string{curr}, cyclePath...)
				}
				cyclePath = append([]string{childID}, cyclePath...)
				return true
			}
		}

		recStack[id] = false
		return false
	}

	for _, id := range g.order {
		if !visited[id] {
			if dfs(id) {
				return true, cyclePath
			}
		}
	}

	return false, nil
}

// topoSort returns tasks in dependency order (dependencies before
// dependents). Returns an error if the graph contains a cycle.
func (g *graph) topoSort() ([]*task, error) {
	if cyc, cyclePath := g.hasCycle(); cyc {
		return nil, fmt.Errorf("cycle detected: %v", cyclePath)
	}

	visited := make(map[string]bool)
	var result []*task

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, parentID := range g.parents[id] {
			visit(parentID)
		}
		result = append(result, g.nodes[id])
	}

	for _, id := range g.order {
		visit(id)
	}

	return result, nil
}

// executionLevels returns task IDs grouped by execution level. Tasks at
// level N can run in parallel once level N-1 has completed; level 0
// holds tasks with no dependencies.
func (g *graph) executionLevels() ([][]string, error) {
	if cyc, cyclePath := g.hasCycle(); cyc {
		return nil, fmt.Errorf("cycle detected: %v", cyclePath)
	}

	assigned := make(map[string]int)

	var level func(id string) int
	level = func(id string) int {
		if l, ok := assigned[id]; ok {
			return l
		}
		parents := g.parents[id]
		if len(parents) == 0 {
			assigned[id] = 0
			return 0
		}
		max := 0
		for _, parentID := range parents {
			if pl := level(parentID); pl > max {
				max = pl
			}
		}
		assigned[id] = max + 1
		return max + 1
	}

	maxLevel := 0
	for _, id := range g.order {
		if l := level(id); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.order {
		l := assigned[id]
		levels[l] = append(levels[l], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// buildGraph lowers a dataset's partition list and operation chain into
// an executable task graph. Stage 0 loads partitions; stage k applies
// ops[k-1]. When sink is non-nil a final sink stage consumes every
// terminal result; otherwise terminal results are marked retained.
func buildGraph(d *Dataset, sink SinkFunc) (*graph, error) {
	g := newGraph()
	nparts := len(d.parts)
	finalStage := len(d.ops)

	for i, p := range d.parts {
		g.addTask(&task{
			id:    taskID(0, i),
			kind:  taskLoad,
			stage: 0,
			part:  i,
			load:  p.Load,
		})
	}

	for s, o := range d.ops {
		stage := s + 1
		for i := 0; i < nparts; i++ {
			t := &task{
				id:      taskID(stage, i),
				kind:    taskMap,
				stage:   stage,
				part:    i,
				inputID: taskID(stage-1, i),
				fn:      o.fn,
				before:  o.before,
			}
			if o.before > 0 && i > 0 {
				t.tailID = taskID(stage-1, i-1)
			}
			g.addTask(t)
			if err := g.addDep(t.inputID, t.id); err != nil {
				return nil, err
			}
			if t.tailID != "" {
				if err := g.addDep(t.tailID, t.id); err != nil {
					return nil, err
				}
			}
		}
	}

	if sink != nil {
		stage := finalStage + 1
		for i := 0; i < nparts; i++ {
			t := &task{
				id:      taskID(stage, i),
				kind:    taskSink,
				stage:   stage,
				part:    i,
				inputID: taskID(finalStage, i),
				sink:    sink,
			}
			g.addTask(t)
			if err := g.addDep(t.inputID, t.id); err != nil {
				return nil, err
			}
		}
	} else {
		for i := 0; i < nparts; i++ {
			g.nodes[taskID(finalStage, i)].retain = true
		}
	}

	return g, nil
}

// Explain renders the execution plan of the handle: one line per level,
// tasks grouped left to right. Useful for inspecting how operations and
// overlap dependencies schedule before triggering.
func (d *Dataset) Explain() (string, error) {
	g, err := buildGraph(d, nil)
	if err != nil {
		return "", err
	}
	levels, err := g.executionLevels()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d partitions, %d stages, %d tasks\n",
		len(d.parts), len(d.ops)+1, g.taskCount())
	for i, level := range levels {
		fmt.Fprintf(&b, "level %d: %s\n", i, strings.Join(level, " "))
	}
	return b.String(), nil
}

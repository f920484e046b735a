// Package graph analyses work-item dependency graphs: topological ordering
// with cycle detection, critical paths, CPM scheduling and delay propagation.
//
// A DAG is built fresh for every analysis. Nodes live in an arena indexed by
// integer in ID order, and edges are adjacency lists of those indices.
package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"forecast-mcp/internal/workitems"
)

// ErrUnknownNode is returned when an edge or query names a node not in the graph.
var ErrUnknownNode = errors.New("unknown node")

// DependencyCycleError reports a cycle found while ordering the graph.
// Cycle is closed: its first and last element are the same node.
type DependencyCycleError struct {
	ProjectID string
	Cycle     []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle in project %s: %s", e.ProjectID, strings.Join(e.Cycle, " -> "))
}

// Node is one work item with its estimated duration in days.
type Node struct {
	ID            string
	Title         string
	Duration      float64
	CommittedDate *time.Time
}

// DAG is an acyclic dependency graph. Edges point from the item that must
// finish first to the item that depends on it.
type DAG struct {
	ProjectID string
	Start     time.Time

	nodes []Node
	index map[string]int
	succ  [][]int
	pred  [][]int
	order []int
}

// Build validates nodes and edges and orders them topologically.
func Build(projectID string, nodes []Node, edges []workitems.Edge) (*DAG, error) {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	d := &DAG{
		ProjectID: projectID,
		nodes:     sorted,
		index:     make(map[string]int, len(sorted)),
		succ:      make([][]int, len(sorted)),
		pred:      make([][]int, len(sorted)),
	}

	for i, n := range sorted {
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := d.index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		if n.Duration < 0 || math.IsNaN(n.Duration) || math.IsInf(n.Duration, 0) {
			return nil, fmt.Errorf("node %s has invalid duration %v", n.ID, n.Duration)
		}
		d.index[n.ID] = i
	}

	seen := make(map[[2]int]bool, len(edges))
	for _, e := range edges {
		from, ok := d.index[e.FromID]
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: %w %s", e.FromID, e.ToID, ErrUnknownNode, e.FromID)
		}
		to, ok := d.index[e.ToID]
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: %w %s", e.FromID, e.ToID, ErrUnknownNode, e.ToID)
		}
		if seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true
		d.succ[from] = append(d.succ[from], to)
		d.pred[to] = append(d.pred[to], from)
	}
	for i := range d.succ {
		sort.Ints(d.succ[i])
		sort.Ints(d.pred[i])
	}

	order, err := d.topologicalSort()
	if err != nil {
		return nil, err
	}
	d.order = order
	return d, nil
}

// FromProject builds a DAG from a provider graph, converting remaining
// complexity (hours) into days.
func FromProject(pg workitems.ProjectGraph, hoursPerDay float64) (*DAG, error) {
	if hoursPerDay <= 0 {
		return nil, fmt.Errorf("hours per day must be positive, got %v", hoursPerDay)
	}
	nodes := make([]Node, 0, len(pg.Items))
	for _, it := range pg.Items {
		nodes = append(nodes, Node{
			ID:            it.ID,
			Title:         it.Title,
			Duration:      it.RemainingComplexity / hoursPerDay,
			CommittedDate: it.CommittedDate,
		})
	}
	d, err := Build(pg.ProjectID, nodes, pg.Edges)
	if err != nil {
		return nil, err
	}
	d.Start = pg.StartDate
	return d, nil
}

// Len returns the number of nodes.
func (d *DAG) Len() int { return len(d.nodes) }

// Node returns a node by id.
func (d *DAG) Node(id string) (Node, bool) {
	i, ok := d.index[id]
	if !ok {
		return Node{}, false
	}
	return d.nodes[i], true
}

// TopologicalOrder returns node ids so that every edge points forward.
// Ties are broken by id, so the order is deterministic.
func (d *DAG) TopologicalOrder() []string {
	return d.ids(d.order)
}

func (d *DAG) ids(idx []int) []string {
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = d.nodes[v].ID
	}
	return out
}

// topologicalSort is Kahn's algorithm with a min-heap ready set.
func (d *DAG) topologicalSort() ([]int, error) {
	indeg := make([]int, len(d.nodes))
	for v := range d.nodes {
		indeg[v] = len(d.pred[v])
	}

	ready := &intHeap{}
	for v, n := range indeg {
		if n == 0 {
			heap.Push(ready, v)
		}
	}

	order := make([]int, 0, len(d.nodes))
	for ready.Len() > 0 {
		v := heap.Pop(ready).(int)
		order = append(order, v)
		for _, s := range d.succ[v] {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}

	if len(order) < len(d.nodes) {
		return nil, &DependencyCycleError{ProjectID: d.ProjectID, Cycle: d.findCycle(indeg)}
	}
	return order, nil
}

// findCycle walks residual predecessors from the smallest residual node.
// Every residual node keeps at least one residual predecessor, so the walk
// must revisit a node.
func (d *DAG) findCycle(indeg []int) []string {
	start := -1
	for v, n := range indeg {
		if n > 0 {
			start = v
			break
		}
	}
	if start < 0 {
		return nil
	}

	pos := map[int]int{}
	var walk []int
	v := start
	for {
		if p, ok := pos[v]; ok {
			loop := walk[p:]
			// walk follows predecessors, so reverse it into edge direction.
			cycle := make([]string, 0, len(loop)+1)
			for i := len(loop) - 1; i >= 0; i-- {
				cycle = append(cycle, d.nodes[loop[i]].ID)
			}
			// Rotate so the cycle starts at its smallest id.
			first := 0
			for i, id := range cycle {
				if id < cycle[first] {
					first = i
				}
			}
			cycle = append(cycle[first:], cycle[:first]...)
			return append(cycle, cycle[0])
		}
		pos[v] = len(walk)
		walk = append(walk, v)
		for _, p := range d.pred[v] {
			if indeg[p] > 0 {
				v = p
				break
			}
		}
	}
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

package graph

import (
	"sort"
)

// slackEpsilon absorbs float noise when deciding whether a node is critical.
const slackEpsilon = 1e-9

// CriticalPath is the longest-duration path through a DAG.
type CriticalPath struct {
	ProjectID             string   `json:"project_id"`
	OrderedMemberIDs      []string `json:"ordered_member_ids"`
	TotalDurationEstimate float64  `json:"total_duration_estimate_days"`
}

// ScheduledNode is the CPM result for one node, in days from the project start.
type ScheduledNode struct {
	ID             string  `json:"id"`
	Duration       float64 `json:"duration_days"`
	EarliestStart  float64 `json:"earliest_start"`
	EarliestFinish float64 `json:"earliest_finish"`
	LatestStart    float64 `json:"latest_start"`
	LatestFinish   float64 `json:"latest_finish"`
	Slack          float64 `json:"slack"`
	Critical       bool    `json:"critical"`
}

// longest computes, per node, the heaviest path ending at it and the
// predecessor on that path (-1 for sources).
func (d *DAG) longest() ([]float64, []int) {
	dist := make([]float64, len(d.nodes))
	prev := make([]int, len(d.nodes))
	for _, v := range d.order {
		prev[v] = -1
		best := 0.0
		for _, p := range d.pred[v] {
			if prev[v] == -1 || dist[p] > best {
				best = dist[p]
				prev[v] = p
			}
		}
		dist[v] = best + d.nodes[v].Duration
	}
	return dist, prev
}

func (d *DAG) pathTo(end int, prev []int) []string {
	var rev []int
	for v := end; v >= 0; v = prev[v] {
		rev = append(rev, v)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return d.ids(rev)
}

// CriticalPath returns the maximum-duration path through the whole graph.
// Among equal-length paths the one ending earliest in topological order wins.
func (d *DAG) CriticalPath() CriticalPath {
	cp := CriticalPath{ProjectID: d.ProjectID}
	if len(d.nodes) == 0 {
		return cp
	}

	dist, prev := d.longest()
	end := d.order[0]
	for _, v := range d.order {
		if dist[v] > dist[end] {
			end = v
		}
	}
	cp.OrderedMemberIDs = d.pathTo(end, prev)
	cp.TotalDurationEstimate = dist[end]
	return cp
}

// CriticalPaths returns one critical path per weakly connected component,
// longest first.
func (d *DAG) CriticalPaths() []CriticalPath {
	if len(d.nodes) == 0 {
		return nil
	}

	comp := d.components()
	dist, prev := d.longest()

	ends := map[int]int{}
	for _, v := range d.order {
		c := comp[v]
		if e, ok := ends[c]; !ok || dist[v] > dist[e] {
			ends[c] = v
		}
	}

	paths := make([]CriticalPath, 0, len(ends))
	for _, end := range ends {
		paths = append(paths, CriticalPath{
			ProjectID:             d.ProjectID,
			OrderedMemberIDs:      d.pathTo(end, prev),
			TotalDurationEstimate: dist[end],
		})
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].TotalDurationEstimate != paths[j].TotalDurationEstimate {
			return paths[i].TotalDurationEstimate > paths[j].TotalDurationEstimate
		}
		return paths[i].OrderedMemberIDs[0] < paths[j].OrderedMemberIDs[0]
	})
	return paths
}

// components labels weakly connected components by flood fill.
func (d *DAG) components() []int {
	comp := make([]int, len(d.nodes))
	for i := range comp {
		comp[i] = -1
	}

	next := 0
	for v := range d.nodes {
		if comp[v] >= 0 {
			continue
		}
		stack := []int{v}
		comp[v] = next
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, adj := range [][]int{d.succ[u], d.pred[u]} {
				for _, w := range adj {
					if comp[w] < 0 {
						comp[w] = next
						stack = append(stack, w)
					}
				}
			}
		}
		next++
	}
	return comp
}

// Schedule runs the CPM forward and backward passes. Nodes are returned in
// topological order.
func (d *DAG) Schedule() []ScheduledNode {
	es, ef := d.forward(nil)

	finish := 0.0
	for _, f := range ef {
		if f > finish {
			finish = f
		}
	}

	lf := make([]float64, len(d.nodes))
	ls := make([]float64, len(d.nodes))
	for i := len(d.order) - 1; i >= 0; i-- {
		v := d.order[i]
		lf[v] = finish
		for _, s := range d.succ[v] {
			if ls[s] < lf[v] {
				lf[v] = ls[s]
			}
		}
		ls[v] = lf[v] - d.nodes[v].Duration
	}

	out := make([]ScheduledNode, 0, len(d.nodes))
	for _, v := range d.order {
		slack := ls[v] - es[v]
		out = append(out, ScheduledNode{
			ID:             d.nodes[v].ID,
			Duration:       d.nodes[v].Duration,
			EarliestStart:  es[v],
			EarliestFinish: ef[v],
			LatestStart:    ls[v],
			LatestFinish:   lf[v],
			Slack:          slack,
			Critical:       slack < slackEpsilon,
		})
	}
	return out
}

// forward computes earliest start and finish per node. extra, when non-nil,
// adds time to a node's finish (a delay injected at that node).
func (d *DAG) forward(extra []float64) (es, ef []float64) {
	es = make([]float64, len(d.nodes))
	ef = make([]float64, len(d.nodes))
	for _, v := range d.order {
		for _, p := range d.pred[v] {
			if ef[p] > es[v] {
				es[v] = ef[p]
			}
		}
		ef[v] = es[v] + d.nodes[v].Duration
		if extra != nil {
			ef[v] += extra[v]
		}
	}
	return es, ef
}

package graph

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidDelay is returned for negative or non-finite delays.
var ErrInvalidDelay = errors.New("delay must be a non-negative number of days")

// NodeShift is how far a downstream node moves when the delay is injected.
type NodeShift struct {
	ID          string  `json:"id"`
	StartShift  float64 `json:"start_shift_days"`
	FinishShift float64 `json:"finish_shift_days"`
}

// LeafImpact is the additional elapsed time at a downstream leaf.
type LeafImpact struct {
	ID                   string     `json:"id"`
	AdditionalDays       float64    `json:"additional_days"`
	BaselineFinish       time.Time  `json:"baseline_finish"`
	DelayedFinish        time.Time  `json:"delayed_finish"`
	CommittedDate        *time.Time `json:"committed_date,omitempty"`
	PushedPastCommitment bool       `json:"pushed_past_commitment"`
}

// DependencyChain describes the effect of delaying one node on everything
// downstream of it.
type DependencyChain struct {
	ProjectID        string   `json:"project_id"`
	RootTargetID     string   `json:"root_target_id"`
	OrderedMemberIDs []string `json:"ordered_member_ids"`
	// TotalDurationEstimate is the baseline elapsed days from the root's
	// earliest start to the last downstream finish.
	TotalDurationEstimate float64      `json:"total_duration_estimate_days"`
	RiskScore             float64      `json:"risk_score"`
	DelayDaysIfTriggered  float64      `json:"delay_days_if_triggered"`
	Shifts                []NodeShift  `json:"shifts"`
	Leaves                []LeafImpact `json:"leaves"`
}

// AnalyzeDelayImpact injects delayDays at targetID and propagates it forward.
func (d *DAG) AnalyzeDelayImpact(targetID string, delayDays float64) (DependencyChain, error) {
	root, ok := d.index[targetID]
	if !ok {
		return DependencyChain{}, fmt.Errorf("delay target %s: %w", targetID, ErrUnknownNode)
	}
	if delayDays < 0 || math.IsNaN(delayDays) || math.IsInf(delayDays, 0) {
		return DependencyChain{}, fmt.Errorf("%w: %v", ErrInvalidDelay, delayDays)
	}

	reach := d.downstream(root)

	es, ef := d.forward(nil)
	extra := make([]float64, len(d.nodes))
	extra[root] = delayDays
	es2, ef2 := d.forward(extra)

	chain := DependencyChain{
		ProjectID:    d.ProjectID,
		RootTargetID: targetID,
	}

	lastFinish := ef[root]
	var committed, pushed int
	for _, v := range d.order {
		if !reach[v] {
			continue
		}
		id := d.nodes[v].ID
		chain.OrderedMemberIDs = append(chain.OrderedMemberIDs, id)
		chain.Shifts = append(chain.Shifts, NodeShift{
			ID:          id,
			StartShift:  es2[v] - es[v],
			FinishShift: ef2[v] - ef[v],
		})
		if ef[v] > lastFinish {
			lastFinish = ef[v]
		}

		if len(d.succ[v]) > 0 {
			continue
		}
		leaf := LeafImpact{
			ID:             id,
			AdditionalDays: ef2[v] - ef[v],
			BaselineFinish: addDays(d.Start, ef[v]),
			DelayedFinish:  addDays(d.Start, ef2[v]),
			CommittedDate:  d.nodes[v].CommittedDate,
		}
		if leaf.CommittedDate != nil {
			committed++
			if leaf.AdditionalDays > 0 && leaf.DelayedFinish.After(*leaf.CommittedDate) {
				leaf.PushedPastCommitment = true
				pushed++
			}
		}
		if leaf.AdditionalDays > chain.DelayDaysIfTriggered {
			chain.DelayDaysIfTriggered = leaf.AdditionalDays
		}
		chain.Leaves = append(chain.Leaves, leaf)
	}
	chain.TotalDurationEstimate = lastFinish - es[root]

	if committed > 0 {
		chain.RiskScore = float64(pushed) / float64(committed)
	} else {
		chain.RiskScore = projectPushRatio(ef, ef2)
	}
	return chain, nil
}

// downstream marks root and every node reachable from it.
func (d *DAG) downstream(root int) []bool {
	reach := make([]bool, len(d.nodes))
	reach[root] = true
	stack := []int{root}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range d.succ[v] {
			if !reach[s] {
				reach[s] = true
				stack = append(stack, s)
			}
		}
	}
	return reach
}

// projectPushRatio is the growth of the overall finish relative to the
// baseline critical path length, clamped to [0,1].
func projectPushRatio(before, after []float64) float64 {
	var b, a float64
	for i := range before {
		b = math.Max(b, before[i])
		a = math.Max(a, after[i])
	}
	push := a - b
	if push <= 0 {
		return 0
	}
	if b <= 0 {
		return 1
	}
	return math.Min(push/b, 1)
}

func addDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * float64(24*time.Hour)))
}

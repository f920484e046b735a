package workitems

import (
	"fmt"
	"time"
)

// TargetDTO is a single target as returned by the work-item service.
type TargetDTO struct {
	ID                  string    `json:"id" yaml:"id"`
	Title               string    `json:"title" yaml:"title"`
	Type                string    `json:"type" yaml:"type"`
	Status              string    `json:"status" yaml:"status"`
	RemainingComplexity float64   `json:"remaining_complexity" yaml:"remaining_complexity"`
	DependencyCount     *int      `json:"dependency_count,omitempty" yaml:"dependency_count,omitempty"`
	StartDate           string    `json:"start_date" yaml:"start_date"`
	DueDate             string    `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Dependencies        []EdgeDTO `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// EdgeDTO is a dependency edge in wire form.
type EdgeDTO struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// TargetListResponse is the container for target listings.
type TargetListResponse struct {
	Targets []TargetDTO `json:"targets"`
}

// GraphDTO is the dependency graph of a project in wire form.
type GraphDTO struct {
	ProjectID string         `json:"project_id" yaml:"project_id"`
	StartDate string         `json:"start_date" yaml:"start_date"`
	Items     []GraphItemDTO `json:"items" yaml:"items"`
	Edges     []EdgeDTO      `json:"edges" yaml:"edges"`
}

// GraphItemDTO is a node of GraphDTO.
type GraphItemDTO struct {
	ID                  string  `json:"id" yaml:"id"`
	Title               string  `json:"title" yaml:"title"`
	Status              string  `json:"status" yaml:"status"`
	RemainingComplexity float64 `json:"remaining_complexity" yaml:"remaining_complexity"`
	CommittedDate       string  `json:"committed_date,omitempty" yaml:"committed_date,omitempty"`
}

// ParseTime accepts RFC 3339 timestamps and plain dates.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

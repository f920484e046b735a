package scenario

import (
	"fmt"
	"math"
	"strings"
)

// Kind identifies a parameter transform.
type Kind string

const (
	KindAddDevelopers  Kind = "ADD_DEVELOPERS"
	KindReduceScope    Kind = "REDUCE_SCOPE"
	KindRemoveBlockers Kind = "REMOVE_BLOCKERS"
	KindExtendHours    Kind = "EXTEND_HOURS"
)

// MaxCountChange bounds developer and blocker magnitudes.
const MaxCountChange = 1000

// Kinds lists every supported transform.
var Kinds = []Kind{KindAddDevelopers, KindReduceScope, KindRemoveBlockers, KindExtendHours}

// Change is one parameter transform.
type Change struct {
	Kind      Kind    `json:"kind" yaml:"kind"`
	Magnitude float64 `json:"magnitude" yaml:"magnitude"`
}

// Definition is a named list of changes, applied left to right.
type Definition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Changes     []Change `json:"changes" yaml:"changes"`
}

// InvalidScenarioError reports a malformed definition or change.
type InvalidScenarioError struct {
	Scenario string
	Index    int // -1 when the definition as a whole is invalid
	Reason   string
}

func (e *InvalidScenarioError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid scenario %q: %s", e.Scenario, e.Reason)
	}
	return fmt.Sprintf("invalid scenario %q: change %d: %s", e.Scenario, e.Index, e.Reason)
}

// Validate checks every change without applying it.
func (d Definition) Validate() error {
	if len(d.Changes) == 0 {
		return &InvalidScenarioError{Scenario: d.Name, Index: -1, Reason: "no changes"}
	}
	for i, c := range d.Changes {
		if reason := c.problem(); reason != "" {
			return &InvalidScenarioError{Scenario: d.Name, Index: i, Reason: reason}
		}
	}
	return nil
}

func (c Change) problem() string {
	m := c.Magnitude
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return fmt.Sprintf("%s magnitude is not a number", c.Kind)
	}
	if m <= 0 {
		return fmt.Sprintf("%s magnitude must be positive, got %v", c.Kind, m)
	}

	switch c.Kind {
	case KindAddDevelopers, KindRemoveBlockers:
		if m != math.Trunc(m) {
			return fmt.Sprintf("%s magnitude must be a whole number, got %v", c.Kind, m)
		}
		if m > MaxCountChange {
			return fmt.Sprintf("%s magnitude must be at most %d, got %v", c.Kind, MaxCountChange, m)
		}
	case KindReduceScope:
		if m > 100 {
			return fmt.Sprintf("cannot reduce scope by more than 100%%, got %v", m)
		}
	case KindExtendHours:
	default:
		return fmt.Sprintf("unknown change kind %q", c.Kind)
	}
	return ""
}

// ParseKind accepts kinds case-insensitively, with "-" or " " for "_".
func ParseKind(s string) (Kind, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	for _, k := range Kinds {
		if string(k) == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown change kind %q", s)
}

// AddDevelopers adds n developers to the team.
func AddDevelopers(n int) Definition {
	return Definition{
		Name:        "addDevelopers",
		Description: fmt.Sprintf("Add %d developer(s)", n),
		Changes:     []Change{{Kind: KindAddDevelopers, Magnitude: float64(n)}},
	}
}

// ReduceScope cuts the remaining work by percent.
func ReduceScope(percent float64) Definition {
	return Definition{
		Name:        "reduceScope",
		Description: fmt.Sprintf("Reduce scope by %g%%", percent),
		Changes:     []Change{{Kind: KindReduceScope, Magnitude: percent}},
	}
}

// RemoveBlockers resolves n dependencies.
func RemoveBlockers(n int) Definition {
	return Definition{
		Name:        "removeBlockers",
		Description: fmt.Sprintf("Remove %d blocker(s)", n),
		Changes:     []Change{{Kind: KindRemoveBlockers, Magnitude: float64(n)}},
	}
}

// ExtendHours raises daily throughput by percent.
func ExtendHours(percent float64) Definition {
	return Definition{
		Name:        "extendHours",
		Description: fmt.Sprintf("Extend working hours by %g%%", percent),
		Changes:     []Change{{Kind: KindExtendHours, Magnitude: percent}},
	}
}

// Combined concatenates the changes of several definitions, in order.
func Combined(parts ...Definition) Definition {
	def := Definition{Name: "combined"}
	var desc []string
	for _, p := range parts {
		def.Changes = append(def.Changes, p.Changes...)
		if p.Description != "" {
			desc = append(desc, p.Description)
		}
	}
	def.Description = strings.Join(desc, "; ")
	return def
}

// Template builds a single-change template by name.
func Template(name string, magnitude float64) (Definition, error) {
	switch strings.ToLower(name) {
	case "adddevelopers", "add_developers":
		return countTemplate(name, KindAddDevelopers, magnitude, AddDevelopers)
	case "reducescope", "reduce_scope":
		return ReduceScope(magnitude), nil
	case "removeblockers", "remove_blockers":
		return countTemplate(name, KindRemoveBlockers, magnitude, RemoveBlockers)
	case "extendhours", "extend_hours":
		return ExtendHours(magnitude), nil
	case "combined":
		return Definition{}, &InvalidScenarioError{Scenario: name, Index: -1, Reason: "combined takes explicit changes"}
	}
	return Definition{}, &InvalidScenarioError{Scenario: name, Index: -1, Reason: "unknown template"}
}

// countTemplate checks a head-count magnitude before converting it to int.
func countTemplate(name string, kind Kind, m float64, build func(int) Definition) (Definition, error) {
	if reason := (Change{Kind: kind, Magnitude: m}).problem(); reason != "" {
		return Definition{}, &InvalidScenarioError{Scenario: name, Index: 0, Reason: reason}
	}
	return build(int(m)), nil
}

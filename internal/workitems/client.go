package workitems

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TargetType identifies the kind of unit of work being forecast.
type TargetType string

const (
	Issue        TargetType = "ISSUE"
	Sprint       TargetType = "SPRINT"
	Milestone    TargetType = "MILESTONE"
	FeatureGroup TargetType = "FEATURE_GROUP"
)

// TargetTypes lists every recognised target type.
var TargetTypes = []TargetType{Issue, Sprint, Milestone, FeatureGroup}

// Valid reports whether t is a recognised target type.
func (t TargetType) Valid() bool {
	switch t {
	case Issue, Sprint, Milestone, FeatureGroup:
		return true
	}
	return false
}

// ParseTargetType accepts any casing and "-" or " " in place of "_".
func ParseTargetType(s string) (TargetType, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	t := TargetType(norm)
	if !t.Valid() {
		return "", fmt.Errorf("unknown target type %q", s)
	}
	return t, nil
}

// Edge is a dependency: From must finish before To can proceed.
type Edge struct {
	FromID string `json:"from_id" yaml:"from"`
	ToID   string `json:"to_id" yaml:"to"`
}

// WorkItem is the read-only view of a forecast target.
type WorkItem struct {
	ID                  string
	ProjectID           string
	Title               string
	TargetType          TargetType
	Status              string
	RemainingComplexity float64 // work units (hours)
	DependencyCount     int
	StartDate           time.Time
	DueDate             *time.Time
	DependencyEdges     []Edge
}

// GraphItem is one node of a project's dependency graph.
type GraphItem struct {
	ID                  string
	Title               string
	Status              string
	RemainingComplexity float64
	CommittedDate       *time.Time
}

// ProjectGraph is the dependency structure of a whole project.
type ProjectGraph struct {
	ProjectID string
	StartDate time.Time
	Items     []GraphItem
	Edges     []Edge
}

// TargetRef names a forecastable target without its details.
type TargetRef struct {
	ID         string
	Title      string
	TargetType TargetType
}

// Provider is the interface to the external work-item store.
type Provider interface {
	WorkItem(ctx context.Context, projectID, targetID string, targetType TargetType) (WorkItem, error)
	ProjectGraph(ctx context.Context, projectID string) (ProjectGraph, error)
	ListTargets(ctx context.Context, projectID string) ([]TargetRef, error)
}

// Config holds the connection settings for the work-item service.
type Config struct {
	BaseURL string
	Token   string

	// Performance Settings
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a provider for the configured work-item service.
func NewClient(cfg Config) Provider {
	return NewHTTPClient(cfg)
}

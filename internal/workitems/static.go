package workitems

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Fixture is the on-disk form of a StaticProvider. YAML and JSON both parse.
type Fixture struct {
	Projects []ProjectFixture `yaml:"projects"`
}

// ProjectFixture holds one project's targets and dependency graph.
type ProjectFixture struct {
	ID      string      `yaml:"id"`
	Targets []TargetDTO `yaml:"targets"`
	Graph   GraphDTO    `yaml:"graph"`
}

type targetKey struct {
	projectID  string
	targetID   string
	targetType TargetType
}

// StaticProvider serves work items from memory. It backs offline runs and tests.
type StaticProvider struct {
	mu     sync.RWMutex
	items  map[targetKey]WorkItem
	order  map[string][]TargetRef
	graphs map[string]ProjectGraph
}

// NewStaticProvider creates an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		items:  make(map[targetKey]WorkItem),
		order:  make(map[string][]TargetRef),
		graphs: make(map[string]ProjectGraph),
	}
}

// LoadFixture reads a fixture file into a new StaticProvider.
func LoadFixture(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}

	p := NewStaticProvider()
	for _, proj := range fx.Projects {
		for _, dto := range proj.Targets {
			item, err := MapTarget(proj.ID, dto)
			if err != nil {
				return nil, fmt.Errorf("fixture project %s: %w", proj.ID, err)
			}
			p.AddItem(item)
		}
		if len(proj.Graph.Items) > 0 {
			if proj.Graph.ProjectID == "" {
				proj.Graph.ProjectID = proj.ID
			}
			g, err := MapGraph(proj.Graph)
			if err != nil {
				return nil, fmt.Errorf("fixture project %s: %w", proj.ID, err)
			}
			p.SetGraph(g)
		}
	}

	log.Info().Str("path", path).Int("projects", len(fx.Projects)).Msg("Loaded work-item fixture")
	return p, nil
}

// AddItem registers or replaces a target.
func (p *StaticProvider) AddItem(item WorkItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := targetKey{item.ProjectID, item.ID, item.TargetType}
	if _, exists := p.items[k]; !exists {
		p.order[item.ProjectID] = append(p.order[item.ProjectID], TargetRef{ID: item.ID, Title: item.Title, TargetType: item.TargetType})
	}
	p.items[k] = item
}

// SetGraph registers or replaces a project's dependency graph.
func (p *StaticProvider) SetGraph(g ProjectGraph) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphs[g.ProjectID] = g
}

func (p *StaticProvider) WorkItem(ctx context.Context, projectID, targetID string, targetType TargetType) (WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return WorkItem{}, Unavailable("work item", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.items[targetKey{projectID, targetID, targetType}]
	if !ok {
		return WorkItem{}, fmt.Errorf("%s %s in project %s: %w", targetType, targetID, projectID, ErrNotFound)
	}
	item.DependencyEdges = append([]Edge(nil), item.DependencyEdges...)
	return item, nil
}

func (p *StaticProvider) ProjectGraph(ctx context.Context, projectID string) (ProjectGraph, error) {
	if err := ctx.Err(); err != nil {
		return ProjectGraph{}, Unavailable("project graph", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.graphs[projectID]
	if !ok {
		return ProjectGraph{}, fmt.Errorf("graph for project %s: %w", projectID, ErrNotFound)
	}
	g.Items = append([]GraphItem(nil), g.Items...)
	g.Edges = append([]Edge(nil), g.Edges...)
	return g, nil
}

func (p *StaticProvider) ListTargets(ctx context.Context, projectID string) ([]TargetRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("list targets", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	refs := append([]TargetRef(nil), p.order[projectID]...)
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].TargetType != refs[j].TargetType {
			return refs[i].TargetType < refs[j].TargetType
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

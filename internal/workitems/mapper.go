package workitems

import (
	"fmt"
)

// MapTarget transforms a service DTO into a domain WorkItem.
// When the service omits dependency_count it is derived from the inbound edges.
func MapTarget(projectID string, dto TargetDTO) (WorkItem, error) {
	targetType, err := ParseTargetType(dto.Type)
	if err != nil {
		return WorkItem{}, err
	}

	item := WorkItem{
		ID:                  dto.ID,
		ProjectID:           projectID,
		Title:               dto.Title,
		TargetType:          targetType,
		Status:              dto.Status,
		RemainingComplexity: dto.RemainingComplexity,
		DependencyEdges:     mapEdges(dto.Dependencies),
	}

	if dto.StartDate != "" {
		start, err := ParseTime(dto.StartDate)
		if err != nil {
			return WorkItem{}, fmt.Errorf("target %s: %w", dto.ID, err)
		}
		item.StartDate = start
	}

	if dto.DueDate != "" {
		due, err := ParseTime(dto.DueDate)
		if err != nil {
			return WorkItem{}, fmt.Errorf("target %s: %w", dto.ID, err)
		}
		item.DueDate = &due
	}

	if dto.DependencyCount != nil {
		item.DependencyCount = *dto.DependencyCount
	} else {
		for _, e := range item.DependencyEdges {
			if e.ToID == item.ID {
				item.DependencyCount++
			}
		}
	}

	return item, nil
}

// MapGraph transforms a service DTO into a domain ProjectGraph.
func MapGraph(dto GraphDTO) (ProjectGraph, error) {
	g := ProjectGraph{
		ProjectID: dto.ProjectID,
		Items:     make([]GraphItem, 0, len(dto.Items)),
		Edges:     mapEdges(dto.Edges),
	}

	if dto.StartDate != "" {
		start, err := ParseTime(dto.StartDate)
		if err != nil {
			return ProjectGraph{}, fmt.Errorf("graph %s: %w", dto.ProjectID, err)
		}
		g.StartDate = start
	}

	for _, it := range dto.Items {
		item := GraphItem{
			ID:                  it.ID,
			Title:               it.Title,
			Status:              it.Status,
			RemainingComplexity: it.RemainingComplexity,
		}
		if it.CommittedDate != "" {
			committed, err := ParseTime(it.CommittedDate)
			if err != nil {
				return ProjectGraph{}, fmt.Errorf("graph item %s: %w", it.ID, err)
			}
			item.CommittedDate = &committed
		}
		g.Items = append(g.Items, item)
	}

	return g, nil
}

func mapEdges(in []EdgeDTO) []Edge {
	out := make([]Edge, 0, len(in))
	for _, e := range in {
		out = append(out, Edge{FromID: e.From, ToID: e.To})
	}
	return out
}

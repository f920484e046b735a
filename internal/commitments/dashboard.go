package commitments

import (
	"context"
)

// Dashboard aggregates delivered, missed and at-risk commitments for a project.
func (s *Store) Dashboard(ctx context.Context, projectID string) (Dashboard, error) {
	list, err := s.List(ctx, projectID)
	if err != nil {
		return Dashboard{}, err
	}
	return summarize(projectID, list), nil
}

func summarize(projectID string, list []Commitment) Dashboard {
	d := Dashboard{
		ProjectID: projectID,
		Total:     len(list),
		ByStatus:  make(map[Status]int, len(Statuses)),
	}

	var closed, onTime, earlySum, earlyN int
	for _, c := range list {
		d.ByStatus[c.Status]++

		switch c.Status {
		case Delivered:
			d.Delivered++
		case Missed:
			d.Missed++
		}

		if c.Status.Terminal() {
			closed++
			if c.DaysEarly != nil {
				earlySum += *c.DaysEarly
				earlyN++
				if c.Status == Delivered && *c.DaysEarly >= 0 {
					onTime++
				}
			}
			continue
		}

		d.Active++
		if atRisk(c) {
			d.AtRisk++
			d.AtRiskIDs = append(d.AtRiskIDs, c.ID)
			if c.RevenueImpact != nil {
				d.RevenueAtRisk += *c.RevenueImpact
			}
		}
	}

	if closed > 0 {
		d.OnTimeRate = float64(onTime) / float64(closed)
	}
	if earlyN > 0 {
		d.AverageDaysEarly = float64(earlySum) / float64(earlyN)
	}
	return d
}

func atRisk(c Commitment) bool {
	return c.Status == AtRisk || c.Status == Delayed || c.RiskLevel == RiskHigh
}

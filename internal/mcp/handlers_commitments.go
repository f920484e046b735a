package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"forecast-mcp/internal/commitments"
	"forecast-mcp/internal/forecast"
	"forecast-mcp/internal/predictions"
	"forecast-mcp/internal/visuals"
	"forecast-mcp/internal/workitems"
)

func (s *Server) handleCommitmentCreate(ctx context.Context, _ *sdk.CallToolRequest, in CommitmentCreateInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	target, err := parseTarget(in.ProjectID, in.TargetID, in.TargetType)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	committed, err := workitems.ParseTime(in.CommittedDate)
	if err != nil {
		return nil, ResponseEnvelope{}, fmt.Errorf("committed_date: %w", err)
	}

	c, err := s.svc.CreateCommitment(ctx, forecast.CommitmentRequest{
		Target:            target,
		TargetTitle:       in.TargetTitle,
		CommittedDate:     committed,
		CommittedTo:       in.CommittedTo,
		CommittedBy:       in.CommittedBy,
		InitialConfidence: in.InitialConfidence,
		RevenueImpact:     in.RevenueImpact,
		PenaltyClause:     in.PenaltyClause,
		Notes:             in.Notes,
	})
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	return nil, WrapResponse(c, nil, riskWarnings(c)), nil
}

func riskWarnings(c commitments.Commitment) []string {
	if c.RiskLevel != commitments.RiskHigh || !c.Active() {
		return nil
	}
	return []string{fmt.Sprintf("HIGH RISK: only %.0f%% confidence that %s is delivered to %s by %s.",
		c.CurrentConfidence*100, c.TargetID, c.CommittedTo, c.CommittedDate.Format(time.DateOnly))}
}

func (s *Server) handleCommitmentStatus(ctx context.Context, _ *sdk.CallToolRequest, in CommitmentStatusInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	status := commitments.Status(strings.ToUpper(strings.TrimSpace(in.Status)))

	var actual *time.Time
	if in.ActualDelivery != "" {
		t, err := workitems.ParseTime(in.ActualDelivery)
		if err != nil {
			return nil, ResponseEnvelope{}, fmt.Errorf("actual_delivery: %w", err)
		}
		actual = &t
	}

	c, err := s.svc.UpdateCommitmentStatus(ctx, in.CommitmentID, status, actual, in.Actor)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	return nil, WrapResponse(c, nil, riskWarnings(c)), nil
}

func (s *Server) handleCommitmentList(ctx context.Context, _ *sdk.CallToolRequest, in ProjectInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	list, err := s.svc.ListCommitments(ctx, in.ProjectID)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	if list == nil {
		list = []commitments.Commitment{}
	}
	return nil, WrapResponse(list, nil, nil), nil
}

func (s *Server) handleCommitmentDashboard(ctx context.Context, _ *sdk.CallToolRequest, in ProjectInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	d, err := s.svc.CommitmentDashboard(ctx, in.ProjectID)
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}

	var warnings []string
	if d.AtRisk > 0 {
		warnings = append(warnings, fmt.Sprintf("%d active commitment(s) at risk, %.2f revenue exposed.", d.AtRisk, d.RevenueAtRisk))
	}
	env := WrapResponse(d, nil, warnings)
	if s.enableMermaidCharts {
		env.Visual = visuals.GenerateCommitmentPie(d)
	}
	return nil, env, nil
}

type invalidateResult struct {
	Removed int `json:"removed"`
}

func (s *Server) handleCacheInvalidate(_ context.Context, _ *sdk.CallToolRequest, in CacheInvalidateInput) (*sdk.CallToolResult, ResponseEnvelope, error) {
	n, err := s.svc.InvalidateCache(predictions.Scope{ProjectID: in.ProjectID, UserID: in.UserID})
	if err != nil {
		return nil, ResponseEnvelope{}, err
	}
	return nil, WrapResponse(invalidateResult{Removed: n}, nil, nil), nil
}

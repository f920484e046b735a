package commitments

import (
	"errors"
	"fmt"
	"time"

	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/workitems"
)

var (
	ErrNotFound          = errors.New("commitment not found")
	ErrInvalidCommitment = errors.New("invalid commitment")
)

// Status is the lifecycle state of a commitment.
type Status string

const (
	Pending   Status = "PENDING"
	OnTrack   Status = "ON_TRACK"
	AtRisk    Status = "AT_RISK"
	Delayed   Status = "DELAYED"
	Delivered Status = "DELIVERED"
	Missed    Status = "MISSED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{Pending, OnTrack, AtRisk, Delayed, Delivered, Missed}

var transitions = map[Status][]Status{
	Pending: {OnTrack, AtRisk},
	OnTrack: {AtRisk, Delayed, Delivered},
	AtRisk:  {OnTrack, Delayed, Delivered},
	Delayed: {Delivered, Missed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Delivered || s == Missed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned for a status change the lifecycle forbids.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("commitment %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// RiskLevel is derived from current confidence.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskFor maps confidence to a risk level using strict thresholds.
func RiskFor(confidence float64, r policy.RiskPolicy) RiskLevel {
	switch {
	case confidence > r.Low:
		return RiskLow
	case confidence > r.Medium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Commitment is a delivery date promised to someone outside the team.
type Commitment struct {
	ID          string               `json:"id"`
	ProjectID   string               `json:"project_id"`
	TargetID    string               `json:"target_id"`
	TargetType  workitems.TargetType `json:"target_type"`
	TargetTitle string               `json:"target_title,omitempty"`

	CommittedDate time.Time `json:"committed_date"`
	CommittedTo   string    `json:"committed_to"`
	CommittedBy   string    `json:"committed_by"`

	InitialConfidence float64   `json:"initial_confidence"`
	CurrentConfidence float64   `json:"current_confidence"`
	RevenueImpact     *float64  `json:"revenue_impact,omitempty"`
	PenaltyClause     string    `json:"penalty_clause,omitempty"`
	Status            Status    `json:"status"`
	RiskLevel         RiskLevel `json:"risk_level"`

	ActualDelivery *time.Time `json:"actual_delivery,omitempty"`
	// DaysEarly is committed minus actual in calendar days; negative means late.
	DaysEarly *int `json:"days_early,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the commitment is still open.
func (c Commitment) Active() bool { return !c.Status.Terminal() }

// NewCommitment carries the fields a planner supplies.
type NewCommitment struct {
	ProjectID         string
	TargetID          string
	TargetType        workitems.TargetType
	TargetTitle       string
	CommittedDate     time.Time
	CommittedTo       string
	CommittedBy       string
	InitialConfidence float64
	RevenueImpact     *float64
	PenaltyClause     string
	Notes             string
}

func (n NewCommitment) validate() error {
	var problem string
	switch {
	case n.ProjectID == "" || n.TargetID == "":
		problem = "project and target are required"
	case !n.TargetType.Valid():
		problem = fmt.Sprintf("unknown target type %q", n.TargetType)
	case n.CommittedDate.IsZero():
		problem = "committed date is required"
	case n.CommittedTo == "":
		problem = "committed_to is required"
	case n.InitialConfidence < 0 || n.InitialConfidence > 1:
		problem = fmt.Sprintf("initial confidence %v outside [0,1]", n.InitialConfidence)
	case n.RevenueImpact != nil && *n.RevenueImpact < 0:
		problem = "revenue impact must be >= 0"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidCommitment, problem)
}

// StatusUpdate is an explicit planner action.
type StatusUpdate struct {
	Status Status
	// ActualDelivery is only accepted with DELIVERED or MISSED.
	ActualDelivery *time.Time
	Actor          string
	Note           string
}

// Event kinds recorded in the audit log.
const (
	EventCreated    = "created"
	EventStatus     = "status"
	EventConfidence = "confidence"
)

// Event is one audit row.
type Event struct {
	ID           int64     `json:"id"`
	CommitmentID string    `json:"commitment_id"`
	Kind         string    `json:"kind"`
	FromStatus   Status    `json:"from_status,omitempty"`
	ToStatus     Status    `json:"to_status,omitempty"`
	Confidence   float64   `json:"confidence"`
	Actor        string    `json:"actor,omitempty"`
	Note         string    `json:"note,omitempty"`
	At           time.Time `json:"at"`
}

// Dashboard aggregates a project's commitments.
type Dashboard struct {
	ProjectID     string         `json:"project_id"`
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByStatus      map[Status]int `json:"by_status"`
	Delivered     int            `json:"delivered"`
	Missed        int            `json:"missed"`
	AtRisk        int            `json:"at_risk"`
	RevenueAtRisk float64        `json:"revenue_at_risk"`
	// OnTimeRate is the share of closed commitments delivered on or before the date.
	OnTimeRate       float64  `json:"on_time_rate"`
	AverageDaysEarly float64  `json:"average_days_early"`
	AtRiskIDs        []string `json:"at_risk_ids,omitempty"`
}

// daysEarly counts calendar days from actual to committed (UTC dates).
func daysEarly(committed, actual time.Time) int {
	c := civil(committed)
	a := civil(actual)
	return int(c.Sub(a).Hours() / 24)
}

func civil(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

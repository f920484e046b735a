package commitments

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecast-mcp/internal/policy"
	"forecast-mcp/internal/workitems"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "forecast.db"), policy.Default().Risk, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newCommitment(confidence float64) NewCommitment {
	revenue := 50000.0
	return NewCommitment{
		ProjectID:         "PAY",
		TargetID:          "M-1",
		TargetType:        workitems.Milestone,
		TargetTitle:       "Beta",
		CommittedDate:     time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC),
		CommittedTo:       "Acme Corp",
		CommittedBy:       "dana",
		InitialConfidence: confidence,
		RevenueImpact:     &revenue,
		PenaltyClause:     "2% per week late",
	}
}

func TestRiskFor(t *testing.T) {
	r := policy.Default().Risk
	tests := []struct {
		confidence float64
		want       RiskLevel
	}{
		{0.95, RiskLow},
		{0.71, RiskLow},
		{0.7, RiskMedium},
		{0.51, RiskMedium},
		{0.5, RiskHigh},
		{0.0, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskFor(tt.confidence, r), "confidence %.2f", tt.confidence)
	}
}

func TestRefreshConfidence_RecomputesRiskWithoutStatusChange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Create(ctx, newCommitment(0.8))
	require.NoError(t, err)
	assert.Equal(t, RiskLow, c.RiskLevel)
	assert.Equal(t, Pending, c.Status)
	assert.Equal(t, 0.8, c.CurrentConfidence)

	refreshed, err := s.RefreshConfidence(ctx, c.ID, 0.4, "forecast")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, refreshed.RiskLevel)
	assert.Equal(t, Pending, refreshed.Status)
	assert.Equal(t, 0.8, refreshed.InitialConfidence)

	stored, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, stored.RiskLevel)
	assert.Equal(t, 0.4, stored.CurrentConfidence)
	assert.Equal(t, Pending, stored.Status)

	events, err := s.Events(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, EventConfidence, events[1].Kind)
	assert.Equal(t, 0.4, events[1].Confidence)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Create(ctx, newCommitment(0.8))
	require.NoError(t, err)

	for _, next := range []Status{OnTrack, AtRisk, OnTrack, Delayed} {
		c, err = s.UpdateStatus(ctx, c.ID, StatusUpdate{Status: next, Actor: "dana"})
		require.NoError(t, err, "transition to %s", next)
		assert.Nil(t, c.DaysEarly, "daysEarly must stay unset before closing")
	}

	actual := time.Date(2024, 4, 18, 16, 30, 0, 0, time.UTC)
	c, err = s.UpdateStatus(ctx, c.ID, StatusUpdate{Status: Delivered, ActualDelivery: &actual})
	require.NoError(t, err)
	require.NotNil(t, c.DaysEarly)
	assert.Equal(t, -3, *c.DaysEarly)
	assert.True(t, c.ActualDelivery.Equal(actual))

	_, err = s.UpdateStatus(ctx, c.ID, StatusUpdate{Status: Missed})
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, Delivered, invalid.From)

	events, err := s.Events(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.Equal(t, Delayed, events[5].FromStatus)
	assert.Equal(t, Delivered, events[5].ToStatus)
}

func TestUpdateStatus_Rules(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Create(ctx, newCommitment(0.6))
	require.NoError(t, err)

	tests := []struct {
		name   string
		update StatusUpdate
		check  func(error) bool
	}{
		{"PendingCannotDeliver", StatusUpdate{Status: Delivered}, func(err error) bool {
			var e *InvalidTransitionError
			return errors.As(err, &e)
		}},
		{"PendingCannotMiss", StatusUpdate{Status: Missed}, func(err error) bool {
			var e *InvalidTransitionError
			return errors.As(err, &e)
		}},
		{"ActualDeliveryNeedsTerminalStatus", StatusUpdate{Status: OnTrack, ActualDelivery: &c.CommittedDate}, func(err error) bool {
			return errors.Is(err, ErrInvalidCommitment)
		}},
		{"UnknownStatus", StatusUpdate{Status: "PAUSED"}, func(err error) bool {
			return errors.Is(err, ErrInvalidCommitment)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UpdateStatus(ctx, c.ID, tt.update)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}

	_, err = s.UpdateStatus(ctx, "missing", StatusUpdate{Status: OnTrack})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_MissedDefaultsDeliveryToClock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n := newCommitment(0.3)
	n.CommittedDate = time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	c, err := s.Create(ctx, n)
	require.NoError(t, err)

	for _, next := range []Status{AtRisk, Delayed, Missed} {
		c, err = s.UpdateStatus(ctx, c.ID, StatusUpdate{Status: next})
		require.NoError(t, err)
	}
	require.NotNil(t, c.ActualDelivery)
	require.NotNil(t, c.DaysEarly)
	// The clock sits on 2024-03-01.
	assert.Equal(t, -10, *c.DaysEarly)

	// Closed commitments ignore confidence refreshes.
	after, err := s.RefreshConfidence(ctx, c.ID, 0.9, "forecast")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, after.RiskLevel)
}

func TestCreate_Validation(t *testing.T) {
	s := openTestStore(t)
	tests := []struct {
		name   string
		mutate func(*NewCommitment)
	}{
		{"ConfidenceAboveOne", func(n *NewCommitment) { n.InitialConfidence = 1.2 }},
		{"NegativeConfidence", func(n *NewCommitment) { n.InitialConfidence = -0.1 }},
		{"MissingDate", func(n *NewCommitment) { n.CommittedDate = time.Time{} }},
		{"MissingCounterparty", func(n *NewCommitment) { n.CommittedTo = "" }},
		{"UnknownTargetType", func(n *NewCommitment) { n.TargetType = "EPIC" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newCommitment(0.8)
			tt.mutate(&n)
			_, err := s.Create(context.Background(), n)
			assert.ErrorIs(t, err, ErrInvalidCommitment)
		})
	}
}

func TestForTargetAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.Create(ctx, newCommitment(0.8))
	require.NoError(t, err)
	other := newCommitment(0.9)
	other.TargetID = "M-2"
	other.CommittedDate = a.CommittedDate.AddDate(0, 0, -7)
	b, err := s.Create(ctx, other)
	require.NoError(t, err)

	open, err := s.ForTarget(ctx, "PAY", "M-1", workitems.Milestone)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
	require.NotNil(t, open[0].RevenueImpact)
	assert.Equal(t, 50000.0, *open[0].RevenueImpact)
	assert.Equal(t, "2% per week late", open[0].PenaltyClause)

	// Earliest committed date first, regardless of creation order.
	all, err := s.List(ctx, "PAY")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []string{b.ID, a.ID}, []string{all[0].ID, all[1].ID})

	none, err := s.List(ctx, "OPS")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	move := func(id string, path ...Status) Commitment {
		var c Commitment
		var err error
		for _, st := range path {
			c, err = s.UpdateStatus(ctx, id, StatusUpdate{Status: st})
			require.NoError(t, err)
		}
		return c
	}

	early := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC)

	// Delivered 5 days early.
	c1, _ := s.Create(ctx, newCommitment(0.9))
	move(c1.ID, OnTrack)
	_, err := s.UpdateStatus(ctx, c1.ID, StatusUpdate{Status: Delivered, ActualDelivery: &early})
	require.NoError(t, err)

	// Missed, 5 days late.
	c2, _ := s.Create(ctx, newCommitment(0.6))
	move(c2.ID, AtRisk, Delayed)
	_, err = s.UpdateStatus(ctx, c2.ID, StatusUpdate{Status: Missed, ActualDelivery: &late})
	require.NoError(t, err)

	// Active and explicitly at risk.
	c3, _ := s.Create(ctx, newCommitment(0.8))
	move(c3.ID, AtRisk)

	// Active, on track by status but HIGH risk by confidence.
	c4, _ := s.Create(ctx, newCommitment(0.9))
	move(c4.ID, OnTrack)
	_, err = s.RefreshConfidence(ctx, c4.ID, 0.2, "forecast")
	require.NoError(t, err)

	// Active and healthy.
	_, err = s.Create(ctx, newCommitment(0.95))
	require.NoError(t, err)

	d, err := s.Dashboard(ctx, "PAY")
	require.NoError(t, err)

	assert.Equal(t, 5, d.Total)
	assert.Equal(t, 3, d.Active)
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, 1, d.Missed)
	assert.Equal(t, 2, d.AtRisk)
	assert.ElementsMatch(t, []string{c3.ID, c4.ID}, d.AtRiskIDs)
	assert.Equal(t, 100000.0, d.RevenueAtRisk)
	assert.Equal(t, 0.5, d.OnTimeRate)
	assert.Equal(t, 0.0, d.AverageDaysEarly)
	assert.Equal(t, 1, d.ByStatus[Pending])
	assert.Equal(t, 1, d.ByStatus[AtRisk])
}

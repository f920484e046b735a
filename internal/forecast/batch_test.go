package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartProjectBatch_ForecastsEveryTarget(t *testing.T) {
	f := newFixture(t)

	job, err := f.svc.StartProjectBatch("PAY", false)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	var done BatchJob
	require.Eventually(t, func() bool {
		done, err = f.svc.BatchStatus(job.ID)
		return err == nil && done.Status != JobRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, 2, done.Total)
	assert.Equal(t, 2, done.Completed)
	assert.Zero(t, done.Failed)
	require.Len(t, done.Outcomes, 2)
	assert.Equal(t, "PAY-12", done.Outcomes[0].TargetID)
	assert.Equal(t, "S-7", done.Outcomes[1].TargetID)
	for _, o := range done.Outcomes {
		require.NotNil(t, o.P50Date, "target %s", o.TargetID)
		assert.False(t, o.P90Date.Before(*o.P50Date))
	}
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, 2, f.store.Len())
}

func TestRunProjectBatch_UsesCacheAndReportsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Predict(ctx, sprint7, PredictOptions{})
	require.NoError(t, err)

	job, err := f.svc.RunProjectBatch(ctx, "PAY", false)
	require.NoError(t, err)
	for _, o := range job.Outcomes {
		assert.Equal(t, o.TargetID == "S-7", o.Cached, "target %s", o.TargetID)
	}

	// Stalled provider: the cached sprint degrades to stale, the issue fails.
	f.provider.stalled.Store(true)
	job, err = f.svc.RunProjectBatch(ctx, "PAY", true)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 1, job.Completed)
	assert.Equal(t, 1, job.Failed)
	assert.NotEmpty(t, job.Outcomes[0].Error)
}

func TestBatch_UnknownJobAndProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.BatchStatus("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	job, err := f.svc.RunProjectBatch(context.Background(), "OPS", false)
	require.NoError(t, err)
	assert.Zero(t, job.Total)
	assert.Equal(t, JobCompleted, job.Status)

	_, err = f.svc.StartProjectBatch("", false)
	assert.Error(t, err)
}

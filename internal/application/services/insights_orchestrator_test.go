package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

func sessionInsights() entities.InsightsContext {
	return entities.InsightsContext{PatientID: "patient-1", SessionID: "session-1"}
}

func TestInsightsOrchestrator_CoordinateAllSucceed(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)

	state, err := o.CoordinateAnalysis(context.Background(), sessionInsights())
	require.NoError(t, err)
	require.Len(t, state.Pipelines, 4)
	for pt, ps := range state.Pipelines {
		assert.Equal(t, entities.PipelineStatusSuccess, ps.Status, "pipeline %s", pt)
		assert.Equal(t, 100, ps.Progress)
		assert.NotNil(t, ps.Metadata)
	}
	assert.Equal(t, 100.0, state.OverallProgress)
	require.NotNil(t, state.CompletedAt)
	assert.Equal(t, 0, o.ActiveSessions())
}

func TestInsightsOrchestrator_FailureIsIsolated(t *testing.T) {
	bodies := allPipelineBodies()
	delete(bodies, entities.PipelineSafetyCheck)
	f := newExecutorFixture(t, responsesByPipeline(bodies), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)

	state, err := o.CoordinateAnalysis(context.Background(), sessionInsights())
	require.NoError(t, err)

	safety := state.Pipelines[entities.PipelineSafetyCheck]
	assert.Equal(t, entities.PipelineStatusError, safety.Status)
	assert.Equal(t, 0, safety.Progress)
	require.NotNil(t, safety.Error)
	assert.Equal(t, apperrors.CodeModelInvalidResponse, safety.Error.Code)

	for _, pt := range []entities.PipelineType{entities.PipelineBillingCPT, entities.PipelineProgressAssessment, entities.PipelineSessionNote} {
		assert.Equal(t, entities.PipelineStatusSuccess, state.Pipelines[pt].Status, "pipeline %s", pt)
	}
	assert.Equal(t, 75.0, state.OverallProgress)
}

func TestInsightsOrchestrator_SubsetAndDisabledPipelines(t *testing.T) {
	settings := DefaultPipelineSettings()
	s := settings[entities.PipelineSessionNote]
	s.Enabled = false
	settings[entities.PipelineSessionNote] = s
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), func(d *PipelineExecutorDeps) {
		d.Settings = settings
	})
	o := NewInsightsOrchestrator(f.executor)

	ic := sessionInsights()
	ic.PipelineTypes = []entities.PipelineType{entities.PipelineBillingCPT, entities.PipelineSessionNote}
	state, err := o.CoordinateAnalysis(context.Background(), ic)
	require.NoError(t, err)
	require.Len(t, state.Pipelines, 1)
	assert.Contains(t, state.Pipelines, entities.PipelineBillingCPT)
	assert.Equal(t, 1, f.model.Calls())
}

func TestInsightsOrchestrator_RejectsInvalidContext(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)

	_, err := o.CoordinateAnalysis(context.Background(), entities.InsightsContext{SessionID: "s"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	ic := sessionInsights()
	ic.PipelineTypes = []entities.PipelineType{"horoscope"}
	_, err = o.CoordinateAnalysis(context.Background(), ic)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestInsightsOrchestrator_StreamEmitsLoadingThenResult(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)

	var (
		mu      sync.Mutex
		updates []entities.PipelineUpdate
	)
	state, err := o.StreamAnalysis(context.Background(), sessionInsights(), func(u entities.PipelineUpdate) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})
	require.NoError(t, err)
	require.Len(t, updates, 8)

	// The highest priority pipeline is dispatched first.
	assert.Equal(t, entities.PipelineSafetyCheck, updates[0].PipelineType)
	assert.Equal(t, entities.PipelineStatusLoading, updates[0].State.Status)
	assert.Equal(t, 10, updates[0].State.Progress)

	seen := map[entities.PipelineType][]entities.PipelineStatus{}
	for _, u := range updates {
		assert.Equal(t, "session-1", u.SessionID)
		seen[u.PipelineType] = append(seen[u.PipelineType], u.State.Status)
	}
	for pt, statuses := range seen {
		assert.Equal(t, []entities.PipelineStatus{entities.PipelineStatusLoading, entities.PipelineStatusSuccess}, statuses, "pipeline %s", pt)
	}
	assert.Equal(t, 100.0, updates[len(updates)-1].OverallProgress)
	assert.Equal(t, 100.0, state.OverallProgress)
}

func TestInsightsOrchestrator_CancelAnalysis(t *testing.T) {
	started := make(chan struct{}, 4)
	model := &fakeModel{respond: func(req *providers.ModelRequest, _ int) (*providers.ModelResponse, error) {
		return nil, errors.New("unreachable")
	}}
	cc := sessionContext()
	cc.delay = 10 * time.Second
	f := newExecutorFixture(t, model, &startSignalContext{fakeContext: cc, started: started}, nil)
	o := NewInsightsOrchestrator(f.executor)

	done := make(chan *entities.AIInsightsState, 1)
	go func() {
		state, err := o.CoordinateAnalysis(context.Background(), sessionInsights())
		assert.NoError(t, err)
		done <- state
	}()

	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("pipelines did not start")
		}
	}
	assert.Equal(t, 1, o.CancelAnalysis("session-1"))
	assert.Equal(t, 0, o.CancelAnalysis("session-1"))

	select {
	case state := <-done:
		for pt, ps := range state.Pipelines {
			assert.Equal(t, entities.PipelineStatusCancelled, ps.Status, "pipeline %s", pt)
			require.NotNil(t, ps.Error)
			assert.Equal(t, apperrors.CodeCancelled, ps.Error.Code)
		}
		assert.Equal(t, 0.0, state.OverallProgress)
	case <-time.After(5 * time.Second):
		t.Fatal("analysis did not settle after cancel")
	}
	assert.Equal(t, 0, model.Calls())
}

func TestInsightsOrchestrator_CancelUnknownSession(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)
	assert.Equal(t, 0, o.CancelAnalysis("nobody"))
}

func TestInsightsOrchestrator_RetryPipelineBypassesCache(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)
	ctx := context.Background()

	_, err := o.CoordinateAnalysis(ctx, sessionInsights())
	require.NoError(t, err)
	require.Equal(t, 4, f.model.Calls())

	res := o.RetryPipeline(ctx, entities.PipelineBillingCPT, sessionInsights())
	require.True(t, res.Success)
	assert.False(t, res.Metadata.CacheHit)
	assert.Equal(t, 5, f.model.Calls())
}

func TestInsightsOrchestrator_GetHealth(t *testing.T) {
	bodies := allPipelineBodies()
	delete(bodies, entities.PipelineSessionNote)
	f := newExecutorFixture(t, responsesByPipeline(bodies), sessionContext(), nil)
	o := NewInsightsOrchestrator(f.executor)

	h := o.GetHealth(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.RecentExecutions)
	assert.Len(t, h.Pipelines, 4)

	_, err := o.CoordinateAnalysis(context.Background(), sessionInsights())
	require.NoError(t, err)

	h = o.GetHealth(context.Background())
	assert.Equal(t, 4, h.RecentExecutions)
	assert.InDelta(t, 0.75, h.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, h.ErrorRate, 1e-9)
	assert.True(t, h.Executor.Healthy)
}

func TestExecutionHistory_RingKeepsLastEntries(t *testing.T) {
	h := newExecutionHistory(3)
	for i := 0; i < 5; i++ {
		h.record(entities.PipelineBillingCPT, &entities.PipelineResult{
			Success:       i >= 2,
			ExecutionTime: time.Duration(i+1) * 10 * time.Millisecond,
		})
	}
	n, avg, success, failure := h.stats()
	assert.Equal(t, 3, n)
	assert.InDelta(t, 40.0, avg, 1e-9)
	assert.Equal(t, 1.0, success)
	assert.Equal(t, 0.0, failure)
}

func TestExecutionHistory_CancelledRunsLeaveRatesOut(t *testing.T) {
	h := newExecutionHistory(10)
	h.record(entities.PipelineBillingCPT, &entities.PipelineResult{Success: true, ExecutionTime: 10 * time.Millisecond})
	h.record(entities.PipelineBillingCPT, &entities.PipelineResult{Success: true, ExecutionTime: 10 * time.Millisecond})
	h.record(entities.PipelineSafetyCheck, &entities.PipelineResult{ExecutionTime: 10 * time.Millisecond})
	h.record(entities.PipelineSafetyCheck, &entities.PipelineResult{Cancelled: true, ExecutionTime: 10 * time.Millisecond})

	n, _, success, failure := h.stats()
	assert.Equal(t, 4, n)
	assert.InDelta(t, 2.0/3.0, success, 1e-9)
	assert.InDelta(t, 1.0/3.0, failure, 1e-9)
	assert.InDelta(t, 1.0, success+failure, 1e-9)

	onlyCancelled := newExecutionHistory(2)
	onlyCancelled.record(entities.PipelineSafetyCheck, &entities.PipelineResult{Cancelled: true})
	n, _, success, failure = onlyCancelled.stats()
	assert.Equal(t, 1, n)
	assert.Zero(t, success)
	assert.Zero(t, failure)
}

// startSignalContext reports each aggregation before delegating.
type startSignalContext struct {
	*fakeContext
	started chan struct{}
}

func (c *startSignalContext) Aggregate(ctx context.Context, patientID, sessionID string, purpose entities.PipelineType) (*entities.ClinicalContext, error) {
	c.started <- struct{}{}
	return c.fakeContext.Aggregate(ctx, patientID, sessionID, purpose)
}

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
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// MockEventBus delivers published events to in-process subscribers.
type MockEventBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan *entities.ContextEvent
	publishErr  error
	published   []*entities.ContextEvent
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{subscribers: make(map[string][]chan *entities.ContextEvent)}
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.ContextEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, event)
	for _, ch := range m.subscribers[channel] {
		ch <- event
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.ContextEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *entities.ContextEvent, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, channel)
	return nil
}

func (m *MockEventBus) Close() error { return nil }

func (m *MockEventBus) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.subscribers {
		n += len(subs)
	}
	return n
}

func seedResults(t *testing.T, f *executorFixture) {
	t.Helper()
	ctx := context.Background()
	for _, opts := range []entities.AnalysisOptions{
		{PatientID: "patient-1", SessionID: "session-1"},
		{PatientID: "patient-1", SessionID: "session-2"},
		{PatientID: "patient-2", SessionID: "session-3"},
	} {
		require.True(t, f.executor.Analyze(ctx, entities.PipelineBillingCPT, opts).Success)
		require.True(t, f.executor.Analyze(ctx, entities.PipelineSafetyCheck, opts).Success)
	}
	require.Equal(t, 6, f.cache.Stats().Items)
}

func TestCacheInvalidationService_Start(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	bus := NewMockEventBus()
	svc := NewCacheInvalidationService(f.executor, bus)

	require.NoError(t, svc.Start())
	defer svc.Stop()
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestCacheInvalidationService_SessionEventDropsSessionResults(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	seedResults(t, f)
	bus := NewMockEventBus()
	svc := NewCacheInvalidationService(f.executor, bus)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	event := entities.NewContextEvent(entities.ContextEventSessionUpdated, "patient-1", "session-1")
	_, err := svc.NotifyContextChanged(context.Background(), event)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return svc.Processed() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.cache.Stats().Items)
}

func TestCacheInvalidationService_SessionEventKeepsPrefixSiblings(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	ctx := context.Background()
	for _, sessionID := range []string{"s1", "s10", "s11"} {
		opts := entities.AnalysisOptions{PatientID: "p1", SessionID: sessionID}
		require.True(t, f.executor.Analyze(ctx, entities.PipelineBillingCPT, opts).Success)
	}
	svc := NewCacheInvalidationService(f.executor, nil)

	removed, err := svc.NotifyContextChanged(ctx, entities.NewContextEvent(entities.ContextEventSessionUpdated, "p1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, f.cache.Stats().Items)
}

func TestCacheInvalidationService_PatientEventDropsAllPatientResults(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	seedResults(t, f)
	svc := NewCacheInvalidationService(f.executor, nil)

	removed, err := svc.NotifyContextChanged(context.Background(),
		entities.NewContextEvent(entities.ContextEventPatientUpdated, "patient-1", ""))
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, 2, f.cache.Stats().Items)
}

func TestCacheInvalidationService_PromptEventDropsPipelineResults(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	seedResults(t, f)
	svc := NewCacheInvalidationService(f.executor, nil)

	event := &entities.ContextEvent{ID: "evt-1", Type: entities.ContextEventPromptUpdated, PipelineType: entities.PipelineBillingCPT}
	removed, err := svc.NotifyContextChanged(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestCacheInvalidationService_PublishFailureInvalidatesLocally(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	seedResults(t, f)
	bus := NewMockEventBus()
	bus.publishErr = errors.New("redis down")
	svc := NewCacheInvalidationService(f.executor, bus)

	removed, err := svc.NotifyContextChanged(context.Background(),
		entities.NewContextEvent(entities.ContextEventPatientUpdated, "patient-2", ""))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
	assert.Equal(t, 2, removed)
}

func TestCacheInvalidationService_RejectsInvalidEvents(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	svc := NewCacheInvalidationService(f.executor, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		event *entities.ContextEvent
	}{
		{"nil", nil},
		{"session without ids", &entities.ContextEvent{Type: entities.ContextEventSessionUpdated, PatientID: "p"}},
		{"patient without id", &entities.ContextEvent{Type: entities.ContextEventPatientUpdated}},
		{"unknown pipeline", &entities.ContextEvent{Type: entities.ContextEventPromptUpdated, PipelineType: "horoscope"}},
		{"unknown type", &entities.ContextEvent{Type: "weather_changed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.NotifyContextChanged(ctx, tt.event)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
		})
	}
}

func TestCacheInvalidationService_StopWithoutStart(t *testing.T) {
	f := newExecutorFixture(t, responsesByPipeline(allPipelineBodies()), sessionContext(), nil)
	svc := NewCacheInvalidationService(f.executor, NewMockEventBus())
	svc.Stop()
}

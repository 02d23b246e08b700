package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
)

type fakeModel struct {
	mu      sync.Mutex
	calls   int
	reqs    []*providers.ModelRequest
	respond func(req *providers.ModelRequest, call int) (*providers.ModelResponse, error)
	pingErr error
}

func (m *fakeModel) Invoke(ctx context.Context, req *providers.ModelRequest) (*providers.ModelResponse, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.respond(req, call)
}

func (m *fakeModel) Ping(context.Context) error { return m.pingErr }

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeModel) LastRequest() *providers.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) == 0 {
		return nil
	}
	return m.reqs[len(m.reqs)-1]
}

// textModel always answers with body.
func textModel(body string) *fakeModel {
	return &fakeModel{respond: func(req *providers.ModelRequest, _ int) (*providers.ModelResponse, error) {
		return &providers.ModelResponse{
			Text:  body,
			Model: req.Model,
			Usage: entities.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}, nil
	}}
}

// failingModel always fails with err.
func failingModel(err error) *fakeModel {
	return &fakeModel{respond: func(*providers.ModelRequest, int) (*providers.ModelResponse, error) {
		return nil, err
	}}
}

// responsesByPipeline answers with the canned body for whichever pipeline
// the request schema names.
func responsesByPipeline(bodies map[entities.PipelineType]string) *fakeModel {
	return &fakeModel{respond: func(req *providers.ModelRequest, _ int) (*providers.ModelResponse, error) {
		body, ok := bodies[entities.PipelineType(req.SchemaName)]
		if !ok {
			return nil, providers.ErrModelInvalidResponse
		}
		return &providers.ModelResponse{Text: body, Model: req.Model,
			Usage: entities.TokenUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}}, nil
	}}
}

type fakeContext struct {
	mu      sync.Mutex
	calls   int
	vars    map[string]any
	err     error
	delay   time.Duration
	panicOn string
	pingErr error
}

func (c *fakeContext) Aggregate(ctx context.Context, patientID, sessionID string, purpose entities.PipelineType) (*entities.ClinicalContext, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.panicOn != "" && patientID == c.panicOn {
		panic("context source exploded")
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	vars := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		vars[k] = v
	}
	return &entities.ClinicalContext{
		PatientID:   patientID,
		SessionID:   sessionID,
		Purpose:     purpose,
		Variables:   vars,
		CollectedAt: time.Now(),
	}, nil
}

func (c *fakeContext) Ping(context.Context) error { return c.pingErr }

func sessionContext() *fakeContext {
	return &fakeContext{vars: map[string]any{
		"transcript":       "Client reported improved sleep and fewer intrusive thoughts.",
		"duration_minutes": 53,
		"treatment_goals":  "Reduce panic attacks to fewer than one per week.",
	}}
}

const (
	billingBody  = `{"codes":[{"code":"90837","description":"Psychotherapy, 60 minutes"}],"confidence":0.92}`
	safetyBody   = `{"risk_level":"low","indicators":[],"requires_immediate_action":false}`
	progressBody = `{"overall_trend":"improving","goals":[{"goal":"Reduce panic attacks","status":"in_progress"}]}`
	noteBody     = "```json\n{\"subjective\":\"Improved sleep\",\"objective\":\"Calm affect\",\"assessment\":\"Stable\",\"plan\":\"Continue CBT\"}\n```"
)

func allPipelineBodies() map[entities.PipelineType]string {
	return map[entities.PipelineType]string{
		entities.PipelineBillingCPT:         billingBody,
		entities.PipelineSafetyCheck:        safetyBody,
		entities.PipelineProgressAssessment: progressBody,
		entities.PipelineSessionNote:        noteBody,
	}
}

func newTestRegistry(t *testing.T) *PromptRegistry {
	t.Helper()
	r := NewPromptRegistry(0)
	n, err := r.LoadDefaultPrompts()
	require.NoError(t, err)
	require.Equal(t, len(entities.AllPipelineTypes()), n)
	return r
}

func newTestCache(t *testing.T) *CacheLayer {
	t.Helper()
	c, err := NewCacheLayer(CacheLayerConfig{MaxItems: 100, MaxMemoryBytes: 1 << 20, DefaultTTL: time.Minute})
	require.NoError(t, err)
	return c
}

type executorFixture struct {
	executor *PipelineExecutor
	model    *fakeModel
	context  providers.ContextAggregator
	cache    *CacheLayer
	delays   []time.Duration
	mu       sync.Mutex
}

func (f *executorFixture) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func newExecutorFixture(t *testing.T, model *fakeModel, cc providers.ContextAggregator, mutate func(*PipelineExecutorDeps)) *executorFixture {
	t.Helper()
	f := &executorFixture{model: model, context: cc, cache: newTestCache(t)}
	deps := PipelineExecutorDeps{
		Registry: newTestRegistry(t),
		Cache:    f.cache,
		Context:  cc,
		Model:    model,
	}
	if mutate != nil {
		mutate(&deps)
	}
	exec, err := NewPipelineExecutor(deps, WithExecutorSleep(func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		f.mu.Unlock()
		return ctx.Err()
	}))
	require.NoError(t, err)
	f.executor = exec
	return f
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

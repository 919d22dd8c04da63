package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/bus"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock/clocktest"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
)

type recordingAlertHandler struct {
	mu     sync.Mutex
	alerts []resilience.Alert
}

func (h *recordingAlertHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingAlertHandler) Name() string {
	return "recording"
}

func (h *recordingAlertHandler) titles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.alerts))
	for i, a := range h.alerts {
		out[i] = a.Title
	}
	return out
}

type integrationFixture struct {
	integration *Integration
	memory      *bus.MemoryBus
	sched       *clocktest.Scheduler
}

func newIntegrationFixture(t *testing.T, opts ...Option) *integrationFixture {
	t.Helper()
	logger := logging.NewNopLogger()
	f := &integrationFixture{
		memory: bus.NewMemoryBus(logger),
		sched:  clocktest.New(epoch),
	}

	opts = append([]Option{
		WithScheduler(f.sched),
		WithLogger(logger),
		WithBreakerOptions(resilience.Options{FailureThreshold: 2, ResetTimeout: time.Minute}),
	}, opts...)
	f.integration = NewIntegration(f.memory, opts...)
	require.NoError(t, f.integration.Initialize())
	t.Cleanup(func() { _ = f.integration.Shutdown(context.Background()) })
	return f
}

// failSends drives the breaker for destination with messages that have no
// route on the memory bus
func (f *integrationFixture) failSends(t *testing.T, destination string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.integration.Bus().SendMessage(context.Background(),
			bus.NewMessage("test", destination, bus.EventValidationRequest, nil))
		require.Error(t, err)
	}
}

func TestIntegration_RequiresInitialize(t *testing.T) {
	integration := NewIntegration(bus.NewMemoryBus(logging.NewNopLogger()), WithLogger(logging.NewNopLogger()))
	ctx := context.Background()

	assertNotInitialized := func(err error) {
		t.Helper()
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, "NOT_INITIALIZED"), "got %v", err)
	}

	assertNotInitialized(integration.RegisterAgent(AgentConfig{AgentID: "a"}, &stubAgent{}))
	assertNotInitialized(integration.StartAllAgents(ctx))
	assertNotInitialized(integration.StartAgent(ctx, "a"))
	assertNotInitialized(integration.StopAgent(ctx, "a"))
	assertNotInitialized(integration.RestartAgent(ctx, "a"))
	assertNotInitialized(integration.SimulateAgentFailure("a"))

	_, err := integration.SystemHealth()
	assertNotInitialized(err)
	_, _, err = integration.AgentHealth("a")
	assertNotInitialized(err)
	_, err = integration.ResetCircuitBreaker("a")
	assertNotInitialized(err)
	_, err = integration.UnhealthyAgents()
	assertNotInitialized(err)
	_, err = integration.OpenCircuits()
	assertNotInitialized(err)
	_, err = integration.RunDiagnostic()
	assertNotInitialized(err)

	assert.Nil(t, integration.Bus())
	assert.Nil(t, integration.Registry())
	assert.Nil(t, integration.Manager())
	assert.NoError(t, integration.Shutdown(ctx))
}

func TestIntegration_InitializeIsIdempotent(t *testing.T) {
	f := newIntegrationFixture(t)

	registry := f.integration.Registry()
	manager := f.integration.Manager()
	require.NoError(t, f.integration.Initialize())

	assert.Same(t, registry, f.integration.Registry())
	assert.Same(t, manager, f.integration.Manager())
	assert.True(t, f.integration.Initialized())
}

func TestIntegration_InitializeRequiresBus(t *testing.T) {
	integration := NewIntegration(nil, WithLogger(logging.NewNopLogger()))
	err := integration.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestIntegration_SystemHealthIncludesBreakerStats(t *testing.T) {
	f := newIntegrationFixture(t)
	ctx := context.Background()

	require.NoError(t, f.integration.RegisterAgent(AgentConfig{AgentID: "a"}, &stubAgent{}))
	require.NoError(t, f.integration.RegisterAgent(AgentConfig{AgentID: "b"}, &stubAgent{}))
	require.NoError(t, f.integration.StartAllAgents(ctx))
	f.failSends(t, "a", 1)

	all, err := f.integration.SystemHealth()
	require.NoError(t, err)
	require.Len(t, all, 2)

	statsA, ok := all["a"].Metrics["circuitBreaker"].(resilience.Stats)
	require.True(t, ok)
	assert.Equal(t, 1, statsA.Failures)
	assert.Equal(t, resilience.StateClosed, statsA.State)

	statsB := all["b"].Metrics["circuitBreaker"].(resilience.Stats)
	assert.Zero(t, statsB.Failures)
	assert.False(t, f.integration.Registry().HasBreaker("b"), "reading stats does not create a breaker")

	// The manager's own record is not modified.
	h, _ := f.integration.Manager().AgentHealth("a")
	assert.NotContains(t, h.Metrics, "circuitBreaker")
}

func TestIntegration_AgentHealth(t *testing.T) {
	f := newIntegrationFixture(t)

	_, ok, err := f.integration.AgentHealth("ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.integration.RegisterAgent(AgentConfig{AgentID: "a"}, &stubAgent{}))
	require.NoError(t, f.integration.StartAgent(context.Background(), "a"))

	h, ok, err := f.integration.AgentHealth("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusReady, h.Status)
	assert.Contains(t, h.Metrics, "circuitBreaker")
}

func TestIntegration_OpenCircuitsAndReset(t *testing.T) {
	f := newIntegrationFixture(t)

	f.failSends(t, "b", 2)

	open, err := f.integration.OpenCircuits()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, open)

	reset, err := f.integration.ResetCircuitBreaker("b")
	require.NoError(t, err)
	assert.True(t, reset)

	open, err = f.integration.OpenCircuits()
	require.NoError(t, err)
	assert.Empty(t, open)

	reset, err = f.integration.ResetCircuitBreaker("never-seen")
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestIntegration_RunDiagnostic(t *testing.T) {
	f := newIntegrationFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.integration.RegisterAgent(AgentConfig{AgentID: id}, &stubAgent{}))
	}
	require.NoError(t, f.integration.StartAllAgents(ctx))

	d, err := f.integration.RunDiagnostic()
	require.NoError(t, err)
	assert.Equal(t, SystemHealthy, d.Status)
	assert.Equal(t, resilience.LevelNormal, d.DegradationLevel)
	assert.Equal(t, epoch, d.Timestamp)

	f.failSends(t, "b", 2)

	d, err = f.integration.RunDiagnostic()
	require.NoError(t, err)
	assert.Equal(t, SystemDegraded, d.Status)
	assert.Equal(t, resilience.LevelPartial, d.DegradationLevel)
	assert.Equal(t, 1, d.CircuitBreakers.StateCount["OPEN"])
	assert.Equal(t, []string{"b"}, d.CircuitBreakers.OpenCircuits)
	assert.Contains(t, d.CircuitBreakers.Stats, "b")
	assert.Len(t, d.Agents, 3)
	assert.Empty(t, d.UnhealthyAgents)

	// Crashing a and c on top of the open circuit makes every agent unavailable.
	require.NoError(t, f.integration.SimulateAgentFailure("a"))
	require.NoError(t, f.integration.SimulateAgentFailure("c"))

	d, err = f.integration.RunDiagnostic()
	require.NoError(t, err)
	assert.Equal(t, SystemCritical, d.Status)
	assert.Len(t, d.UnhealthyAgents, 2)

	unhealthy, err := f.integration.UnhealthyAgents()
	require.NoError(t, err)
	assert.Equal(t, "a", unhealthy[0].AgentID)
	assert.Equal(t, "c", unhealthy[1].AgentID)
}

func TestIntegration_Alerts(t *testing.T) {
	handler := &recordingAlertHandler{}
	alerts := resilience.NewAlertManager(resilience.WithAlertLogger(logging.NewNopLogger()))
	alerts.AddHandler(handler)

	f := newIntegrationFixture(t, WithAlertManager(alerts))

	f.failSends(t, "b", 2)
	assert.Equal(t, []string{"Circuit Breaker Opened"}, handler.titles())

	require.NoError(t, f.integration.RegisterAgent(AgentConfig{
		AgentID:             "a",
		HealthCheckInterval: 10 * time.Second,
		MaxRetries:          1,
	}, &stubAgent{healthErr: errBoom}))
	require.NoError(t, f.integration.StartAgent(context.Background(), "a"))
	f.sched.Advance(30 * time.Second)

	titles := handler.titles()
	require.Len(t, titles, 2)
	assert.Equal(t, "Agent Recovery Abandoned", titles[1])
}

func TestIntegration_Shutdown(t *testing.T) {
	f := newIntegrationFixture(t)
	ctx := context.Background()
	agent := &stubAgent{}

	require.NoError(t, f.integration.RegisterAgent(AgentConfig{AgentID: "a"}, agent))
	require.NoError(t, f.integration.StartAgent(ctx, "a"))
	require.NoError(t, f.integration.SimulateAgentFailure("a"))
	registry := f.integration.Registry()
	f.failSends(t, "b", 2)

	require.NoError(t, f.integration.Shutdown(ctx))
	require.NoError(t, f.integration.Shutdown(ctx))

	assert.False(t, f.integration.Initialized())
	assert.Zero(t, f.sched.Pending(), "no timer outlives shutdown")
	assert.Empty(t, registry.Keys())

	f.sched.Advance(time.Hour)
	starts, stops := agent.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	_, err := f.integration.SystemHealth()
	assert.True(t, errors.IsCode(err, "NOT_INITIALIZED"))

	// The underlying bus belongs to the caller and still routes messages.
	delivered := false
	f.memory.Attach("x", func(ctx context.Context, msg *bus.Message) error {
		delivered = true
		return nil
	})
	require.NoError(t, f.memory.SendMessage(ctx, bus.NewMessage("test", "x", bus.EventHealthCheck, nil)))
	assert.True(t, delivered)
}

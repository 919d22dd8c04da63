package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/bus"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/tracing"
)

const integrationComponent = "resilience integration"

// SystemStatus summarizes a diagnostic
type SystemStatus string

const (
	SystemHealthy  SystemStatus = "healthy"
	SystemDegraded SystemStatus = "degraded"
	SystemCritical SystemStatus = "critical"
)

// CircuitSummary is the breaker part of a Diagnostic
type CircuitSummary struct {
	StateCount   map[string]int              `json:"stateCount"`
	OpenCircuits []string                    `json:"openCircuits"`
	Stats        map[string]resilience.Stats `json:"stats"`
}

// Diagnostic is a point-in-time snapshot of the whole resilience layer
type Diagnostic struct {
	Timestamp        time.Time                   `json:"timestamp"`
	Status           SystemStatus                `json:"status"`
	DegradationLevel resilience.DegradationLevel `json:"degradationLevel"`
	CircuitBreakers  CircuitSummary              `json:"circuitBreakers"`
	Agents           map[string]AgentHealth      `json:"agents"`
	UnhealthyAgents  []AgentHealth               `json:"unhealthyAgents"`
}

// Option customizes an Integration
type Option func(*Integration)

// WithBreakerOptions sets the options of every breaker the registry creates
func WithBreakerOptions(opts resilience.Options) Option {
	return func(i *Integration) { i.breakerOpts = opts }
}

// WithAgentDefaults sets the defaults applied to registered agents
func WithAgentDefaults(d AgentDefaults) Option {
	return func(i *Integration) { i.agentDefaults = d }
}

// WithScheduler sets the clock shared by breakers and the agent manager
func WithScheduler(s clock.Scheduler) Option {
	return func(i *Integration) { i.scheduler = s }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(i *Integration) { i.logger = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Integration) { i.metrics = m }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) Option {
	return func(i *Integration) { i.tracer = t }
}

// WithAlertManager routes breaker and give-up alerts to am
func WithAlertManager(am *resilience.AlertManager) Option {
	return func(i *Integration) { i.alerts = am }
}

// WithSource sets the source stamped on control-plane messages
func WithSource(source string) Option {
	return func(i *Integration) { i.source = source }
}

// Integration composes the breaker registry, the enhanced bus and the agent
// manager behind one lifecycle. Initialize must be called before any other
// method.
type Integration struct {
	underlying    bus.MessageBus
	breakerOpts   resilience.Options
	agentDefaults AgentDefaults
	source        string
	scheduler     clock.Scheduler
	logger        *logging.Logger
	metrics       *metrics.Metrics
	tracer        *tracing.TracingService
	alerts        *resilience.AlertManager

	mu          sync.RWMutex
	initialized bool
	registry    *resilience.Registry
	bus         *bus.EnhancedBus
	manager     *AgentManager
	unsubscribe []func()
}

// NewIntegration creates an uninitialized integration over underlying. The
// underlying bus stays owned by the caller.
func NewIntegration(underlying bus.MessageBus, opts ...Option) *Integration {
	i := &Integration{
		underlying:  underlying,
		breakerOpts: resilience.DefaultOptions(),
		source:      "resilience-framework",
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.scheduler == nil {
		i.scheduler = clock.Real()
	}
	if i.logger == nil {
		i.logger = logging.GetLogger()
	}
	if i.metrics == nil {
		i.metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if i.tracer == nil {
		i.tracer = tracing.NewNoopService()
	}
	return i
}

// Initialize builds the registry, bus and manager and wires metrics and
// alerts. A second call does nothing.
func (i *Integration) Initialize() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.initialized {
		return nil
	}
	if i.underlying == nil {
		return errors.NewValidationError("underlying message bus is required")
	}

	breakerOpts := i.breakerOpts
	breakerOpts.Scheduler = i.scheduler
	if breakerOpts.Logger == nil {
		breakerOpts.Logger = i.logger
	}
	i.registry = resilience.NewRegistry(breakerOpts)

	i.bus = bus.NewEnhancedBus(i.underlying, i.registry,
		bus.WithSource(i.source),
		bus.WithLogger(i.logger),
		bus.WithMetrics(i.metrics),
		bus.WithTracer(i.tracer),
		bus.WithScheduler(i.scheduler),
	)

	i.manager = NewAgentManager(i.bus, ManagerConfig{
		Defaults:  i.agentDefaults,
		Scheduler: i.scheduler,
		Logger:    i.logger,
		Metrics:   i.metrics,
		Tracer:    i.tracer,
	})

	i.unsubscribe = []func(){i.registry.Subscribe(i.metrics.BreakerListener())}
	if i.alerts != nil {
		i.unsubscribe = append(i.unsubscribe,
			i.registry.Subscribe(i.alerts.BreakerAlerts()),
			i.manager.Subscribe(i.agentAlerts),
		)
	}

	i.initialized = true
	i.logger.Info("Resilience integration initialized",
		"failure_threshold", breakerOpts.FailureThreshold,
		"reset_timeout", breakerOpts.ResetTimeout.String(),
	)
	return nil
}

// Initialized reports whether Initialize has run and Shutdown has not
func (i *Integration) Initialized() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.initialized
}

func (i *Integration) components() (*resilience.Registry, *bus.EnhancedBus, *AgentManager, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if !i.initialized {
		return nil, nil, nil, errors.NewNotInitializedError(integrationComponent)
	}
	return i.registry, i.bus, i.manager, nil
}

func (i *Integration) agentManager() (*AgentManager, error) {
	_, _, manager, err := i.components()
	return manager, err
}

// Bus returns the enhanced bus, or nil before Initialize
func (i *Integration) Bus() *bus.EnhancedBus {
	_, b, _, _ := i.components()
	return b
}

// Registry returns the breaker registry, or nil before Initialize
func (i *Integration) Registry() *resilience.Registry {
	registry, _, _, _ := i.components()
	return registry
}

// Manager returns the agent manager, or nil before Initialize
func (i *Integration) Manager() *AgentManager {
	_, _, manager, _ := i.components()
	return manager
}

// RegisterAgent registers an agent with the manager
func (i *Integration) RegisterAgent(config AgentConfig, agent Agent) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.RegisterAgent(config, agent)
}

// StartAllAgents starts every registered agent
func (i *Integration) StartAllAgents(ctx context.Context) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.StartAllAgents(ctx)
}

// StartAgent starts one agent
func (i *Integration) StartAgent(ctx context.Context, agentID string) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.StartAgent(ctx, agentID)
}

// StopAgent stops one agent
func (i *Integration) StopAgent(ctx context.Context, agentID string) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.StopAgent(ctx, agentID)
}

// RestartAgent restarts one agent
func (i *Integration) RestartAgent(ctx context.Context, agentID string) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.RestartAgent(ctx, agentID)
}

// SimulateAgentFailure injects a failure into a running agent
func (i *Integration) SimulateAgentFailure(agentID string) error {
	manager, err := i.agentManager()
	if err != nil {
		return err
	}
	return manager.SimulateAgentFailure(agentID)
}

// SystemHealth returns every agent's health with its breaker stats under
// Metrics["circuitBreaker"]
func (i *Integration) SystemHealth() (map[string]AgentHealth, error) {
	registry, _, manager, err := i.components()
	if err != nil {
		return nil, err
	}

	all := manager.AllAgentsHealth()
	for id, h := range all {
		all[id] = withBreakerStats(h, registry.Stats(id))
	}
	return all, nil
}

// AgentHealth returns one agent's health with its breaker stats. The bool
// is false for an unknown agent.
func (i *Integration) AgentHealth(agentID string) (AgentHealth, bool, error) {
	registry, _, manager, err := i.components()
	if err != nil {
		return AgentHealth{}, false, err
	}

	h, ok := manager.AgentHealth(agentID)
	if !ok {
		return AgentHealth{}, false, nil
	}
	return withBreakerStats(h, registry.Stats(agentID)), true, nil
}

// ResetCircuitBreaker force-closes the breaker for agentID. The bool is
// false when no breaker exists for it.
func (i *Integration) ResetCircuitBreaker(agentID string) (bool, error) {
	registry, _, _, err := i.components()
	if err != nil {
		return false, err
	}

	reset := registry.ResetBreaker(agentID)
	if reset {
		i.logger.Info("Circuit breaker reset", "agent_id", agentID)
	}
	return reset, nil
}

// UnhealthyAgents returns the agents whose last check failed
func (i *Integration) UnhealthyAgents() ([]AgentHealth, error) {
	manager, err := i.agentManager()
	if err != nil {
		return nil, err
	}
	return manager.UnhealthyAgents(), nil
}

// OpenCircuits returns the keys of every OPEN breaker
func (i *Integration) OpenCircuits() ([]string, error) {
	registry, _, _, err := i.components()
	if err != nil {
		return nil, err
	}
	return registry.BreakersInState(resilience.StateOpen), nil
}

// RunDiagnostic takes a timestamped snapshot of breakers and agents
func (i *Integration) RunDiagnostic() (*Diagnostic, error) {
	registry, _, manager, err := i.components()
	if err != nil {
		return nil, err
	}

	stateCount := make(map[string]int)
	for state, n := range registry.StateCount() {
		stateCount[state.String()] = n
	}
	openCircuits := registry.BreakersInState(resilience.StateOpen)
	agents := manager.AllAgentsHealth()
	unhealthy := manager.UnhealthyAgents()

	unavailable := make(map[string]struct{}, len(unhealthy)+len(openCircuits))
	for _, h := range unhealthy {
		unavailable[h.AgentID] = struct{}{}
	}
	known := make(map[string]struct{}, len(agents))
	for id := range agents {
		known[id] = struct{}{}
	}
	for _, key := range openCircuits {
		unavailable[key] = struct{}{}
		known[key] = struct{}{}
	}

	level := resilience.AssessDegradation(len(known), len(unavailable))
	d := &Diagnostic{
		Timestamp:        i.scheduler.Now(),
		Status:           statusForLevel(level),
		DegradationLevel: level,
		CircuitBreakers: CircuitSummary{
			StateCount:   stateCount,
			OpenCircuits: openCircuits,
			Stats:        registry.AllStats(),
		},
		Agents:          agents,
		UnhealthyAgents: unhealthy,
	}

	i.logger.Debug("Diagnostic snapshot taken",
		"status", string(d.Status),
		"agents", len(agents),
		"open_circuits", len(openCircuits),
	)
	return d, nil
}

// Shutdown stops every agent, detaches the enhanced bus and disposes the
// breakers. It does nothing before Initialize or after a previous
// Shutdown; the underlying bus is left connected.
func (i *Integration) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if !i.initialized {
		i.mu.Unlock()
		return nil
	}
	i.initialized = false
	registry, enhanced, manager := i.registry, i.bus, i.manager
	unsubscribe := i.unsubscribe
	i.registry, i.bus, i.manager, i.unsubscribe = nil, nil, nil, nil
	i.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	err := manager.Shutdown(ctx)
	enhanced.Close()
	registry.Dispose()

	i.logger.Info("Resilience integration shut down")
	return err
}

func (i *Integration) agentAlerts(ev AgentEvent) {
	if ev.Type != AgentEventGaveUp {
		return
	}

	alert := resilience.Alert{
		Severity:    resilience.SeverityCritical,
		Title:       "Agent Recovery Abandoned",
		Description: fmt.Sprintf("Agent '%s' failed %d times in a row; automatic restarts stopped", ev.AgentID, ev.Health.HealthCheck.ConsecutiveFailures),
		Source:      "agent_manager",
		Timestamp:   ev.Time,
		Tags:        map[string]string{"agent_id": ev.AgentID},
		Metadata: map[string]interface{}{
			"consecutiveFailures": ev.Health.HealthCheck.ConsecutiveFailures,
			"lastError":           ev.Health.HealthCheck.LastError,
		},
	}
	if err := i.alerts.SendAlert(context.Background(), alert); err != nil {
		i.logger.Error("Failed to send agent alert", "agent_id", ev.AgentID, "error", err)
	}
}

func withBreakerStats(h AgentHealth, stats resilience.Stats) AgentHealth {
	if h.Metrics == nil {
		h.Metrics = make(map[string]interface{}, 1)
	}
	h.Metrics["circuitBreaker"] = stats
	return h
}

func statusForLevel(level resilience.DegradationLevel) SystemStatus {
	switch level {
	case resilience.LevelNormal:
		return SystemHealthy
	case resilience.LevelPartial:
		return SystemDegraded
	default:
		return SystemCritical
	}
}

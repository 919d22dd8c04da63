package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/bus"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/tracing"
)

// healthFailureThreshold is the number of consecutive failed health checks
// that triggers failure handling.
const healthFailureThreshold = 3

var errManagerClosed = stderrors.New("agent manager is shut down")

// Agent is a long-running worker whose lifecycle the manager drives
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// AgentConfig is the registration record of an agent. RetryDelay grows
// with the restart backoff.
type AgentConfig struct {
	AgentID             string                 `json:"agentId"`
	AgentType           string                 `json:"agentType"`
	HealthCheckInterval time.Duration          `json:"healthCheckInterval"`
	RetryDelay          time.Duration          `json:"retryDelay"`
	MaxRetries          int                    `json:"maxRetries"`
	Settings            map[string]interface{} `json:"settings,omitempty"`
}

// AgentDefaults fill the zero fields of a registered AgentConfig
type AgentDefaults struct {
	HealthCheckInterval time.Duration
	RetryDelay          time.Duration
	MaxRetries          int
}

// DefaultAgentDefaults returns the standard agent defaults
func DefaultAgentDefaults() AgentDefaults {
	return AgentDefaults{
		HealthCheckInterval: 30 * time.Second,
		RetryDelay:          5 * time.Second,
		MaxRetries:          3,
	}
}

func (c AgentConfig) withDefaults(d AgentDefaults) AgentConfig {
	def := DefaultAgentDefaults()
	if d.HealthCheckInterval <= 0 {
		d.HealthCheckInterval = def.HealthCheckInterval
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = def.RetryDelay
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = def.MaxRetries
	}

	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	c.Settings = cloneMap(c.Settings)
	return c
}

// ManagerConfig contains agent manager configuration
type ManagerConfig struct {
	Defaults AgentDefaults
	Backoff  resilience.Backoff
	// ProbeTimeout bounds a single health check. Defaults to 30s.
	ProbeTimeout time.Duration

	Scheduler clock.Scheduler
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tracer    *tracing.TracingService
}

// AgentEventType identifies what an AgentEvent reports
type AgentEventType string

const (
	AgentEventStatusChanged    AgentEventType = "status_changed"
	AgentEventRestartScheduled AgentEventType = "restart_scheduled"
	AgentEventGaveUp           AgentEventType = "gave_up"
)

// AgentEvent is delivered to listeners on lifecycle changes
type AgentEvent struct {
	Type    AgentEventType
	AgentID string
	// From and To are set for status changes.
	From   AgentStatus
	To     AgentStatus
	Health AgentHealth
	// Delay is set for scheduled restarts.
	Delay time.Duration
	Time  time.Time
}

// AgentListener observes agent events. A panicking listener is recovered.
type AgentListener func(AgentEvent)

type agentListenerEntry struct {
	id uint64
	fn AgentListener
}

type managedAgent struct {
	config AgentConfig
	agent  Agent
	health AgentHealth

	running  bool
	starting bool
	// epoch changes on every start and stop so stale health ticks are ignored
	epoch       uint64
	healthTask  clock.Task
	restartTask clock.Task
	restartGen  uint64
	gaveUp      bool
}

// AgentManager owns the lifecycle state machine of every registered agent
// and restarts agents that stay unhealthy.
type AgentManager struct {
	bus          *bus.EnhancedBus
	defaults     AgentDefaults
	backoff      resilience.Backoff
	probeTimeout time.Duration
	scheduler    clock.Scheduler
	logger       *logging.Logger
	metrics      *metrics.Metrics
	tracer       *tracing.TracingService

	mu             sync.Mutex
	agents         map[string]*managedAgent
	listeners      []agentListenerEntry
	nextListenerID uint64
	closed         bool
}

// NewAgentManager creates an agent manager that publishes status changes
// through b. A nil bus disables status broadcasts and bus health probes.
func NewAgentManager(b *bus.EnhancedBus, config ManagerConfig) *AgentManager {
	if config.Backoff == (resilience.Backoff{}) {
		config.Backoff = resilience.DefaultBackoff()
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 30 * time.Second
	}
	if config.Scheduler == nil {
		config.Scheduler = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if config.Tracer == nil {
		config.Tracer = tracing.NewNoopService()
	}

	return &AgentManager{
		bus:          b,
		defaults:     config.Defaults,
		backoff:      config.Backoff,
		probeTimeout: config.ProbeTimeout,
		scheduler:    config.Scheduler,
		logger:       config.Logger,
		metrics:      config.Metrics,
		tracer:       config.Tracer,
		agents:       make(map[string]*managedAgent),
	}
}

// RegisterAgent stores the agent's config with defaults applied. A nil
// agent is probed by sending HEALTH_CHECK messages over the bus.
// Re-registering replaces the config; a running agent keeps its state and
// its current implementation.
func (am *AgentManager) RegisterAgent(config AgentConfig, agent Agent) error {
	if config.AgentID == "" {
		return errors.NewValidationError("agent id cannot be empty")
	}
	if agent == nil {
		if am.bus == nil {
			return errors.NewValidationError("agent cannot be nil without a message bus")
		}
		agent = &busProbeAgent{bus: am.bus, agentID: config.AgentID}
	}
	config = config.withDefaults(am.defaults)

	am.mu.Lock()
	if am.closed {
		am.mu.Unlock()
		return errors.NewInternalError(errManagerClosed.Error())
	}
	if m, exists := am.agents[config.AgentID]; exists {
		m.config = config
		if !m.running && !m.starting {
			m.agent = agent
		}
		am.mu.Unlock()
		am.logger.Info("Agent re-registered", "agent_id", config.AgentID)
		return nil
	}
	am.agents[config.AgentID] = &managedAgent{
		config: config,
		agent:  agent,
		health: newAgentHealth(config.AgentID, am.scheduler.Now()),
	}
	am.mu.Unlock()

	am.logger.LogAgentEvent(context.Background(), "registered", config.AgentID, logrus.Fields{
		"agent_type":            config.AgentType,
		"health_check_interval": config.HealthCheckInterval.String(),
		"max_retries":           config.MaxRetries,
	})
	return nil
}

// StartAgent starts a registered agent. Bootstrap failures are recorded in
// the agent's health and a restart is scheduled; only an unknown agent is
// reported as an error.
func (am *AgentManager) StartAgent(ctx context.Context, agentID string) error {
	if !am.isRegistered(agentID) {
		return errors.NewNotRegisteredError(agentID)
	}
	if err := am.start(ctx, agentID); err != nil && !stderrors.Is(err, errManagerClosed) {
		am.recordLifecycleFailure(agentID, "start", err)
	}
	return nil
}

// StartAllAgents starts every registered agent concurrently and waits for
// all attempts to settle
func (am *AgentManager) StartAllAgents(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range am.AgentIDs() {
		id := id
		g.Go(func() error {
			return am.StartAgent(ctx, id)
		})
	}
	return g.Wait()
}

// StopAgent stops a running agent. It always leaves the agent OFFLINE; a
// failing Stop is logged and recorded as the agent's last error.
func (am *AgentManager) StopAgent(ctx context.Context, agentID string) error {
	if !am.isRegistered(agentID) {
		return errors.NewNotRegisteredError(agentID)
	}
	am.stop(ctx, agentID)
	return nil
}

// RestartAgent stops the agent if it is running and starts it again.
// Failures are handled like StartAgent failures.
func (am *AgentManager) RestartAgent(ctx context.Context, agentID string) error {
	if !am.isRegistered(agentID) {
		return errors.NewNotRegisteredError(agentID)
	}
	am.metrics.RecordAgentRestart(agentID)
	if err := am.restart(ctx, agentID); err != nil && !stderrors.Is(err, errManagerClosed) {
		am.recordLifecycleFailure(agentID, "restart", err)
	}
	return nil
}

// SimulateAgentFailure marks a running agent as failed and runs failure
// handling immediately. It does nothing for an agent that is not running.
func (am *AgentManager) SimulateAgentFailure(agentID string) error {
	running, epoch, ok := am.runState(agentID)
	if !ok {
		return errors.NewNotRegisteredError(agentID)
	}
	if !running {
		return nil
	}

	am.logger.Warn("Simulating agent failure", "agent_id", agentID)
	guard := sameRun(epoch)
	_, applied := am.updateHealthIf(agentID, guard, func(AgentHealth) HealthUpdate {
		return HealthUpdate{
			Status:    ptr(StatusError),
			IsHealthy: ptr(false),
			LastError: ptr("simulated failure"),
		}
	})
	if applied {
		am.handleFailure(agentID, guard)
	}
	return nil
}

// MarkDegraded reports resource pressure on a running agent. The next
// passing health check returns it to READY.
func (am *AgentManager) MarkDegraded(agentID, reason string, agentMetrics map[string]interface{}) error {
	running, epoch, ok := am.runState(agentID)
	if !ok {
		return errors.NewNotRegisteredError(agentID)
	}
	if !running {
		return nil
	}

	am.updateHealthIf(agentID, sameRun(epoch), func(AgentHealth) HealthUpdate {
		return HealthUpdate{
			Status:    ptr(StatusDegraded),
			IsHealthy: ptr(false),
			LastError: ptr(reason),
			Metrics:   agentMetrics,
		}
	})
	return nil
}

// MarkBusy flips a running agent between BUSY and READY
func (am *AgentManager) MarkBusy(agentID string, busy bool) error {
	running, epoch, ok := am.runState(agentID)
	if !ok {
		return errors.NewNotRegisteredError(agentID)
	}
	if !running {
		return nil
	}

	status := StatusReady
	if busy {
		status = StatusBusy
	}
	am.updateHealthIf(agentID, sameRun(epoch), func(AgentHealth) HealthUpdate {
		return HealthUpdate{Status: &status}
	})
	return nil
}

// AgentHealth returns a copy of the agent's health record
func (am *AgentManager) AgentHealth(agentID string) (AgentHealth, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	m, ok := am.agents[agentID]
	if !ok {
		return AgentHealth{}, false
	}
	return m.health.Clone(), true
}

// AllAgentsHealth returns a copy of every health record keyed by agent id
func (am *AgentManager) AllAgentsHealth() map[string]AgentHealth {
	am.mu.Lock()
	defer am.mu.Unlock()

	all := make(map[string]AgentHealth, len(am.agents))
	for id, m := range am.agents {
		all[id] = m.health.Clone()
	}
	return all
}

// UnhealthyAgents returns the agents whose last health check failed,
// ordered by id
func (am *AgentManager) UnhealthyAgents() []AgentHealth {
	am.mu.Lock()
	out := make([]AgentHealth, 0)
	for _, m := range am.agents {
		if !m.health.HealthCheck.IsHealthy {
			out = append(out, m.health.Clone())
		}
	}
	am.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AgentConfig returns a copy of the agent's current configuration
func (am *AgentManager) AgentConfig(agentID string) (AgentConfig, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	m, ok := am.agents[agentID]
	if !ok {
		return AgentConfig{}, false
	}
	config := m.config
	config.Settings = cloneMap(m.config.Settings)
	return config, true
}

// AgentIDs returns the registered agent ids in sorted order
func (am *AgentManager) AgentIDs() []string {
	am.mu.Lock()
	ids := make([]string, 0, len(am.agents))
	for id := range am.agents {
		ids = append(ids, id)
	}
	am.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// IsRunning reports whether the agent is in the active set
func (am *AgentManager) IsRunning(agentID string) bool {
	running, _ := am.runningState(agentID)
	return running
}

// Subscribe registers a listener and returns a function that removes it
func (am *AgentManager) Subscribe(l AgentListener) func() {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.nextListenerID++
	id := am.nextListenerID
	am.listeners = append(am.listeners, agentListenerEntry{id: id, fn: l})

	return func() {
		am.mu.Lock()
		defer am.mu.Unlock()
		for i, entry := range am.listeners {
			if entry.id == id {
				am.listeners = append(am.listeners[:i:i], am.listeners[i+1:]...)
				return
			}
		}
	}
}

// Shutdown cancels every timer, stops every running agent concurrently and
// clears all state. Calling it again does nothing.
func (am *AgentManager) Shutdown(ctx context.Context) error {
	type runningAgent struct {
		id    string
		agent Agent
	}

	am.mu.Lock()
	if am.closed {
		am.mu.Unlock()
		return nil
	}
	am.closed = true

	var running []runningAgent
	for id, m := range am.agents {
		stopTask(&m.healthTask)
		stopTask(&m.restartTask)
		m.restartGen++
		m.epoch++
		if m.running {
			running = append(running, runningAgent{id: id, agent: m.agent})
			m.running = false
		}
	}
	am.mu.Unlock()

	var g errgroup.Group
	for _, r := range running {
		r := r
		g.Go(func() error {
			am.updateHealth(r.id, HealthUpdate{Status: ptr(StatusStopping)})
			if err := callAgent(func() error { return r.agent.Stop(ctx) }); err != nil {
				am.logger.Warn("Agent failed to stop during shutdown", "agent_id", r.id, "error", err)
			}
			am.updateHealth(r.id, HealthUpdate{Status: ptr(StatusOffline), IsHealthy: ptr(false)})
			return nil
		})
	}
	err := g.Wait()

	am.mu.Lock()
	am.agents = make(map[string]*managedAgent)
	am.listeners = nil
	am.mu.Unlock()

	am.logger.Info("Agent manager shut down", "stopped_agents", len(running))
	return err
}

func (am *AgentManager) start(ctx context.Context, agentID string) error {
	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok || am.closed {
		am.mu.Unlock()
		return errManagerClosed
	}
	if m.running || m.starting {
		am.mu.Unlock()
		am.logger.Info("Agent already running", "agent_id", agentID)
		return nil
	}
	m.starting = true
	agent := m.agent
	am.mu.Unlock()

	ctx, span := am.tracer.StartAgentSpan(logging.WithAgentID(ctx, agentID), agentID, "start")
	defer span.End()

	am.updateHealth(agentID, HealthUpdate{Status: ptr(StatusStarting)})
	err := callAgent(func() error { return agent.Start(ctx) })

	am.mu.Lock()
	m, ok = am.agents[agentID]
	if ok {
		m.starting = false
	}
	if !ok || am.closed {
		am.mu.Unlock()
		if err == nil {
			_ = callAgent(func() error { return agent.Stop(ctx) })
		}
		return errManagerClosed
	}
	if err != nil {
		am.mu.Unlock()
		am.tracer.RecordError(span, err)
		return err
	}

	m.running = true
	m.epoch++
	epoch := m.epoch
	stopTask(&m.healthTask)
	stopTask(&m.restartTask)
	m.restartGen++
	m.healthTask = am.scheduler.Every(m.config.HealthCheckInterval, func() {
		am.healthTick(agentID, epoch)
	})
	am.mu.Unlock()

	now := am.scheduler.Now()
	am.updateHealthIf(agentID, sameRun(epoch), func(AgentHealth) HealthUpdate {
		return HealthUpdate{
			Status:              ptr(StatusReady),
			IsHealthy:           ptr(true),
			ConsecutiveFailures: ptr(0),
			LastCheckTime:       &now,
		}
	})
	return nil
}

func (am *AgentManager) stop(ctx context.Context, agentID string) {
	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok {
		am.mu.Unlock()
		return
	}
	stopTask(&m.restartTask)
	m.restartGen++
	if !m.running {
		am.mu.Unlock()
		return
	}
	m.running = false
	m.epoch++
	stopTask(&m.healthTask)
	agent := m.agent
	am.mu.Unlock()

	ctx, span := am.tracer.StartAgentSpan(logging.WithAgentID(ctx, agentID), agentID, "stop")
	defer span.End()

	am.updateHealth(agentID, HealthUpdate{Status: ptr(StatusStopping)})
	if err := callAgent(func() error { return agent.Stop(ctx) }); err != nil {
		am.tracer.RecordError(span, err)
		am.logger.Warn("Agent failed to stop cleanly", "agent_id", agentID, "error", err)
		am.updateHealth(agentID, HealthUpdate{LastError: ptr(err.Error())})
	}
	am.updateHealth(agentID, HealthUpdate{Status: ptr(StatusOffline), IsHealthy: ptr(false)})
}

func (am *AgentManager) restart(ctx context.Context, agentID string) error {
	am.updateHealth(agentID, HealthUpdate{Status: ptr(StatusRestarting)})
	am.stop(ctx, agentID)
	return am.start(ctx, agentID)
}

// recordLifecycleFailure turns a failed operator start or restart into an
// ERROR record and hands the agent to failure handling.
func (am *AgentManager) recordLifecycleFailure(agentID, operation string, err error) {
	am.logger.Error("Agent lifecycle operation failed",
		"agent_id", agentID,
		"operation", operation,
		"error", err,
	)
	guard := am.idleGuard(agentID)
	_, applied := am.updateHealthIf(agentID, guard, func(h AgentHealth) HealthUpdate {
		return HealthUpdate{
			Status:              ptr(StatusError),
			IsHealthy:           ptr(false),
			ConsecutiveFailures: ptr(h.HealthCheck.ConsecutiveFailures + 1),
			LastError:           ptr(err.Error()),
		}
	})
	if applied {
		am.handleFailure(agentID, guard)
	}
}

func (am *AgentManager) healthTick(agentID string, epoch uint64) {
	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok || !m.running || m.epoch != epoch {
		am.mu.Unlock()
		return
	}
	agent := m.agent
	am.mu.Unlock()

	ctx, cancel := context.WithTimeout(logging.WithAgentID(context.Background(), agentID), am.probeTimeout)
	err := callAgent(func() error { return agent.HealthCheck(ctx) })
	cancel()

	// The agent may be stopped or restarted while the probe runs, so every
	// write below is dropped unless this run is still current.
	guard := sameRun(epoch)
	now := am.scheduler.Now()
	if err == nil {
		am.updateHealthIf(agentID, guard, func(AgentHealth) HealthUpdate {
			return HealthUpdate{
				Status:              ptr(StatusReady),
				IsHealthy:           ptr(true),
				ConsecutiveFailures: ptr(0),
				LastCheckTime:       &now,
			}
		})
		return
	}

	health, applied := am.updateHealthIf(agentID, guard, func(h AgentHealth) HealthUpdate {
		failures := h.HealthCheck.ConsecutiveFailures + 1
		// At the threshold failure handling marks the agent ERROR, so skip
		// the DEGRADED step.
		status := StatusDegraded
		if failures >= healthFailureThreshold {
			status = StatusError
		}
		return HealthUpdate{
			Status:              &status,
			IsHealthy:           ptr(false),
			ConsecutiveFailures: &failures,
			LastError:           ptr(err.Error()),
			LastCheckTime:       &now,
		}
	})
	if !applied {
		return
	}
	am.metrics.RecordHealthCheckFailure(agentID)

	am.logger.Warn("Agent health check failed",
		"agent_id", agentID,
		"consecutive_failures", health.HealthCheck.ConsecutiveFailures,
		"error", err,
	)
	if health.HealthCheck.ConsecutiveFailures >= healthFailureThreshold {
		am.handleFailure(agentID, guard)
	}
}

// handleFailure marks the agent ERROR and schedules a restart, or gives up
// once the failure streak exceeds twice MaxRetries. Nothing happens once
// guard no longer holds.
func (am *AgentManager) handleFailure(agentID string, guard agentGuard) {
	_, applied := am.updateHealthIf(agentID, guard, func(AgentHealth) HealthUpdate {
		return HealthUpdate{Status: ptr(StatusError), IsHealthy: ptr(false)}
	})
	if !applied {
		return
	}

	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok || am.closed || !guard(m) {
		am.mu.Unlock()
		return
	}

	failures := m.health.HealthCheck.ConsecutiveFailures
	if failures > 2*m.config.MaxRetries {
		stopTask(&m.restartTask)
		m.restartGen++
		first := !m.gaveUp
		m.gaveUp = true
		health := m.health.Clone()
		listeners := am.listenerSnapshot()
		am.mu.Unlock()

		if first {
			am.logger.Error("Giving up on agent after repeated failures",
				"agent_id", agentID,
				"consecutive_failures", failures,
				"max_retries", m.config.MaxRetries,
			)
			am.metrics.RecordGiveUp(agentID)
			am.notify(listeners, AgentEvent{
				Type:    AgentEventGaveUp,
				AgentID: agentID,
				From:    health.Status,
				To:      health.Status,
				Health:  health,
				Time:    am.scheduler.Now(),
			})
		}
		return
	}

	delay := m.config.RetryDelay
	am.scheduleRestartLocked(agentID, m, delay)
	health := m.health.Clone()
	listeners := am.listenerSnapshot()
	am.mu.Unlock()

	am.logger.Warn("Scheduling agent restart",
		"agent_id", agentID,
		"delay", delay.String(),
		"consecutive_failures", failures,
	)
	am.notify(listeners, AgentEvent{
		Type:    AgentEventRestartScheduled,
		AgentID: agentID,
		From:    health.Status,
		To:      health.Status,
		Health:  health,
		Delay:   delay,
		Time:    am.scheduler.Now(),
	})
}

// scheduleRestartLocked must be called with mu held.
func (am *AgentManager) scheduleRestartLocked(agentID string, m *managedAgent, delay time.Duration) {
	stopTask(&m.restartTask)
	m.restartGen++
	gen := m.restartGen
	m.restartTask = am.scheduler.AfterFunc(delay, func() {
		am.runScheduledRestart(agentID, gen)
	})
}

func (am *AgentManager) runScheduledRestart(agentID string, gen uint64) {
	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok || am.closed || m.restartGen != gen {
		am.mu.Unlock()
		return
	}
	m.restartTask = nil
	am.mu.Unlock()

	am.metrics.RecordAgentRestart(agentID)
	am.logger.Info("Restarting agent", "agent_id", agentID)

	err := am.restart(context.Background(), agentID)
	if err == nil || stderrors.Is(err, errManagerClosed) {
		return
	}

	am.mu.Lock()
	m, ok = am.agents[agentID]
	if !ok || am.closed || m.running {
		am.mu.Unlock()
		return
	}
	m.config.RetryDelay = am.backoff.Next(m.config.RetryDelay)
	nextDelay := m.config.RetryDelay
	guard := idleSince(m.restartGen)
	am.mu.Unlock()

	am.logger.Error("Agent restart failed",
		"agent_id", agentID,
		"next_delay", nextDelay.String(),
		"error", err,
	)
	_, applied := am.updateHealthIf(agentID, guard, func(h AgentHealth) HealthUpdate {
		return HealthUpdate{
			Status:              ptr(StatusError),
			IsHealthy:           ptr(false),
			ConsecutiveFailures: ptr(h.HealthCheck.ConsecutiveFailures + 1),
			LastError:           ptr(err.Error()),
		}
	})
	if applied {
		am.handleFailure(agentID, guard)
	}
}

func (am *AgentManager) updateHealth(agentID string, u HealthUpdate) (AgentHealth, bool) {
	return am.updateHealthIf(agentID, anyState, func(AgentHealth) HealthUpdate { return u })
}

// updateHealthIf merges the update built by fn from the current record,
// provided guard holds. fn runs with mu held and must not call back into
// the manager.
func (am *AgentManager) updateHealthIf(agentID string, guard agentGuard, fn func(AgentHealth) HealthUpdate) (AgentHealth, bool) {
	am.mu.Lock()
	m, ok := am.agents[agentID]
	if !ok || !guard(m) {
		am.mu.Unlock()
		return AgentHealth{}, false
	}

	from := m.health.Status
	changed := m.health.apply(fn(m.health), am.scheduler.Now())
	if m.health.HealthCheck.ConsecutiveFailures == 0 {
		m.gaveUp = false
	}
	health := m.health.Clone()
	listeners := am.listenerSnapshot()
	am.mu.Unlock()

	if changed {
		am.publishStatusChange(from, health, listeners)
	}
	return health, true
}

func (am *AgentManager) publishStatusChange(from AgentStatus, health AgentHealth, listeners []AgentListener) {
	am.logger.LogAgentEvent(context.Background(), "status_changed", health.AgentID, logrus.Fields{
		"from": string(from),
		"to":   string(health.Status),
	})
	am.metrics.RecordAgentStatus(health.AgentID, string(health.Status), health.HealthCheck.IsHealthy)

	if am.bus != nil {
		details := map[string]interface{}{"previousStatus": string(from)}
		if health.HealthCheck.LastError != "" {
			details["lastError"] = health.HealthCheck.LastError
		}
		am.bus.SendAgentStatusUpdate(context.Background(), health.AgentID, string(health.Status), details)
	}

	am.notify(listeners, AgentEvent{
		Type:    AgentEventStatusChanged,
		AgentID: health.AgentID,
		From:    from,
		To:      health.Status,
		Health:  health,
		Time:    health.LastStatusChangeTime,
	})
}

// listenerSnapshot must be called with mu held.
func (am *AgentManager) listenerSnapshot() []AgentListener {
	out := make([]AgentListener, len(am.listeners))
	for i, entry := range am.listeners {
		out[i] = entry.fn
	}
	return out
}

func (am *AgentManager) notify(listeners []AgentListener, ev AgentEvent) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					am.logger.Error("Agent listener panicked",
						"agent_id", ev.AgentID,
						"event", string(ev.Type),
						"panic", fmt.Sprint(r),
					)
				}
			}()
			l(ev)
		}()
	}
}

func (am *AgentManager) isRegistered(agentID string) bool {
	_, ok := am.runningState(agentID)
	return ok
}

func (am *AgentManager) runningState(agentID string) (running, registered bool) {
	running, _, registered = am.runState(agentID)
	return running, registered
}

func (am *AgentManager) runState(agentID string) (running bool, epoch uint64, registered bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	m, ok := am.agents[agentID]
	if !ok {
		return false, 0, false
	}
	return m.running, m.epoch, true
}

// idleGuard captures the agent's current restart generation for idleSince.
func (am *AgentManager) idleGuard(agentID string) agentGuard {
	am.mu.Lock()
	defer am.mu.Unlock()

	m, ok := am.agents[agentID]
	if !ok {
		return func(*managedAgent) bool { return false }
	}
	return idleSince(m.restartGen)
}

// agentGuard reports whether a decision taken without mu still applies to
// m. It is called with mu held.
type agentGuard func(m *managedAgent) bool

func anyState(*managedAgent) bool { return true }

// sameRun holds while the run that started at epoch is still active.
func sameRun(epoch uint64) agentGuard {
	return func(m *managedAgent) bool { return m.running && m.epoch == epoch }
}

// idleSince holds while a stopped agent has seen no stop, start or restart
// scheduling after gen was read.
func idleSince(gen uint64) agentGuard {
	return func(m *managedAgent) bool { return !m.running && !m.starting && m.restartGen == gen }
}

func stopTask(task *clock.Task) {
	if *task != nil {
		(*task).Stop()
		*task = nil
	}
}

// callAgent runs agent code, converting a panic into an error
func callAgent(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return fn()
}

// busProbeAgent is used for agents that live behind the message bus. Its
// health check is a breaker-protected HEALTH_CHECK message.
type busProbeAgent struct {
	bus     *bus.EnhancedBus
	agentID string
}

func (a *busProbeAgent) Start(ctx context.Context) error {
	return nil
}

func (a *busProbeAgent) Stop(ctx context.Context) error {
	return nil
}

func (a *busProbeAgent) HealthCheck(ctx context.Context) error {
	return a.bus.SendHealthCheck(ctx, a.agentID)
}

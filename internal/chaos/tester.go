// Package chaos drives a running resilience integration through synthetic
// failures and records how breakers and agents react.
package chaos

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/orchestrator"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
)

// FailureType selects what a test injects
type FailureType string

const (
	FailureMessageTimeout FailureType = "MESSAGE_TIMEOUT"
	FailureMessageError   FailureType = "MESSAGE_ERROR"
	FailureAgentCrash     FailureType = "AGENT_CRASH"
	FailureMemoryLeak     FailureType = "MEMORY_LEAK"
	FailureHighCPU        FailureType = "HIGH_CPU_USAGE"
	FailureRandom         FailureType = "RANDOM_FAILURES"
)

// concreteFailures are the types RANDOM_FAILURES picks from
var concreteFailures = []FailureType{
	FailureMessageTimeout,
	FailureMessageError,
	FailureAgentCrash,
	FailureMemoryLeak,
	FailureHighCPU,
}

// ParseFailureType accepts a failure type name in any case
func ParseFailureType(s string) (FailureType, error) {
	ft := FailureType(strings.ToUpper(strings.TrimSpace(s)))
	switch ft {
	case FailureMessageTimeout, FailureMessageError, FailureAgentCrash,
		FailureMemoryLeak, FailureHighCPU, FailureRandom:
		return ft, nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown failure type %q", s))
	}
}

// TestOptions describes one fault-injection run
type TestOptions struct {
	FailureType   FailureType `json:"failureType"`
	TargetAgentID string      `json:"targetAgentId"`
	// FailureRate is the probability that a tick injects a failure.
	FailureRate float64 `json:"failureRate"`
	// FailureCount is how many failures are injected before recovery.
	FailureCount         int           `json:"failureCount"`
	DelayBetweenFailures time.Duration `json:"delayBetweenFailures"`
	// Duration force-completes the test if injection has not finished.
	Duration       time.Duration `json:"duration"`
	RecoveryPeriod time.Duration `json:"recoveryPeriod"`
}

func (o TestOptions) withDefaults() TestOptions {
	if o.FailureRate == 0 {
		o.FailureRate = 1
	}
	if o.FailureCount == 0 {
		o.FailureCount = 5
	}
	if o.DelayBetweenFailures == 0 {
		o.DelayBetweenFailures = time.Second
	}
	if o.Duration == 0 {
		o.Duration = time.Minute
	}
	if o.RecoveryPeriod == 0 {
		o.RecoveryPeriod = 10 * time.Second
	}
	return o
}

// Validate checks the options after defaults are applied
func (o TestOptions) Validate() error {
	if _, err := ParseFailureType(string(o.FailureType)); err != nil {
		return err
	}
	if o.TargetAgentID == "" {
		return errors.NewValidationError("target agent id is required")
	}
	if o.FailureRate <= 0 || o.FailureRate > 1 {
		return errors.NewValidationError("failure rate must be in (0, 1]")
	}
	if o.FailureCount < 1 {
		return errors.NewValidationError("failure count must be positive")
	}
	if o.DelayBetweenFailures <= 0 || o.Duration <= 0 || o.RecoveryPeriod < 0 {
		return errors.NewValidationError("test timings must be positive")
	}
	return nil
}

// needsAgent reports whether the failure type acts on the agent manager
func (ft FailureType) needsAgent() bool {
	return ft != FailureMessageTimeout && ft != FailureMessageError
}

// TestStatus is the lifecycle state of a test
type TestStatus string

const (
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
	TestFailed    TestStatus = "failed"
)

// CircuitBreakerEvents counts the target breaker's transitions
type CircuitBreakerEvents struct {
	Opened   int `json:"opened"`
	Closed   int `json:"closed"`
	HalfOpen int `json:"halfOpen"`
}

// AgentEvents counts the target agent's lifecycle reactions
type AgentEvents struct {
	Restarted int `json:"restarted"`
	Recovered int `json:"recovered"`
	Degraded  int `json:"degraded"`
}

// TestStats are the counters of one test
type TestStats struct {
	FailuresSimulated    int                  `json:"failuresSimulated"`
	MessagesProcessed    int                  `json:"messagesProcessed"`
	CircuitBreakerEvents CircuitBreakerEvents `json:"circuitBreakerEvents"`
	AgentEvents          AgentEvents          `json:"agentEvents"`
}

// LogEntry is one line of a test's log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// TestResult is the record of one test
type TestResult struct {
	TestID    string      `json:"testId"`
	StartTime time.Time   `json:"startTime"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Options   TestOptions `json:"options"`
	Status    TestStatus  `json:"status"`
	Stats     TestStats   `json:"stats"`
	Logs      []LogEntry  `json:"logs"`
}

func (r TestResult) clone() TestResult {
	out := r
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	out.Logs = append([]LogEntry(nil), r.Logs...)
	return out
}

type runningTest struct {
	result TestResult

	tickTask     clock.Task
	recoveryTask clock.Task
	timeoutTask  clock.Task
	unsubscribe  []func()

	awaitingRecovery bool
}

func (rt *runningTest) log(now time.Time, format string, args ...interface{}) {
	rt.result.Logs = append(rt.result.Logs, LogEntry{
		Timestamp: now,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (rt *runningTest) stopTasks() {
	for _, task := range []*clock.Task{&rt.tickTask, &rt.recoveryTask, &rt.timeoutTask} {
		if *task != nil {
			(*task).Stop()
			*task = nil
		}
	}
}

// Option customizes a Tester
type Option func(*Tester)

// WithScheduler sets the clock that drives injection ticks
func WithScheduler(s clock.Scheduler) Option {
	return func(t *Tester) { t.scheduler = s }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(t *Tester) { t.logger = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tester) { t.metrics = m }
}

// WithRand sets the random source used for failure rates and random picks
func WithRand(r *rand.Rand) Option {
	return func(t *Tester) { t.rand = r }
}

// Tester runs fault-injection tests against an initialized integration
type Tester struct {
	integration *orchestrator.Integration
	scheduler   clock.Scheduler
	logger      *logging.Logger
	metrics     *metrics.Metrics

	randMu sync.Mutex
	rand   *rand.Rand

	mu       sync.Mutex
	tests    map[string]*runningTest
	disposed bool
}

// NewTester creates a tester for integration
func NewTester(integration *orchestrator.Integration, opts ...Option) *Tester {
	t := &Tester{
		integration: integration,
		tests:       make(map[string]*runningTest),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.scheduler == nil {
		t.scheduler = clock.Real()
	}
	if t.logger == nil {
		t.logger = logging.GetLogger()
	}
	if t.metrics == nil {
		t.metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if t.rand == nil {
		t.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return t
}

// RunTest validates opts, starts the test and returns its id. Injection
// runs on the scheduler; the call does not block.
func (t *Tester) RunTest(opts TestOptions) (string, error) {
	opts = opts.withDefaults()
	if opts.FailureType != "" {
		if ft, err := ParseFailureType(string(opts.FailureType)); err == nil {
			opts.FailureType = ft
		}
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}

	registry := t.integration.Registry()
	manager := t.integration.Manager()
	if registry == nil || manager == nil {
		return "", errors.NewNotInitializedError("resilience integration")
	}
	if opts.FailureType.needsAgent() {
		if _, ok := manager.AgentConfig(opts.TargetAgentID); !ok {
			return "", errors.NewNotRegisteredError(opts.TargetAgentID)
		}
	}

	id := uuid.New().String()
	now := t.scheduler.Now()
	rt := &runningTest{
		result: TestResult{
			TestID:    id,
			StartTime: now,
			Options:   opts,
			Status:    TestRunning,
			Logs:      make([]LogEntry, 0),
		},
	}
	rt.log(now, "Started %s test against %s: %d failures, rate %.2f, every %s",
		opts.FailureType, opts.TargetAgentID, opts.FailureCount, opts.FailureRate, opts.DelayBetweenFailures)

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return "", errors.NewInternalError("resilience tester is disposed")
	}
	t.tests[id] = rt
	rt.unsubscribe = []func(){
		registry.Subscribe(t.breakerListener(id, opts.TargetAgentID)),
		manager.Subscribe(t.agentListener(id, opts.TargetAgentID)),
	}
	rt.tickTask = t.scheduler.Every(opts.DelayBetweenFailures, func() { t.tick(id) })
	rt.timeoutTask = t.scheduler.AfterFunc(opts.Duration, func() {
		t.finish(id, TestCompleted, "Test duration of %s reached", opts.Duration)
	})
	t.mu.Unlock()

	t.logger.Info("Resilience test started",
		"test_id", id,
		"failure_type", string(opts.FailureType),
		"target", opts.TargetAgentID,
	)
	return id, nil
}

// TestResult returns a copy of a test's record
func (t *Tester) TestResult(testID string) (TestResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.tests[testID]
	if !ok {
		return TestResult{}, false
	}
	return rt.result.clone(), true
}

// AllTestResults returns copies of every record, oldest first
func (t *Tester) AllTestResults() []TestResult {
	t.mu.Lock()
	out := make([]TestResult, 0, len(t.tests))
	for _, rt := range t.tests {
		out = append(out, rt.result.clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TestID < out[j].TestID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// CancelTest stops a running test and marks it failed. Cancelling a
// finished test does nothing.
func (t *Tester) CancelTest(testID string) error {
	t.mu.Lock()
	_, ok := t.tests[testID]
	t.mu.Unlock()
	if !ok {
		return errors.NewTestNotFoundError(testID)
	}

	t.finish(testID, TestFailed, "Test cancelled")
	return nil
}

// Dispose cancels every running test. The tester accepts no new tests
// afterwards.
func (t *Tester) Dispose() {
	t.mu.Lock()
	t.disposed = true
	ids := make([]string, 0, len(t.tests))
	for id, rt := range t.tests {
		if rt.result.Status == TestRunning {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.finish(id, TestFailed, "Tester disposed")
	}
}

func (t *Tester) tick(testID string) {
	t.mu.Lock()
	rt, ok := t.tests[testID]
	if !ok || rt.result.Status != TestRunning || rt.tickTask == nil {
		t.mu.Unlock()
		return
	}
	opts := rt.result.Options
	t.mu.Unlock()

	if !t.roll(opts.FailureRate) {
		return
	}

	failureType := opts.FailureType
	if failureType == FailureRandom {
		failureType = t.pick()
	}
	outcome, injected, err := t.inject(failureType, opts.TargetAgentID)
	if err != nil {
		t.finish(testID, TestFailed, "Failed to inject %s: %v", failureType, err)
		return
	}
	if injected {
		t.metrics.RecordInjectedFailure(string(failureType), opts.TargetAgentID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok = t.tests[testID]
	if !ok || rt.result.Status != TestRunning {
		return
	}
	now := t.scheduler.Now()
	if !injected {
		rt.log(now, "Skipped %s on %s: %s", failureType, opts.TargetAgentID, outcome)
		return
	}
	rt.result.Stats.FailuresSimulated++
	rt.log(now, "Injected %s into %s (%d/%d): %s",
		failureType, opts.TargetAgentID, rt.result.Stats.FailuresSimulated, opts.FailureCount, outcome)

	if rt.result.Stats.FailuresSimulated >= opts.FailureCount && rt.tickTask != nil {
		rt.tickTask.Stop()
		rt.tickTask = nil
		rt.log(now, "All failures injected; observing recovery for %s", opts.RecoveryPeriod)
		rt.recoveryTask = t.scheduler.AfterFunc(opts.RecoveryPeriod, func() {
			t.finish(testID, TestCompleted, "Recovery period elapsed")
		})
	}
}

// inject performs one failure and describes what happened. injected is
// false when the failure could not apply to the target's current state.
func (t *Tester) inject(failureType FailureType, target string) (outcome string, injected bool, err error) {
	registry := t.integration.Registry()
	manager := t.integration.Manager()
	if registry == nil || manager == nil {
		return "", false, errors.NewNotInitializedError("resilience integration")
	}
	if failureType.needsAgent() && !manager.IsRunning(target) {
		return "agent not running", false, nil
	}

	switch failureType {
	case FailureMessageTimeout:
		ctx, cancel := context.WithDeadline(context.Background(), t.scheduler.Now().Add(-time.Second))
		defer cancel()
		err := registry.GetBreaker(target).Do(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return fmt.Errorf("injected message timeout: %w", ctx.Err())
		})
		if resilience.IsCircuitOpenError(err) {
			return "rejected by open circuit", true, nil
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return "message timed out", true, nil
		}
		return "", false, fmt.Errorf("unexpected timeout outcome: %v", err)

	case FailureMessageError:
		registry.GetBreaker(target).RegisterFailure(stderrors.New("injected message error"))
		return "breaker failure recorded", true, nil

	case FailureAgentCrash:
		if err := manager.SimulateAgentFailure(target); err != nil {
			return "", false, err
		}
		return "agent crashed", true, nil

	case FailureMemoryLeak:
		usage := 512 + t.intn(512)
		err := manager.MarkDegraded(target, "injected memory leak", map[string]interface{}{
			"memoryUsageMB":  usage,
			"memoryLeakRate": "50MB/min",
		})
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("memory usage raised to %dMB", usage), true, nil

	case FailureHighCPU:
		usage := 90 + t.intn(10)
		err := manager.MarkDegraded(target, "injected high cpu usage", map[string]interface{}{
			"cpuPercent": usage,
		})
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("cpu usage raised to %d%%", usage), true, nil

	default:
		return "", false, fmt.Errorf("cannot inject %s", failureType)
	}
}

func (t *Tester) finish(testID string, status TestStatus, format string, args ...interface{}) {
	t.mu.Lock()
	rt, ok := t.tests[testID]
	if !ok || rt.result.Status != TestRunning {
		t.mu.Unlock()
		return
	}
	rt.stopTasks()
	unsubscribe := rt.unsubscribe
	rt.unsubscribe = nil

	now := t.scheduler.Now()
	rt.log(now, format, args...)
	rt.result.Status = status
	rt.result.EndTime = &now
	stats := rt.result.Stats
	t.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}

	t.logger.Info("Resilience test finished",
		"test_id", testID,
		"status", string(status),
		"failures_simulated", stats.FailuresSimulated,
		"circuit_opened", stats.CircuitBreakerEvents.Opened,
		"agent_restarts", stats.AgentEvents.Restarted,
	)
}

func (t *Tester) breakerListener(testID, target string) resilience.Listener {
	return func(ev resilience.Event) {
		if ev.Key != target {
			return
		}
		t.update(testID, func(rt *runningTest) {
			stats := &rt.result.Stats
			switch ev.Type {
			case resilience.EventSuccess, resilience.EventFailure:
				stats.MessagesProcessed++
			case resilience.EventStateChange:
				switch ev.To {
				case resilience.StateOpen:
					stats.CircuitBreakerEvents.Opened++
				case resilience.StateHalfOpen:
					stats.CircuitBreakerEvents.HalfOpen++
				case resilience.StateClosed:
					stats.CircuitBreakerEvents.Closed++
				}
				rt.log(ev.Time, "Circuit %s: %s -> %s", target, ev.From, ev.To)
			}
		})
	}
}

func (t *Tester) agentListener(testID, target string) orchestrator.AgentListener {
	return func(ev orchestrator.AgentEvent) {
		if ev.AgentID != target {
			return
		}
		t.update(testID, func(rt *runningTest) {
			stats := &rt.result.Stats
			switch ev.Type {
			case orchestrator.AgentEventStatusChanged:
				switch ev.To {
				case orchestrator.StatusRestarting:
					stats.AgentEvents.Restarted++
				case orchestrator.StatusDegraded:
					stats.AgentEvents.Degraded++
					rt.awaitingRecovery = true
				case orchestrator.StatusError:
					rt.awaitingRecovery = true
				case orchestrator.StatusReady:
					if rt.awaitingRecovery {
						stats.AgentEvents.Recovered++
						rt.awaitingRecovery = false
					}
				}
				rt.log(ev.Time, "Agent %s: %s -> %s", target, ev.From, ev.To)
			case orchestrator.AgentEventGaveUp:
				rt.log(ev.Time, "Agent %s abandoned after %d failures", target, ev.Health.HealthCheck.ConsecutiveFailures)
			}
		})
	}
}

func (t *Tester) update(testID string, fn func(*runningTest)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.tests[testID]
	if !ok || rt.result.Status != TestRunning {
		return
	}
	fn(rt)
}

func (t *Tester) roll(rate float64) bool {
	if rate >= 1 {
		return true
	}
	t.randMu.Lock()
	defer t.randMu.Unlock()
	return t.rand.Float64() < rate
}

func (t *Tester) pick() FailureType {
	return concreteFailures[t.intn(len(concreteFailures))]
}

func (t *Tester) intn(n int) int {
	t.randMu.Lock()
	defer t.randMu.Unlock()
	return t.rand.Intn(n)
}

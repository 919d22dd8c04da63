package chaos

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/bus"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/orchestrator"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock/clocktest"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type healthyAgent struct{}

func (healthyAgent) Start(ctx context.Context) error       { return nil }
func (healthyAgent) Stop(ctx context.Context) error        { return nil }
func (healthyAgent) HealthCheck(ctx context.Context) error { return nil }

type testerFixture struct {
	sched       *clocktest.Scheduler
	integration *orchestrator.Integration
	tester      *Tester
}

func newTesterFixture(t *testing.T) *testerFixture {
	t.Helper()
	logger := logging.NewNopLogger()
	f := &testerFixture{sched: clocktest.New(epoch)}

	f.integration = orchestrator.NewIntegration(bus.NewMemoryBus(logger),
		orchestrator.WithScheduler(f.sched),
		orchestrator.WithLogger(logger),
		orchestrator.WithBreakerOptions(resilience.Options{FailureThreshold: 2, ResetTimeout: 30 * time.Second}),
	)
	require.NoError(t, f.integration.Initialize())

	require.NoError(t, f.integration.RegisterAgent(orchestrator.AgentConfig{
		AgentID:             "svc",
		HealthCheckInterval: 5 * time.Second,
	}, healthyAgent{}))
	require.NoError(t, f.integration.StartAgent(context.Background(), "svc"))

	f.tester = NewTester(f.integration,
		WithScheduler(f.sched),
		WithLogger(logger),
		WithRand(rand.New(rand.NewSource(42))),
	)
	t.Cleanup(func() {
		f.tester.Dispose()
		_ = f.integration.Shutdown(context.Background())
	})
	return f
}

func (f *testerFixture) run(t *testing.T, opts TestOptions) string {
	t.Helper()
	id, err := f.tester.RunTest(opts)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (f *testerFixture) result(t *testing.T, id string) TestResult {
	t.Helper()
	r, ok := f.tester.TestResult(id)
	require.True(t, ok)
	return r
}

func TestParseFailureType(t *testing.T) {
	ft, err := ParseFailureType(" agent_crash ")
	require.NoError(t, err)
	assert.Equal(t, FailureAgentCrash, ft)

	_, err = ParseFailureType("DISK_FULL")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestTester_RunTestValidation(t *testing.T) {
	f := newTesterFixture(t)

	tests := []struct {
		name string
		opts TestOptions
		code string
	}{
		{
			name: "unknown failure type",
			opts: TestOptions{FailureType: "DISK_FULL", TargetAgentID: "svc"},
			code: "VALIDATION_ERROR",
		},
		{
			name: "missing target",
			opts: TestOptions{FailureType: FailureMessageError},
			code: "VALIDATION_ERROR",
		},
		{
			name: "rate above one",
			opts: TestOptions{FailureType: FailureMessageError, TargetAgentID: "svc", FailureRate: 1.5},
			code: "VALIDATION_ERROR",
		},
		{
			name: "negative count",
			opts: TestOptions{FailureType: FailureMessageError, TargetAgentID: "svc", FailureCount: -1},
			code: "VALIDATION_ERROR",
		},
		{
			name: "unregistered agent",
			opts: TestOptions{FailureType: FailureAgentCrash, TargetAgentID: "ghost"},
			code: "AGENT_NOT_REGISTERED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tester.RunTest(tt.opts)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}

	assert.Empty(t, f.tester.AllTestResults())
}

func TestTester_RequiresInitializedIntegration(t *testing.T) {
	integration := orchestrator.NewIntegration(bus.NewMemoryBus(logging.NewNopLogger()))
	tester := NewTester(integration, WithLogger(logging.NewNopLogger()))

	_, err := tester.RunTest(TestOptions{FailureType: FailureMessageError, TargetAgentID: "svc"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, "NOT_INITIALIZED"))
}

func TestTester_MessageErrorOpensCircuit(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureMessageError,
		TargetAgentID:        "svc",
		FailureCount:         3,
		DelayBetweenFailures: time.Second,
		RecoveryPeriod:       5 * time.Second,
	})

	r := f.result(t, id)
	assert.Equal(t, TestRunning, r.Status)
	assert.Equal(t, epoch, r.StartTime)
	assert.Nil(t, r.EndTime)
	assert.Equal(t, time.Minute, r.Options.Duration)

	f.sched.Advance(2 * time.Second)
	assert.Equal(t, resilience.StateOpen, f.integration.Registry().Stats("svc").State)

	f.sched.Advance(time.Second)
	r = f.result(t, id)
	assert.Equal(t, TestRunning, r.Status, "still observing recovery")
	assert.Equal(t, 3, r.Stats.FailuresSimulated)

	f.sched.Advance(5 * time.Second)
	r = f.result(t, id)
	assert.Equal(t, TestCompleted, r.Status)
	require.NotNil(t, r.EndTime)
	assert.Equal(t, epoch.Add(8*time.Second), *r.EndTime)
	assert.Equal(t, 3, r.Stats.FailuresSimulated)
	assert.Equal(t, 3, r.Stats.MessagesProcessed)
	assert.Equal(t, 1, r.Stats.CircuitBreakerEvents.Opened)
	assert.Zero(t, r.Stats.CircuitBreakerEvents.HalfOpen)
	assert.True(t, strings.HasPrefix(r.Logs[0].Message, "Started MESSAGE_ERROR test"))
	assert.Equal(t, "Recovery period elapsed", r.Logs[len(r.Logs)-1].Message)

	// Counting stops once the test is over.
	f.sched.Advance(30 * time.Second)
	assert.Zero(t, f.result(t, id).Stats.CircuitBreakerEvents.HalfOpen)
}

func TestTester_MessageTimeout(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureMessageTimeout,
		TargetAgentID:        "svc",
		FailureCount:         3,
		DelayBetweenFailures: time.Second,
	})
	f.sched.Advance(3 * time.Second)

	r := f.result(t, id)
	assert.Equal(t, 3, r.Stats.FailuresSimulated)
	assert.Equal(t, 2, r.Stats.MessagesProcessed, "the third send is rejected by the open circuit")
	assert.Equal(t, 1, r.Stats.CircuitBreakerEvents.Opened)
	assert.Contains(t, f.integration.Registry().Stats("svc").LastError, "deadline exceeded")

	var rejected bool
	for _, entry := range r.Logs {
		if strings.Contains(entry.Message, "rejected by open circuit") {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestTester_AgentCrashRecovers(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureAgentCrash,
		TargetAgentID:        "svc",
		FailureCount:         1,
		DelayBetweenFailures: time.Second,
		RecoveryPeriod:       10 * time.Second,
	})

	f.sched.Advance(time.Second)
	h, _ := f.integration.Manager().AgentHealth("svc")
	assert.Equal(t, orchestrator.StatusError, h.Status)

	f.sched.Advance(10 * time.Second)
	r := f.result(t, id)
	assert.Equal(t, TestCompleted, r.Status)
	assert.Equal(t, 1, r.Stats.FailuresSimulated)
	assert.Equal(t, 1, r.Stats.AgentEvents.Restarted)
	assert.Equal(t, 1, r.Stats.AgentEvents.Recovered)

	h, _ = f.integration.Manager().AgentHealth("svc")
	assert.Equal(t, orchestrator.StatusReady, h.Status)
}

func TestTester_MemoryLeakDegradesAgent(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureMemoryLeak,
		TargetAgentID:        "svc",
		FailureCount:         1,
		DelayBetweenFailures: time.Second,
		RecoveryPeriod:       10 * time.Second,
	})

	f.sched.Advance(time.Second)
	h, _ := f.integration.Manager().AgentHealth("svc")
	assert.Equal(t, orchestrator.StatusDegraded, h.Status)
	assert.Contains(t, h.Metrics, "memoryUsageMB")

	f.sched.Advance(10 * time.Second)
	r := f.result(t, id)
	assert.Equal(t, TestCompleted, r.Status)
	assert.Equal(t, 1, r.Stats.AgentEvents.Degraded)
	assert.Equal(t, 1, r.Stats.AgentEvents.Recovered)
	assert.Zero(t, r.Stats.AgentEvents.Restarted)
}

func TestTester_StoppedAgentIsSkipped(t *testing.T) {
	for _, ft := range []FailureType{FailureAgentCrash, FailureMemoryLeak, FailureHighCPU} {
		t.Run(string(ft), func(t *testing.T) {
			f := newTesterFixture(t)
			require.NoError(t, f.integration.StopAgent(context.Background(), "svc"))

			id := f.run(t, TestOptions{
				FailureType:          ft,
				TargetAgentID:        "svc",
				FailureCount:         1,
				DelayBetweenFailures: time.Second,
			})
			f.sched.Advance(3 * time.Second)

			r := f.result(t, id)
			assert.Equal(t, TestRunning, r.Status, "nothing was injected, so the test keeps going")
			assert.Zero(t, r.Stats.FailuresSimulated)

			skipped := 0
			for _, entry := range r.Logs {
				assert.False(t, strings.HasPrefix(entry.Message, "Injected "), entry.Message)
				if strings.HasPrefix(entry.Message, "Skipped ") {
					skipped++
					assert.Contains(t, entry.Message, "agent not running")
				}
			}
			assert.Equal(t, 3, skipped)

			h, _ := f.integration.Manager().AgentHealth("svc")
			assert.Equal(t, orchestrator.StatusOffline, h.Status)
			assert.Empty(t, h.Metrics)
		})
	}
}

func TestTester_HighCPU(t *testing.T) {
	f := newTesterFixture(t)

	f.run(t, TestOptions{
		FailureType:          FailureHighCPU,
		TargetAgentID:        "svc",
		FailureCount:         1,
		DelayBetweenFailures: time.Second,
	})
	f.sched.Advance(time.Second)

	h, _ := f.integration.Manager().AgentHealth("svc")
	assert.Equal(t, orchestrator.StatusDegraded, h.Status)
	cpu, ok := h.Metrics["cpuPercent"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, cpu, 90)
	assert.Less(t, cpu, 100)
}

func TestTester_RandomFailures(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureRandom,
		TargetAgentID:        "svc",
		FailureCount:         5,
		DelayBetweenFailures: time.Second,
		RecoveryPeriod:       time.Second,
	})
	f.sched.Advance(6 * time.Second)

	r := f.result(t, id)
	assert.Equal(t, TestCompleted, r.Status)
	assert.Equal(t, 5, r.Stats.FailuresSimulated)

	injected := 0
	for _, entry := range r.Logs {
		if !strings.HasPrefix(entry.Message, "Injected ") {
			continue
		}
		injected++
		assert.NotContains(t, entry.Message, string(FailureRandom))
	}
	assert.Equal(t, 5, injected)
}

func TestTester_DurationForcesCompletion(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureMessageError,
		TargetAgentID:        "svc",
		FailureRate:          0.000001,
		FailureCount:         3,
		DelayBetweenFailures: time.Second,
		Duration:             10 * time.Second,
	})
	f.sched.Advance(10 * time.Second)

	r := f.result(t, id)
	assert.Equal(t, TestCompleted, r.Status)
	assert.Zero(t, r.Stats.FailuresSimulated)
	assert.Contains(t, r.Logs[len(r.Logs)-1].Message, "duration")
}

func TestTester_CancelTest(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{
		FailureType:          FailureMessageError,
		TargetAgentID:        "svc",
		FailureCount:         10,
		DelayBetweenFailures: time.Second,
	})
	f.sched.Advance(time.Second)

	require.NoError(t, f.tester.CancelTest(id))
	r := f.result(t, id)
	assert.Equal(t, TestFailed, r.Status)
	require.NotNil(t, r.EndTime)
	assert.Equal(t, epoch.Add(time.Second), *r.EndTime)
	assert.Equal(t, "Test cancelled", r.Logs[len(r.Logs)-1].Message)

	f.sched.Advance(10 * time.Second)
	assert.Equal(t, 1, f.result(t, id).Stats.FailuresSimulated)

	require.NoError(t, f.tester.CancelTest(id))
	assert.Len(t, f.result(t, id).Logs, len(r.Logs))

	err := f.tester.CancelTest("missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, "TEST_NOT_FOUND"))
}

func TestTester_Dispose(t *testing.T) {
	f := newTesterFixture(t)
	opts := TestOptions{FailureType: FailureMessageError, TargetAgentID: "svc", FailureCount: 10}

	first := f.run(t, opts)
	f.sched.Advance(time.Second)
	second := f.run(t, opts)

	f.tester.Dispose()

	for _, id := range []string{first, second} {
		r := f.result(t, id)
		assert.Equal(t, TestFailed, r.Status)
		assert.Equal(t, "Tester disposed", r.Logs[len(r.Logs)-1].Message)
	}

	all := f.tester.AllTestResults()
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].TestID)
	assert.Equal(t, second, all[1].TestID)

	_, err := f.tester.RunTest(opts)
	assert.Error(t, err)
}

func TestTester_ResultsAreCopies(t *testing.T) {
	f := newTesterFixture(t)

	id := f.run(t, TestOptions{FailureType: FailureMessageError, TargetAgentID: "svc", FailureCount: 1})
	f.sched.Advance(time.Minute)

	r := f.result(t, id)
	require.NotNil(t, r.EndTime)
	r.Logs[0].Message = "changed"
	*r.EndTime = epoch

	fresh := f.result(t, id)
	assert.NotEqual(t, "changed", fresh.Logs[0].Message)
	assert.NotEqual(t, epoch, *fresh.EndTime)

	_, ok := f.tester.TestResult("missing")
	assert.False(t, ok)
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock/clocktest"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clocktest.Scheduler) {
	t.Helper()
	sched := clocktest.New(epoch)
	opts.Scheduler = sched
	opts.Logger = logging.NewNopLogger()
	r := NewRegistry(opts)
	t.Cleanup(r.Dispose)
	return r, sched
}

func TestRegistry_GetBreakerIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{FailureThreshold: 2})

	a := r.GetBreaker("x")
	b := r.GetBreaker("x")
	require.Same(t, a, b)

	a.RegisterFailure(errBoom)
	b.RegisterFailure(errBoom)
	assert.Equal(t, StateOpen, r.Stats("x").State)
}

func TestRegistry_UnknownKeyStats(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	stats := r.Stats("never-seen")
	assert.Equal(t, Stats{Key: "never-seen", State: StateClosed}, stats)
	assert.False(t, r.HasBreaker("never-seen"))
}

func TestRegistry_RemoveAndReset(t *testing.T) {
	r, _ := newTestRegistry(t, Options{FailureThreshold: 1})

	assert.False(t, r.ResetBreaker("missing"))
	assert.False(t, r.RemoveBreaker("missing"))

	cb := r.GetBreaker("x")
	cb.RegisterFailure(errBoom)
	assert.True(t, r.ResetBreaker("x"))
	assert.Equal(t, StateClosed, cb.State())

	assert.True(t, r.RemoveBreaker("x"))
	assert.False(t, r.HasBreaker("x"))
	_, err := cb.Execute(context.Background(), succeeding)
	assert.ErrorIs(t, err, ErrBreakerDisposed)
}

func TestRegistry_StateQueries(t *testing.T) {
	r, sched := newTestRegistry(t, Options{FailureThreshold: 1, ResetTimeout: time.Second})

	r.GetBreaker("a")
	r.GetBreaker("b").RegisterFailure(errBoom)
	r.GetBreaker("c").RegisterFailure(errBoom)
	sched.Advance(time.Second)
	r.GetBreaker("d").RegisterFailure(errBoom)

	assert.Equal(t, []string{"d"}, r.BreakersInState(StateOpen))
	assert.Equal(t, []string{"b", "c"}, r.BreakersInState(StateHalfOpen))
	assert.Equal(t, map[CircuitState]int{
		StateClosed:   1,
		StateOpen:     1,
		StateHalfOpen: 2,
	}, r.StateCount())

	all := r.AllStats()
	assert.Len(t, all, 4)
	assert.Equal(t, StateOpen, all["d"].State)
	assert.Equal(t, []string{"a", "b", "c", "d"}, r.Keys())

	r.ResetAll()
	assert.Empty(t, r.BreakersInState(StateOpen))
	assert.Equal(t, 4, r.StateCount()[StateClosed])
}

func TestRegistry_SubscribeCoversFutureBreakers(t *testing.T) {
	r, _ := newTestRegistry(t, Options{FailureThreshold: 1})

	var transitions []string
	unsubscribe := r.Subscribe(func(ev Event) {
		if ev.Type == EventStateChange {
			transitions = append(transitions, ev.Key+":"+ev.To.String())
		}
	})

	r.GetBreaker("early").RegisterFailure(errBoom)
	r.GetBreaker("late").RegisterFailure(errBoom)
	unsubscribe()
	r.ResetAll()

	assert.ElementsMatch(t, []string{"early:OPEN", "late:OPEN"}, transitions)
}

func TestRegistry_Dispose(t *testing.T) {
	r, sched := newTestRegistry(t, Options{FailureThreshold: 1, MonitorInterval: time.Second})
	r.GetBreaker("a").RegisterFailure(errBoom)
	r.GetBreaker("b")

	r.Dispose()
	assert.Empty(t, r.Keys())
	assert.Equal(t, 0, sched.Pending())
}

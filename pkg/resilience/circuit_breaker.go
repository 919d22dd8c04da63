package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probing whether the dependency recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name so JSON output stays readable.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *CircuitState) UnmarshalText(text []byte) error {
	parsed, err := ParseCircuitState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseCircuitState parses CLOSED, OPEN or HALF_OPEN (case-insensitive).
func ParseCircuitState(s string) (CircuitState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN", "HALF-OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// Options configures a circuit breaker.
type Options struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	FailureThreshold int
	// HalfOpenSuccessThreshold is the number of successes needed in the
	// half-open state to close the circuit again.
	HalfOpenSuccessThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// MonitorInterval is the period of the stuck-circuit check. Zero
	// disables the monitor.
	MonitorInterval time.Duration

	Scheduler clock.Scheduler
	Logger    *logging.Logger
}

// DefaultOptions returns the default breaker configuration
func DefaultOptions() Options {
	return Options{
		FailureThreshold:         5,
		HalfOpenSuccessThreshold: 2,
		ResetTimeout:             30 * time.Second,
		MonitorInterval:          60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.HalfOpenSuccessThreshold <= 0 {
		o.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = def.ResetTimeout
	}
	if o.MonitorInterval < 0 {
		o.MonitorInterval = 0
	}
	if o.Scheduler == nil {
		o.Scheduler = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger()
	}
	return o
}

// Stats is a point-in-time copy of a breaker's counters.
type Stats struct {
	Key                 string       `json:"key"`
	State               CircuitState `json:"state"`
	Failures            int          `json:"failures"`
	Successes           int          `json:"successes"`
	OpenCount           int          `json:"openCount"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailureTime     *time.Time   `json:"lastFailureTime,omitempty"`
	LastSuccessTime     *time.Time   `json:"lastSuccessTime,omitempty"`
	LastStateChangeTime *time.Time   `json:"lastStateChangeTime,omitempty"`
}

// EventType identifies what a breaker event reports.
type EventType string

const (
	EventSuccess     EventType = "success"
	EventFailure     EventType = "failure"
	EventStateChange EventType = "state_change"
)

// Event is delivered to listeners after every recorded outcome and every
// state transition.
type Event struct {
	Key  string
	Type EventType
	// From and To are set for state changes.
	From CircuitState
	To   CircuitState
	// Err is set for failures.
	Err  error
	Time time.Time
}

// Listener observes breaker events. Listeners run outside the breaker's
// lock; a panicking listener is recovered and does not affect others.
type Listener func(Event)

// ErrBreakerDisposed is returned by Execute after Dispose.
var ErrBreakerDisposed = errors.New("circuit breaker disposed")

// CircuitOpenError is returned when a call is rejected because the circuit is open
type CircuitOpenError struct {
	Key   string
	State CircuitState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Key, e.State.String())
}

// IsCircuitOpenError checks if an error is a circuit open rejection
func IsCircuitOpenError(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// CircuitBreaker guards a single named dependency. Once FailureThreshold
// consecutive failures are recorded it rejects calls until ResetTimeout
// has passed, then lets calls through on probation.
type CircuitBreaker struct {
	key       string
	opts      Options
	scheduler clock.Scheduler
	logger    *logging.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	openCount   int
	lastError   string
	lastFailure time.Time
	lastSuccess time.Time
	lastChange  time.Time
	generation  uint64
	resetTask   clock.Task
	monitorTask clock.Task
	disposed    bool

	listeners      []listenerEntry
	nextListenerID uint64
}

// NewCircuitBreaker creates a breaker for key. Zero-valued options fall
// back to DefaultOptions.
func NewCircuitBreaker(key string, opts Options) *CircuitBreaker {
	opts = opts.withDefaults()
	cb := &CircuitBreaker{
		key:       key,
		opts:      opts,
		scheduler: opts.Scheduler,
		logger:    opts.Logger,
		state:     StateClosed,
	}
	if opts.MonitorInterval > 0 {
		cb.monitorTask = cb.scheduler.Every(opts.MonitorInterval, cb.checkStuck)
	}
	return cb
}

// Key returns the dependency key the breaker guards
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Execute runs req if the circuit admits it. An open circuit fails fast
// with *CircuitOpenError and req is not called. Errors from req are
// recorded and returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.admit(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RegisterFailure(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err := req(ctx)
	if err != nil {
		cb.RegisterFailure(err)
		return result, err
	}
	cb.RegisterSuccess()
	return result, nil
}

// Do is Execute for operations without a result
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disposed {
		return ErrBreakerDisposed
	}
	if cb.state == StateOpen {
		return &CircuitOpenError{Key: cb.key, State: cb.state}
	}
	return nil
}

// RegisterSuccess records a successful call
func (cb *CircuitBreaker) RegisterSuccess() {
	cb.mu.Lock()
	if cb.disposed {
		cb.mu.Unlock()
		return
	}

	now := cb.scheduler.Now()
	cb.successes++
	cb.lastSuccess = now
	if cb.state == StateClosed {
		cb.failures = 0
	}

	events := []Event{{Key: cb.key, Type: EventSuccess, Time: now}}
	if cb.state == StateHalfOpen && cb.successes >= cb.opts.HalfOpenSuccessThreshold {
		events = append(events, cb.transition(StateClosed, now))
	}
	listeners := cb.listenerSnapshot()
	cb.mu.Unlock()

	cb.emit(listeners, events)
}

// RegisterFailure records a failed call
func (cb *CircuitBreaker) RegisterFailure(err error) {
	cb.mu.Lock()
	if cb.disposed {
		cb.mu.Unlock()
		return
	}

	now := cb.scheduler.Now()
	cb.failures++
	cb.lastFailure = now
	if err != nil {
		cb.lastError = err.Error()
	}

	events := []Event{{Key: cb.key, Type: EventFailure, Err: err, Time: now}}
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.opts.FailureThreshold {
			events = append(events, cb.transition(StateOpen, now))
		}
	case StateHalfOpen:
		events = append(events, cb.transition(StateOpen, now))
	}
	listeners := cb.listenerSnapshot()
	cb.mu.Unlock()

	cb.emit(listeners, events)
}

// Reset force-closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	if cb.disposed {
		cb.mu.Unlock()
		return
	}

	var events []Event
	if cb.state != StateClosed {
		events = append(events, cb.transition(StateClosed, cb.scheduler.Now()))
	} else {
		cb.failures = 0
		cb.successes = 0
	}
	listeners := cb.listenerSnapshot()
	cb.mu.Unlock()

	cb.emit(listeners, events)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Key:                 cb.key,
		State:               cb.state,
		Failures:            cb.failures,
		Successes:           cb.successes,
		OpenCount:           cb.openCount,
		LastError:           cb.lastError,
		LastFailureTime:     timePtr(cb.lastFailure),
		LastSuccessTime:     timePtr(cb.lastSuccess),
		LastStateChangeTime: timePtr(cb.lastChange),
	}
}

// Subscribe registers a listener and returns a function that removes it
func (cb *CircuitBreaker) Subscribe(l Listener) func() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disposed {
		return func() {}
	}
	cb.nextListenerID++
	id := cb.nextListenerID
	cb.listeners = append(cb.listeners, listenerEntry{id: id, fn: l})

	return func() {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		for i, entry := range cb.listeners {
			if entry.id == id {
				cb.listeners = append(cb.listeners[:i:i], cb.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispose stops all timers and drops all listeners. The breaker rejects
// every call afterwards.
func (cb *CircuitBreaker) Dispose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disposed {
		return
	}
	cb.disposed = true
	cb.stopResetTimer()
	if cb.monitorTask != nil {
		cb.monitorTask.Stop()
		cb.monitorTask = nil
	}
	cb.listeners = nil
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState, now time.Time) Event {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.lastChange = now
	cb.generation++
	cb.stopResetTimer()

	if to == StateOpen {
		if from == StateClosed {
			cb.openCount++
		}
		gen := cb.generation
		cb.resetTask = cb.scheduler.AfterFunc(cb.opts.ResetTimeout, func() {
			cb.halfOpenAfterTimeout(gen)
		})
	}

	return Event{Key: cb.key, Type: EventStateChange, From: from, To: to, Time: now}
}

func (cb *CircuitBreaker) stopResetTimer() {
	if cb.resetTask != nil {
		cb.resetTask.Stop()
		cb.resetTask = nil
	}
}

func (cb *CircuitBreaker) halfOpenAfterTimeout(gen uint64) {
	cb.mu.Lock()
	// A reset or a newer transition makes this timer stale.
	if cb.disposed || cb.generation != gen || cb.state != StateOpen {
		cb.mu.Unlock()
		return
	}
	cb.resetTask = nil
	ev := cb.transition(StateHalfOpen, cb.scheduler.Now())
	listeners := cb.listenerSnapshot()
	cb.mu.Unlock()

	cb.emit(listeners, []Event{ev})
}

// checkStuck forces a half-open probe for a circuit that has stayed open
// well past its reset timeout, in case the reset timer was lost.
func (cb *CircuitBreaker) checkStuck() {
	cb.mu.Lock()
	if cb.disposed || cb.state != StateOpen {
		cb.mu.Unlock()
		return
	}
	now := cb.scheduler.Now()
	openFor := now.Sub(cb.lastChange)
	if openFor <= 2*cb.opts.ResetTimeout {
		cb.mu.Unlock()
		return
	}
	ev := cb.transition(StateHalfOpen, now)
	listeners := cb.listenerSnapshot()
	cb.mu.Unlock()

	cb.logger.Warn("Forcing stuck circuit to half-open",
		"breaker", cb.key,
		"open_for", openFor.String(),
	)
	cb.emit(listeners, []Event{ev})
}

func (cb *CircuitBreaker) listenerSnapshot() []Listener {
	out := make([]Listener, len(cb.listeners))
	for i, entry := range cb.listeners {
		out[i] = entry.fn
	}
	return out
}

func (cb *CircuitBreaker) emit(listeners []Listener, events []Event) {
	for _, ev := range events {
		if ev.Type == EventStateChange {
			cb.logger.LogBreakerEvent(cb.key, ev.From.String(), ev.To.String(), logrus.Fields{
				"open_count": cb.Stats().OpenCount,
			})
		}
		for _, l := range listeners {
			notify(cb.logger, l, ev)
		}
	}
}

func notify(logger *logging.Logger, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Circuit breaker listener panicked",
				"breaker", ev.Key,
				"event", string(ev.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	l(ev)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

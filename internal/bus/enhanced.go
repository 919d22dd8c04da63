package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/tracing"
)

// DeliveryError wraps a failed point-to-point send with the state of the
// destination's circuit at the time of failure. Use errors.As with
// *resilience.CircuitOpenError to tell a tripped breaker from a rejected
// message.
type DeliveryError struct {
	Destination  string
	CircuitState resilience.CircuitState
	Cause        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver message to %s (circuit %s): %v", e.Destination, e.CircuitState, e.Cause)
}

// Unwrap returns the underlying cause
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Option customizes an EnhancedBus
type Option func(*EnhancedBus)

// WithSource sets the source stamped on messages the bus creates
func WithSource(source string) Option {
	return func(b *EnhancedBus) { b.source = source }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(b *EnhancedBus) { b.logger = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *EnhancedBus) { b.metrics = m }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) Option {
	return func(b *EnhancedBus) { b.tracer = t }
}

// WithScheduler sets the clock used for message timestamps
func WithScheduler(s clock.Scheduler) Option {
	return func(b *EnhancedBus) { b.scheduler = s }
}

// EnhancedBus routes every point-to-point message through the circuit
// breaker of its destination and broadcasts breaker transitions.
type EnhancedBus struct {
	bus       MessageBus
	registry  *resilience.Registry
	source    string
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *tracing.TracingService
	scheduler clock.Scheduler

	unsubscribe func()
}

// NewEnhancedBus wraps underlying with the breakers of registry
func NewEnhancedBus(underlying MessageBus, registry *resilience.Registry, opts ...Option) *EnhancedBus {
	b := &EnhancedBus{
		bus:      underlying,
		registry: registry,
		source:   "resilience-framework",
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.GetLogger()
	}
	if b.metrics == nil {
		b.metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if b.tracer == nil {
		b.tracer = tracing.NewNoopService()
	}
	if b.scheduler == nil {
		b.scheduler = clock.Real()
	}

	b.unsubscribe = registry.Subscribe(b.broadcastBreakerState)
	return b
}

// Underlying returns the wrapped bus
func (b *EnhancedBus) Underlying() MessageBus {
	return b.bus
}

// Registry returns the breaker registry
func (b *EnhancedBus) Registry() *resilience.Registry {
	return b.registry
}

// SendMessage delivers msg through the breaker for msg.Destination. Any
// failure is returned as *DeliveryError.
func (b *EnhancedBus) SendMessage(ctx context.Context, msg *Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.scheduler.Now()
	}

	breaker := b.registry.GetBreaker(msg.Destination)
	ctx, span := b.tracer.StartBusSpan(ctx, msg.Destination, string(msg.EventType))
	defer span.End()

	start := time.Now()
	err := breaker.Do(ctx, func(ctx context.Context) error {
		return b.bus.SendMessage(ctx, msg)
	})
	state := breaker.State()
	span.SetAttributes(attribute.String("circuit.state", state.String()))

	if err != nil {
		outcome := "failed"
		if resilience.IsCircuitOpenError(err) {
			outcome = "rejected"
		}
		b.metrics.RecordSend(string(msg.EventType), outcome, time.Since(start))

		derr := &DeliveryError{Destination: msg.Destination, CircuitState: state, Cause: err}
		b.tracer.RecordError(span, derr)
		b.logger.Warn("Message delivery failed",
			"message_id", msg.MessageID,
			"destination", msg.Destination,
			"event_type", string(msg.EventType),
			"circuit_state", state.String(),
			"error", err,
		)
		return derr
	}

	b.metrics.RecordSend(string(msg.EventType), "delivered", time.Since(start))
	return nil
}

// SendHealthCheck sends a HEALTH_CHECK probe to agentID
func (b *EnhancedBus) SendHealthCheck(ctx context.Context, agentID string) error {
	msg := b.newMessage(agentID, EventHealthCheck, map[string]interface{}{
		"timestamp": b.scheduler.Now().UnixMilli(),
	}).WithPriority(PriorityHigh)
	msg.RequiresResponse = true
	return b.SendMessage(ctx, msg)
}

// SendValidationRequest sends a breaker-protected validation request
func (b *EnhancedBus) SendValidationRequest(ctx context.Context, source, destination string, data map[string]interface{}, validationType string) error {
	msg := b.newMessage(destination, EventValidationRequest, map[string]interface{}{
		"validationType": validationType,
		"data":           data,
	})
	msg.Source = source
	msg.RequiresResponse = true
	return b.SendMessage(ctx, msg)
}

// BroadcastMessage delivers msg to every agent without breaker protection.
// Failures are logged and counted, never returned.
func (b *EnhancedBus) BroadcastMessage(ctx context.Context, msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.scheduler.Now()
	}

	delivered, err := b.bus.Broadcast(ctx, msg)
	if err != nil {
		b.metrics.RecordBroadcastError(string(msg.EventType))
		b.logger.Warn("Broadcast failed",
			"message_id", msg.MessageID,
			"event_type", string(msg.EventType),
			"delivered", delivered,
			"error", err,
		)
		return
	}
	b.logger.Debug("Broadcast delivered",
		"event_type", string(msg.EventType),
		"delivered", delivered,
	)
}

// SendAgentStatusUpdate broadcasts the lifecycle event for status. Statuses
// without a lifecycle event are ignored.
func (b *EnhancedBus) SendAgentStatusUpdate(ctx context.Context, agentID, status string, details map[string]interface{}) {
	eventType, ok := StatusEventType(status)
	if !ok {
		b.logger.Debug("No lifecycle event for agent status", "agent_id", agentID, "status", status)
		return
	}

	payload := map[string]interface{}{
		"agentId":   agentID,
		"status":    status,
		"timestamp": b.scheduler.Now().UnixMilli(),
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	b.BroadcastMessage(ctx, b.newMessage(BroadcastDestination, eventType, payload))
}

// Disconnect detaches from the registry and disconnects the underlying bus
func (b *EnhancedBus) Disconnect(ctx context.Context) error {
	b.Close()
	return b.bus.Disconnect(ctx)
}

// Close stops broadcasting breaker transitions. The underlying bus stays
// connected.
func (b *EnhancedBus) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}

func (b *EnhancedBus) newMessage(destination string, eventType EventType, payload map[string]interface{}) *Message {
	msg := NewMessage(b.source, destination, eventType, payload)
	msg.Timestamp = b.scheduler.Now()
	return msg
}

func (b *EnhancedBus) broadcastBreakerState(ev resilience.Event) {
	if ev.Type != resilience.EventStateChange {
		return
	}

	var eventType EventType
	switch ev.To {
	case resilience.StateOpen:
		eventType = EventCircuitOpen
	case resilience.StateHalfOpen:
		eventType = EventCircuitHalfOpen
	case resilience.StateClosed:
		eventType = EventCircuitClosed
	default:
		return
	}

	msg := b.newMessage(BroadcastDestination, eventType, map[string]interface{}{
		"agentId":       ev.Key,
		"previousState": ev.From.String(),
		"state":         ev.To.String(),
		"timestamp":     ev.Time.UnixMilli(),
	}).WithPriority(PriorityHigh)
	b.BroadcastMessage(context.Background(), msg)
}

// IsDeliveryError reports whether err wraps a *DeliveryError
func IsDeliveryError(err error) bool {
	var derr *DeliveryError
	return errors.As(err, &derr)
}

package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

func newTestMemoryBus() *MemoryBus {
	return NewMemoryBus(logging.NewNopLogger())
}

func TestMemoryBus_SendMessage(t *testing.T) {
	b := newTestMemoryBus()
	var received []*Message
	b.Attach("svc:a", func(ctx context.Context, msg *Message) error {
		received = append(received, msg)
		return nil
	})

	msg := NewMessage("test", "svc:a", EventHealthCheck, nil)
	require.NoError(t, b.SendMessage(context.Background(), msg))
	require.Len(t, received, 1)
	assert.Equal(t, msg.MessageID, received[0].MessageID)
}

func TestMemoryBus_NoRoute(t *testing.T) {
	b := newTestMemoryBus()

	err := b.SendMessage(context.Background(), NewMessage("test", "missing", EventHealthCheck, nil))
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Contains(t, err.Error(), "missing")
}

func TestMemoryBus_EndpointErrorPropagates(t *testing.T) {
	b := newTestMemoryBus()
	errRejected := errors.New("rejected")
	b.Attach("svc:a", func(ctx context.Context, msg *Message) error { return errRejected })

	observed := 0
	b.On(AnyEvent, func(ctx context.Context, msg *Message) error {
		observed++
		return nil
	})

	err := b.SendMessage(context.Background(), NewMessage("test", "svc:a", EventHealthCheck, nil))
	assert.ErrorIs(t, err, errRejected)
	assert.Zero(t, observed)
}

func TestMemoryBus_Observers(t *testing.T) {
	b := newTestMemoryBus()
	b.Attach("svc:a", func(ctx context.Context, msg *Message) error { return nil })

	var typed, wildcard int
	id := b.On(EventHealthCheck, func(ctx context.Context, msg *Message) error {
		typed++
		return nil
	})
	b.On(AnyEvent, func(ctx context.Context, msg *Message) error {
		wildcard++
		return errors.New("observer errors are ignored")
	})
	b.On(EventValidationRequest, func(ctx context.Context, msg *Message) error {
		panic("never called")
	})

	require.NoError(t, b.SendMessage(context.Background(), NewMessage("test", "svc:a", EventHealthCheck, nil)))
	b.Off(EventHealthCheck, id)
	require.NoError(t, b.SendMessage(context.Background(), NewMessage("test", "svc:a", EventHealthCheck, nil)))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, wildcard)
}

func TestMemoryBus_Broadcast(t *testing.T) {
	b := newTestMemoryBus()
	errBroken := errors.New("broken subscriber")
	got := 0
	b.Attach("svc:a", func(ctx context.Context, msg *Message) error { got++; return nil })
	b.Attach("svc:b", func(ctx context.Context, msg *Message) error { got++; return nil })
	b.Attach("svc:c", func(ctx context.Context, msg *Message) error { return errBroken })

	delivered, err := b.Broadcast(context.Background(), NewMessage("test", BroadcastDestination, EventAgentReady, nil))
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, got)
	assert.ErrorIs(t, err, errBroken)
}

func TestMemoryBus_Disconnect(t *testing.T) {
	b := newTestMemoryBus()
	b.Attach("svc:a", func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, b.Disconnect(context.Background()))

	err := b.SendMessage(context.Background(), NewMessage("test", "svc:a", EventHealthCheck, nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Broadcast(context.Background(), NewMessage("test", BroadcastDestination, EventAgentReady, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, b.Endpoints())
}

func TestStatusEventType(t *testing.T) {
	tests := map[string]EventType{
		"starting":   EventAgentStarting,
		"READY":      EventAgentReady,
		"busy":       EventAgentBusy,
		"Error":      EventAgentError,
		"degraded":   EventAgentDegraded,
		"stopping":   EventAgentShuttingDown,
		"restarting": EventAgentRestarting,
		"OFFLINE":    EventAgentOffline,
	}
	for status, want := range tests {
		got, ok := StatusEventType(status)
		assert.True(t, ok, status)
		assert.Equal(t, want, got, status)
	}

	_, ok := StatusEventType("UNKNOWN")
	assert.False(t, ok)
}

func TestMessage_JSON(t *testing.T) {
	msg := NewMessage("src", "svc:a", EventValidationRequest, map[string]interface{}{"k": "v"}).
		WithPriority(PriorityHigh).
		WithCorrelationID("corr-1")

	data, err := msg.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"eventType":"VALIDATION_REQUEST"`)
	assert.Contains(t, string(data), `"metadata":{"priority":"high"}`)

	_, err = FromJSON([]byte("{"))
	assert.Error(t, err)
}

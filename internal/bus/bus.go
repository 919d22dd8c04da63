package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

var (
	// ErrNoRoute is returned when no endpoint receives a point-to-point message
	ErrNoRoute = errors.New("no route to destination")
	// ErrClosed is returned by a bus after Disconnect
	ErrClosed = errors.New("message bus closed")
)

// Handler processes a delivered message
type Handler func(ctx context.Context, msg *Message) error

// HandlerID identifies a handler registered with On
type HandlerID uint64

// MessageBus is the delivery channel the enhanced bus protects
type MessageBus interface {
	// SendMessage delivers msg to msg.Destination
	SendMessage(ctx context.Context, msg *Message) error
	// Broadcast delivers msg to every endpoint and returns how many received it
	Broadcast(ctx context.Context, msg *Message) (int, error)
	// Disconnect releases the bus; later sends fail with ErrClosed
	Disconnect(ctx context.Context) error
	// On observes messages of eventType passing through the bus
	On(eventType EventType, h Handler) HandlerID
	// Off removes a handler registered with On
	Off(eventType EventType, id HandlerID)
}

func noRoute(destination string) error {
	return fmt.Errorf("%w: %s", ErrNoRoute, destination)
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// handlerSet holds the observer handlers shared by bus implementations
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	nextID   HandlerID
	logger   *logging.Logger
}

func newHandlerSet(logger *logging.Logger) *handlerSet {
	return &handlerSet{
		handlers: make(map[EventType][]handlerEntry),
		logger:   logger,
	}
}

func (s *handlerSet) on(eventType EventType, h Handler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.handlers[eventType] = append(s.handlers[eventType], handlerEntry{id: s.nextID, fn: h})
	return s.nextID
}

func (s *handlerSet) off(eventType EventType, id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.handlers[eventType]
	for i, entry := range entries {
		if entry.id == id {
			s.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (s *handlerSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[EventType][]handlerEntry)
}

// dispatch runs every handler for msg's event type and the wildcard.
// Observer errors and panics are logged, never returned.
func (s *handlerSet) dispatch(ctx context.Context, msg *Message) {
	s.mu.RLock()
	var fns []Handler
	for _, entry := range s.handlers[msg.EventType] {
		fns = append(fns, entry.fn)
	}
	for _, entry := range s.handlers[AnyEvent] {
		fns = append(fns, entry.fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		if err := s.call(ctx, fn, msg); err != nil {
			s.logger.Warn("Message handler failed",
				"message_id", msg.MessageID,
				"event_type", string(msg.EventType),
				"error", err,
			)
		}
	}
}

func (s *handlerSet) call(ctx context.Context, fn Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

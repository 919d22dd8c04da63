package bus

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// MemoryBus delivers messages between endpoints in the same process.
// Endpoint handler errors are returned to the sender.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[string]Handler
	closed    bool

	observers *handlerSet
	logger    *logging.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &MemoryBus{
		endpoints: make(map[string]Handler),
		observers: newHandlerSet(logger),
		logger:    logger,
	}
}

// Attach routes messages for agentID to h, replacing any earlier endpoint
func (b *MemoryBus) Attach(agentID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[agentID] = h
}

// Detach removes the endpoint for agentID
func (b *MemoryBus) Detach(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, agentID)
}

// Endpoints returns the attached agent ids in sorted order
func (b *MemoryBus) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.endpoints))
	for id := range b.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SendMessage implements MessageBus
func (b *MemoryBus) SendMessage(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	closed := b.closed
	endpoint, ok := b.endpoints[msg.Destination]
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return noRoute(msg.Destination)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := endpoint(ctx, msg); err != nil {
		return err
	}
	b.observers.dispatch(ctx, msg)
	return nil
}

// Broadcast implements MessageBus. Every endpoint is attempted; the error
// joins the individual endpoint failures.
func (b *MemoryBus) Broadcast(ctx context.Context, msg *Message) (int, error) {
	b.mu.RLock()
	closed := b.closed
	endpoints := make([]Handler, 0, len(b.endpoints))
	for _, h := range b.endpoints {
		endpoints = append(endpoints, h)
	}
	b.mu.RUnlock()

	if closed {
		return 0, ErrClosed
	}

	b.observers.dispatch(ctx, msg)

	delivered := 0
	var errs []error
	for _, h := range endpoints {
		if err := b.observers.call(ctx, h, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Disconnect implements MessageBus
func (b *MemoryBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.endpoints = make(map[string]Handler)
	b.mu.Unlock()

	b.observers.clear()
	return nil
}

// On implements MessageBus
func (b *MemoryBus) On(eventType EventType, h Handler) HandlerID {
	return b.observers.on(eventType, h)
}

// Off implements MessageBus
func (b *MemoryBus) Off(eventType EventType, id HandlerID) {
	b.observers.off(eventType, id)
}

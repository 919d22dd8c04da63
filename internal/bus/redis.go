package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// RedisBusOptions configures a RedisBus
type RedisBusOptions struct {
	// ChannelPrefix namespaces every channel. Defaults to "resilience".
	ChannelPrefix string
	// SubscribeTimeout bounds how long Attach waits for Redis to confirm a
	// subscription. Defaults to 2s.
	SubscribeTimeout time.Duration
	Logger           *logging.Logger
}

// RedisBus is a MessageBus over Redis pub/sub. Each attached agent listens
// on <prefix>:agent:<id>; broadcasts go to <prefix>:broadcast and reach every
// RedisBus instance on the same prefix.
//
// Delivery is asynchronous: SendMessage reports ErrNoRoute when no
// subscriber received the publish, but endpoint handler errors are only
// logged by the receiving instance.
type RedisBus struct {
	client    *redis.Client
	prefix    string
	timeout   time.Duration
	pubsub    *redis.PubSub
	observers *handlerSet
	logger    *logging.Logger

	mu        sync.RWMutex
	endpoints map[string]Handler
	closed    bool
	done      chan struct{}
}

// NewRedisBus subscribes to the broadcast channel and starts the receive
// loop. The client stays owned by the caller.
func NewRedisBus(ctx context.Context, client *redis.Client, opts RedisBusOptions) (*RedisBus, error) {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "resilience"
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}

	b := &RedisBus{
		client:    client,
		prefix:    opts.ChannelPrefix,
		timeout:   opts.SubscribeTimeout,
		observers: newHandlerSet(opts.Logger),
		logger:    opts.Logger,
		endpoints: make(map[string]Handler),
		done:      make(chan struct{}),
	}

	pubsub := client.Subscribe(ctx, b.broadcastChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
	}
	b.pubsub = pubsub

	go b.receiveLoop(pubsub.Channel())

	b.logger.Info("Redis message bus connected", "broadcast_channel", b.broadcastChannel())
	return b, nil
}

func (b *RedisBus) broadcastChannel() string {
	return b.prefix + ":broadcast"
}

func (b *RedisBus) agentChannel(agentID string) string {
	return b.prefix + ":agent:" + agentID
}

// Attach subscribes h as the endpoint for agentID. It returns once Redis
// reports the subscription, so a publish right after Attach is routed.
func (b *RedisBus) Attach(ctx context.Context, agentID string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.endpoints[agentID] = h
	b.mu.Unlock()

	channel := b.agentChannel(agentID)
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		b.mu.Lock()
		delete(b.endpoints, agentID)
		b.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return b.waitSubscribed(ctx, channel)
}

// Detach unsubscribes the endpoint for agentID
func (b *RedisBus) Detach(ctx context.Context, agentID string) error {
	b.mu.Lock()
	delete(b.endpoints, agentID)
	b.mu.Unlock()

	return b.pubsub.Unsubscribe(ctx, b.agentChannel(agentID))
}

func (b *RedisBus) waitSubscribed(ctx context.Context, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		counts, err := b.client.PubSubNumSub(ctx, channel).Result()
		if err == nil && counts[channel] > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("subscription to %s not confirmed: %w", channel, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SendMessage implements MessageBus
func (b *RedisBus) SendMessage(ctx context.Context, msg *Message) error {
	if b.isClosed() {
		return ErrClosed
	}

	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	receivers, err := b.client.Publish(ctx, b.agentChannel(msg.Destination), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if receivers == 0 {
		return noRoute(msg.Destination)
	}
	return nil
}

// Broadcast implements MessageBus. The count is the number of bus
// instances subscribed to the broadcast channel.
func (b *RedisBus) Broadcast(ctx context.Context, msg *Message) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}

	data, err := msg.ToJSON()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize message: %w", err)
	}

	receivers, err := b.client.Publish(ctx, b.broadcastChannel(), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return int(receivers), nil
}

// Disconnect closes the subscription and waits for the receive loop to exit
func (b *RedisBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.endpoints = make(map[string]Handler)
	b.mu.Unlock()

	err := b.pubsub.Close()
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.observers.clear()
	b.logger.Info("Redis message bus disconnected")
	return err
}

// On implements MessageBus
func (b *RedisBus) On(eventType EventType, h Handler) HandlerID {
	return b.observers.on(eventType, h)
}

// Off implements MessageBus
func (b *RedisBus) Off(eventType EventType, id HandlerID) {
	b.observers.off(eventType, id)
}

func (b *RedisBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *RedisBus) receiveLoop(ch <-chan *redis.Message) {
	defer close(b.done)

	agentPrefix := b.prefix + ":agent:"
	for raw := range ch {
		msg, err := FromJSON([]byte(raw.Payload))
		if err != nil {
			b.logger.Warn("Dropping malformed bus message", "channel", raw.Channel, "error", err)
			continue
		}

		ctx := context.Background()
		if raw.Channel == b.broadcastChannel() {
			b.observers.dispatch(ctx, msg)
			for _, h := range b.endpointSnapshot() {
				if err := b.observers.call(ctx, h, msg); err != nil {
					b.logger.Warn("Broadcast endpoint failed", "message_id", msg.MessageID, "error", err)
				}
			}
			continue
		}

		agentID := strings.TrimPrefix(raw.Channel, agentPrefix)
		b.mu.RLock()
		h, ok := b.endpoints[agentID]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := b.observers.call(ctx, h, msg); err != nil {
			b.logger.Warn("Endpoint rejected message",
				"agent_id", agentID,
				"message_id", msg.MessageID,
				"error", err,
			)
			continue
		}
		b.observers.dispatch(ctx, msg)
	}
}

func (b *RedisBus) endpointSnapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.endpoints))
	for _, h := range b.endpoints {
		out = append(out, h)
	}
	return out
}

package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// eventChannel is the Pub/Sub channel carrying protocol events for
// dashboards and operator tooling.
const eventChannel = "relay:events"

// EventBus implements domain.EventBus using Redis Pub/Sub.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends an event payload to the relay event channel. The event name
// travels inside the payload; subscribers filter client-side.
func (eb *EventBus) Publish(ctx context.Context, event string, payload []byte) error {
	if err := eb.rdb.Publish(ctx, eventChannel+":"+event, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", event, err)
	}
	return nil
}

// Subscribe returns a read-only channel of raw payloads for the given event
// pattern ("*" for all relay events). The subscription closes with the
// context.
func (eb *EventBus) Subscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	pubsub := eb.rdb.PSubscribe(ctx, eventChannel+":"+pattern)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", pattern, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// envelope wraps an event name with its payload on the wire.
type envelope struct {
	Event   string `json:"event"`
	Payload []byte `json:"payload"`
}

// Redis implements Transport on Redis Pub/Sub. One client connection is
// shared across all topics; each Subscribe opens its own PubSub receiver so
// topic lifecycles stay independent.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps a connected go-redis client as a stream transport.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (t *Redis) Publish(ctx context.Context, topic, event string, payload []byte) error {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)

	sub := &redisSub{
		pubsub: ps,
		ready:  make(chan struct{}),
	}

	go sub.run(ctx, topic, handler)
	return sub, nil
}

type redisSub struct {
	pubsub    *redis.PubSub
	ready     chan struct{}
	readyOnce sync.Once
	unsubOnce sync.Once
}

func (s *redisSub) Ready() <-chan struct{} { return s.ready }

func (s *redisSub) Unsubscribe() error {
	var err error
	s.unsubOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSub) run(ctx context.Context, topic string, handler Handler) {
	// Receive blocks until Redis confirms the subscription; that
	// confirmation is the ready handshake publishers gate on.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return
	}
	s.readyOnce.Do(func() { close(s.ready) })

	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if handler != nil {
				handler(Event{Topic: topic, Name: env.Event, Payload: env.Payload})
			}
		case <-ctx.Done():
			_ = s.Unsubscribe()
			return
		}
	}
}

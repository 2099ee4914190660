// Package stream carries frame broadcast and control-channel traffic over a
// shared topic-based pub/sub transport. Delivery is at-most-once and
// best-effort; there is no ordering across topics.
package stream

import "context"

// Event is one message received on a topic.
type Event struct {
	Topic   string
	Name    string
	Payload []byte
}

// Handler consumes events delivered on a subscription.
type Handler func(Event)

// Subscription is one topic's receive lifecycle. Closing one subscription
// must not affect other topics sharing the same transport connection.
type Subscription interface {
	// Ready is closed once the transport has confirmed the subscription.
	// Senders that share the topic gate on this signal rather than queueing.
	Ready() <-chan struct{}

	// Unsubscribe stops delivery and releases the topic. Safe to call more
	// than once.
	Unsubscribe() error
}

// Transport is the shared pub/sub connection. One connection serves many
// topics; each topic's subscription lifecycle is independent.
type Transport interface {
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, topic, event string, payload []byte) error
}

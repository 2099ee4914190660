package stream

import (
	"context"
	"sync"
)

// Memory is an in-process transport for tests and single-node development.
// Delivery is synchronous to every subscriber of the topic.
type Memory struct {
	// HoldReady defers subscription readiness until ReleaseReady is called,
	// so tests can exercise the subscribe -> ready handshake.
	HoldReady bool

	mu   sync.Mutex
	subs map[string][]*memorySub
	held []*memorySub
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	transport *Memory
	topic     string
	handler   Handler
	ready     chan struct{}
	readyOnce sync.Once
	unsubOnce sync.Once
}

func (s *memorySub) Ready() <-chan struct{} { return s.ready }

func (s *memorySub) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *memorySub) Unsubscribe() error {
	s.unsubOnce.Do(func() {
		t := s.transport
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.subs[s.topic]
		for i, sub := range list {
			if sub == s {
				t.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (t *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	sub := &memorySub{
		transport: t,
		topic:     topic,
		handler:   handler,
		ready:     make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[topic] = append(t.subs[topic], sub)
	hold := t.HoldReady
	if hold {
		t.held = append(t.held, sub)
	}
	t.mu.Unlock()

	if !hold {
		sub.markReady()
	}

	// Same contract as the redis transport: the subscription ends with its
	// context.
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// ReleaseReady confirms every held subscription.
func (t *Memory) ReleaseReady() {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.mu.Unlock()
	for _, sub := range held {
		sub.markReady()
	}
}

func (t *Memory) Publish(ctx context.Context, topic, event string, payload []byte) error {
	t.mu.Lock()
	list := make([]*memorySub, len(t.subs[topic]))
	copy(list, t.subs[topic])
	t.mu.Unlock()

	ev := Event{Topic: topic, Name: event, Payload: payload}
	for _, sub := range list {
		if sub.handler != nil {
			sub.handler(ev)
		}
	}
	return nil
}

package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Subscriber follows one attempt's stream topic and keeps exactly one latest
// frame per source. Frames arrive fire-and-forget: duplicates overwrite with
// the same value, missing sources simply stay absent, and no history is kept.
type Subscriber struct {
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[SourceTag]Frame
	sub    Subscription
	closed bool
}

// OpenSubscriber subscribes to a stream topic and begins tracking latest
// frames. Close releases the subscription.
func OpenSubscriber(ctx context.Context, transport Transport, topic string, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		logger: logger,
		latest: make(map[SourceTag]Frame),
	}

	sub, err := transport.Subscribe(ctx, topic, s.handle)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return s, nil
}

func (s *Subscriber) handle(ev Event) {
	frame, err := DecodeFrame(ev.Payload)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "topic", ev.Topic, "error", err)
		return
	}
	if frame.Source == "" {
		return
	}

	s.mu.Lock()
	s.latest[frame.Source] = frame
	s.mu.Unlock()
}

// Latest returns the most recently arrived frame for a source. ok is false
// while no frame for that source has arrived yet; consumers render that as a
// waiting state.
func (s *Subscriber) Latest(tag SourceTag) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.latest[tag]
	return f, ok
}

// Snapshot returns the latest frame of every source seen so far.
func (s *Subscriber) Snapshot() map[SourceTag]Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[SourceTag]Frame, len(s.latest))
	for tag, f := range s.latest {
		out[tag] = f
	}
	return out
}

// Close unsubscribes from the topic. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

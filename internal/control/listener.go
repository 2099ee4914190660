package control

import (
	"context"
	"log/slog"
	"sync"

	"invigil/internal/stream"
)

// Handlers receives decoded control events on the candidate side. Nil
// handlers are skipped.
type Handlers struct {
	OnWarning    func(Warning)
	OnTerminated func(Termination)
	OnCompleted  func(Completion)
}

// Listener follows one session's control topic and dispatches supervisor
// events to the candidate's handlers.
type Listener struct {
	sub    stream.Subscription
	logger *slog.Logger
	once   sync.Once
}

// Listen subscribes to a control topic. Ready reports when the subscription
// is confirmed; Close releases it.
func Listen(ctx context.Context, transport stream.Transport, topic string, handlers Handlers, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{logger: logger}

	sub, err := transport.Subscribe(ctx, topic, func(ev stream.Event) {
		l.dispatch(ev, handlers)
	})
	if err != nil {
		return nil, err
	}
	l.sub = sub
	return l, nil
}

func (l *Listener) dispatch(ev stream.Event, handlers Handlers) {
	switch ev.Name {
	case EventWarning:
		w, err := DecodeWarning(ev.Payload)
		if err != nil {
			l.logger.Warn("dropping malformed warning", "topic", ev.Topic, "error", err)
			return
		}
		if handlers.OnWarning != nil {
			handlers.OnWarning(w)
		}
	case EventTerminated:
		t, err := DecodeTermination(ev.Payload)
		if err != nil {
			l.logger.Warn("dropping malformed termination", "topic", ev.Topic, "error", err)
			return
		}
		if handlers.OnTerminated != nil {
			handlers.OnTerminated(t)
		}
	case EventCompleted:
		c, err := DecodeCompletion(ev.Payload)
		if err != nil {
			l.logger.Warn("dropping malformed completion", "topic", ev.Topic, "error", err)
			return
		}
		if handlers.OnCompleted != nil {
			handlers.OnCompleted(c)
		}
	default:
		// Unknown events are ignored so the wire can grow without breaking
		// older agents.
	}
}

// Ready reports subscription confirmation.
func (l *Listener) Ready() <-chan struct{} { return l.sub.Ready() }

// Close unsubscribes from the control topic. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() { err = l.sub.Unsubscribe() })
	return err
}

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	id "invigil/pkg/domain"
)

var (
	framesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invigil_frames_published_total",
		Help: "Frames published to the stream topic, by source",
	}, []string{"source"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invigil_frames_dropped_total",
		Help: "Frames dropped on sample or publish failure, by source",
	}, []string{"source"})
)

// DefaultFrameInterval is the spacing between published stills.
const DefaultFrameInterval = time.Second

// Screen stills are bounded to keep broadcast bandwidth flat regardless of
// display resolution; cameras publish at source resolution.
const (
	screenMaxWidth    = 1280
	screenMaxHeight   = 720
	screenJPEGQuality = 50
	cameraJPEGQuality = 60
)

type publisherState int

const (
	publisherIdle publisherState = iota
	publisherRunning
	publisherStopped
)

// Publisher samples one capture source on a fixed interval and publishes
// compressed stills on the attempt's stream topic. Sending is gated on the
// transport's subscription confirmation: frames are inherently stale after
// one interval, so nothing is queued while waiting.
type Publisher struct {
	transport Transport
	topic     string
	attemptID id.AttemptID
	tag       SourceTag
	source    Source

	interval  time.Duration
	maxWidth  int
	maxHeight int
	quality   int
	logger    *slog.Logger
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	state  publisherState
	cancel context.CancelFunc
	sub    Subscription
	done   chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// WithPublisherLogger attaches a logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

func withTicker(f func(time.Duration) (<-chan time.Time, func())) PublisherOption {
	return func(p *Publisher) { p.newTicker = f }
}

// NewPublisher builds a publisher for one source of one attempt. Encoding
// bounds and quality follow the source tag: screen stills are capped at
// 1280x720 quality 50, camera stills keep source resolution at quality 60.
func NewPublisher(transport Transport, topic string, attemptID id.AttemptID, tag SourceTag, source Source, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		topic:     topic,
		attemptID: attemptID,
		tag:       tag,
		source:    source,
		interval:  DefaultFrameInterval,
		quality:   cameraJPEGQuality,
		logger:    slog.Default(),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	if tag == SourceScreen {
		p.maxWidth = screenMaxWidth
		p.maxHeight = screenMaxHeight
		p.quality = screenJPEGQuality
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to the topic and begins interval sending once the
// subscription is confirmed. Starting an already started or stopped
// publisher is a no-op.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != publisherIdle {
		p.mu.Unlock()
		return nil
	}

	sub, err := p.transport.Subscribe(ctx, p.topic, nil)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.state = publisherRunning
	p.sub = sub
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(runCtx, sub)
	return nil
}

func (p *Publisher) run(ctx context.Context, sub Subscription) {
	defer close(p.done)

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		return
	case <-p.source.Ended():
		go p.Stop()
		return
	}

	tick, stopTick := p.newTicker(p.interval)
	defer stopTick()

	for {
		select {
		case <-tick:
			p.sendFrame(ctx)
		case <-p.source.Ended():
			// Device revoked outside our control: wind down on our own.
			go p.Stop()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) sendFrame(ctx context.Context) {
	img, err := p.source.Sample(ctx)
	if err != nil {
		if errors.Is(err, ErrSourceNotReady) {
			// Device not warmed up; skip this tick without error.
			return
		}
		framesDropped.WithLabelValues(string(p.tag)).Inc()
		p.logger.WarnContext(ctx, "frame sample failed", "source", p.tag, "error", err)
		return
	}

	data, w, h, err := EncodeJPEG(img, p.maxWidth, p.maxHeight, p.quality)
	if err != nil {
		framesDropped.WithLabelValues(string(p.tag)).Inc()
		p.logger.WarnContext(ctx, "frame encode failed", "source", p.tag, "error", err)
		return
	}

	payload, err := EncodeFrame(Frame{
		AttemptID:  p.attemptID,
		Source:     p.tag,
		Data:       data,
		Width:      w,
		Height:     h,
		CapturedAt: time.Now(),
	})
	if err != nil {
		framesDropped.WithLabelValues(string(p.tag)).Inc()
		return
	}

	if err := p.transport.Publish(ctx, p.topic, FrameEvent(p.tag), payload); err != nil {
		// Frames are best-effort: log, drop, never surface.
		framesDropped.WithLabelValues(string(p.tag)).Inc()
		p.logger.WarnContext(ctx, "frame publish failed", "source", p.tag, "error", err)
		return
	}
	framesPublished.WithLabelValues(string(p.tag)).Inc()
}

// Stop cancels the interval, releases the source and unsubscribes from the
// topic. Safe to call from any state, any number of times, including before
// Start.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.state == publisherStopped {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = publisherStopped
	cancel := p.cancel
	sub := p.sub
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if prev == publisherRunning && done != nil {
		<-done
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	_ = p.source.Close()
}

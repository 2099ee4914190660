// Package detector turns raw candidate environment events into rate-limited
// integrity flags.
package detector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"invigil/internal/proctoring/models"
	"invigil/internal/proctoring/ports"
	id "invigil/pkg/domain"
)

var (
	flagsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invigil_integrity_flags_recorded_total",
		Help: "Integrity flags accepted by the detector, by flag type",
	}, []string{"flag_type"})

	flagsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invigil_integrity_flags_suppressed_total",
		Help: "Raw events dropped inside a flag type's cooldown window",
	})

	flagPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invigil_integrity_flag_persist_failures_total",
		Help: "Flag log appends that failed and were swallowed",
	})
)

// DefaultCooldown is the minimum gap between two recorded flags of the same
// type, measured from the last accepted flag.
const DefaultCooldown = 10 * time.Second

// EventKind enumerates raw environment events observable in the candidate's
// browser.
type EventKind string

const (
	EventVisibilityHidden EventKind = "visibility_hidden"
	EventWindowBlur       EventKind = "window_blur"
	EventKeyCombo         EventKind = "key_combo"
	EventContextMenu      EventKind = "context_menu"
	EventFaceSample       EventKind = "face_sample"
)

// RawEvent is one observation from the candidate environment. Key is set for
// key-combo events; FaceCount for face-presence samples. A zero At means
// "observed now".
type RawEvent struct {
	Kind      EventKind
	Key       string
	FaceCount int
	At        time.Time
}

// Observer receives each accepted flag synchronously, before persistence is
// attempted. UI reflection must not depend on the flag log being reachable.
type Observer func(models.IntegrityFlag)

// Detector classifies raw events into integrity flags with per-type cooldown.
// Cooldown state is local to one instance and resets on restart.
type Detector struct {
	attemptID id.AttemptID
	store     ports.FlagStore
	observer  Observer
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	lastAccepted map[models.FlagType]time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithCooldown overrides the per-type cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(det *Detector) { det.cooldown = d }
}

// WithObserver registers the local flag-observed callback.
func WithObserver(obs Observer) Option {
	return func(det *Detector) { det.observer = obs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(det *Detector) { det.logger = logger }
}

// New constructs a detector for one attempt.
func New(attemptID id.AttemptID, store ports.FlagStore, opts ...Option) *Detector {
	det := &Detector{
		attemptID:    attemptID,
		store:        store,
		cooldown:     DefaultCooldown,
		now:          time.Now,
		logger:       slog.Default(),
		lastAccepted: make(map[models.FlagType]time.Time),
	}
	for _, opt := range opts {
		opt(det)
	}
	return det
}

// Observe classifies one raw event. It returns the recorded flag, or nil when
// the event is unclassifiable or falls inside its type's cooldown window.
// Events inside the window are dropped, not queued; only the first event
// after cooldown expiry re-arms detection. A failed append to the flag log is
// logged and swallowed - the local observer has already fired.
func (d *Detector) Observe(ctx context.Context, ev RawEvent) *models.IntegrityFlag {
	flagType, description, ok := classify(ev)
	if !ok {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = d.now()
	}

	d.mu.Lock()
	if last, seen := d.lastAccepted[flagType]; seen && at.Sub(last) < d.cooldown {
		d.mu.Unlock()
		flagsSuppressed.Inc()
		return nil
	}
	d.lastAccepted[flagType] = at
	d.mu.Unlock()

	flag := models.IntegrityFlag{
		AttemptID:   d.attemptID,
		Type:        flagType,
		Description: description,
		CreatedAt:   at,
	}
	flagsRecorded.WithLabelValues(string(flagType)).Inc()

	if d.observer != nil {
		d.observer(flag)
	}

	if err := d.store.Append(ctx, flag); err != nil {
		flagPersistFailures.Inc()
		d.logger.ErrorContext(ctx, "failed to persist integrity flag",
			"attempt_id", d.attemptID,
			"flag_type", flagType,
			"error", err,
		)
	}

	return &flag
}

func classify(ev RawEvent) (models.FlagType, string, bool) {
	switch ev.Kind {
	case EventVisibilityHidden:
		return models.FlagTabSwitch, "Candidate switched to another tab or minimized the window", true
	case EventWindowBlur:
		return models.FlagWindowBlur, "Browser window lost focus", true
	case EventKeyCombo:
		key := strings.ToLower(ev.Key)
		if key == "c" || key == "v" || key == "x" {
			return models.FlagCopyPasteAttempt, "Attempted to use " + strings.ToUpper(key) + " shortcut", true
		}
		return "", "", false
	case EventContextMenu:
		return models.FlagRightClick, "Attempted to open context menu", true
	case EventFaceSample:
		if ev.FaceCount == 0 {
			return models.FlagFaceNotDetected, "No face visible in the camera frame", true
		}
		if ev.FaceCount > 1 {
			return models.FlagMultipleFaces, "More than one face visible in the camera frame", true
		}
		return "", "", false
	}
	return "", "", false
}

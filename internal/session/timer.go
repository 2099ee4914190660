// Package session drives a candidate's proctored exam run: the countdown
// timer, the state machine from login to a terminal result, and the registry
// of machines the server is currently hosting.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Remaining-time thresholds the UI renders differently.
const (
	LowTimeThreshold      = 5 * time.Minute
	CriticalTimeThreshold = time.Minute
)

// TimerStatus is one observed second of the countdown.
type TimerStatus struct {
	Remaining time.Duration
	Display   string
	Low       bool
	Critical  bool
	Expired   bool
}

// Timer counts an exam's whole-minute duration down in one-second steps and
// fires the expiry callback exactly once when it reaches zero. Pausing
// freezes the remaining time without stopping the tick loop.
type Timer struct {
	onExpire  func()
	onTick    func(TimerStatus)
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu        sync.Mutex
	remaining time.Duration
	total     time.Duration
	paused    bool
	running   bool
	expired   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTickObserver registers a callback invoked after every counted second.
func WithTickObserver(f func(TimerStatus)) TimerOption {
	return func(t *Timer) { t.onTick = f }
}

func withTimerTicker(f func(time.Duration) (<-chan time.Time, func())) TimerOption {
	return func(t *Timer) { t.newTicker = f }
}

// NewTimer builds a countdown for an exam duration given in whole minutes.
// onExpire runs once, from the tick goroutine, when the countdown hits zero.
func NewTimer(durationMinutes int, onExpire func(), opts ...TimerOption) *Timer {
	total := time.Duration(durationMinutes) * time.Minute
	t := &Timer{
		onExpire:  onExpire,
		total:     total,
		remaining: total,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			tk := time.NewTicker(d)
			return tk.C, tk.Stop
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the countdown. Starting a running or expired timer is a
// no-op.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running || t.expired {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(runCtx)
}

func (t *Timer) run(ctx context.Context) {
	defer close(t.done)

	tick, stop := t.newTicker(time.Second)
	defer stop()

	for {
		select {
		case <-tick:
			if t.step() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// step counts one second and reports whether the countdown finished.
func (t *Timer) step() bool {
	t.mu.Lock()
	if t.paused || t.expired {
		t.mu.Unlock()
		return false
	}
	t.remaining -= time.Second
	if t.remaining < 0 {
		t.remaining = 0
	}
	finished := t.remaining == 0
	if finished {
		t.expired = true
		t.running = false
	}
	status := t.statusLocked()
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(status)
	}
	if finished && t.onExpire != nil {
		t.onExpire()
	}
	return finished
}

// Pause freezes the countdown until Resume.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume continues a paused countdown.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

// Reset restores the full duration on a timer that has not expired.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return
	}
	t.remaining = t.total
}

// Stop halts the tick loop. The expiry callback will not fire after Stop
// returns.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	running := t.running
	t.running = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running && done != nil {
		<-done
	}
}

// Status reports the current countdown state.
func (t *Timer) Status() TimerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Remaining reports the time left on the countdown.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) statusLocked() TimerStatus {
	return TimerStatus{
		Remaining: t.remaining,
		Display:   formatCountdown(t.remaining),
		Low:       t.remaining <= LowTimeThreshold,
		Critical:  t.remaining <= CriticalTimeThreshold,
		Expired:   t.expired,
	}
}

// formatCountdown renders a remaining duration as MM:SS. Countdowns over an
// hour keep counting minutes past 59.
func formatCountdown(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

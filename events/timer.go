package events

import (
	"log/slog"
	"sync"
	"time"

	"oidcclient/metrics"
)

// MaxTickInterval is the coarsest interval at which an armed timer checks
// its expiration.
const MaxTickInterval = 5 * time.Second

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler runs fn every d until the returned cancel is called. Cancel
// must be safe to call more than once and from within fn.
type Scheduler interface {
	Every(d time.Duration, fn func()) (cancel func())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type tickerScheduler struct{}

func (tickerScheduler) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

type options struct {
	clock     Clock
	scheduler Scheduler
	logger    *slog.Logger
}

// Option configures timers.
type Option func(*options)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithScheduler replaces the ticker-based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: systemClock{}, scheduler: tickerScheduler{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Timer raises its event once the current time reaches an absolute
// expiration. Ticks only compare against that expiration, so late or
// coalesced ticks never fire early and never skip.
type Timer struct {
	*Event
	clock     Clock
	scheduler Scheduler
	logger    *slog.Logger

	mu         sync.Mutex
	expiration int64 // epoch seconds; 0 when idle
	generation uint64
	cancel     func()
}

// NewTimer builds an idle timer.
func NewTimer(name string, opts ...Option) *Timer {
	o := buildOptions(opts)
	return &Timer{
		Event:     NewEvent(name, o.logger),
		clock:     o.clock,
		scheduler: o.scheduler,
		logger:    o.logger,
	}
}

// Init arms the timer to fire d from now. d is floored to whole seconds
// with a minimum of one. Re-arming at the current expiration is a no-op.
func (t *Timer) Init(d time.Duration) {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	expiration := t.clock.Now().Unix() + secs

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil && t.expiration == expiration {
		t.logger.Debug("timer already armed", "timer", t.name, "expiration", expiration)
		return
	}
	t.stopLocked()

	t.logger.Debug("timer armed", "timer", t.name, "expiration", expiration)
	t.expiration = expiration
	t.generation++

	interval := MaxTickInterval
	if time.Duration(secs)*time.Second < interval {
		interval = time.Duration(secs) * time.Second
	}
	gen := t.generation
	t.cancel = t.scheduler.Every(interval, func() { t.tick(gen) })
}

// Expiration reports the armed expiration in epoch seconds.
func (t *Timer) Expiration() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiration, t.cancel != nil
}

// Cancel disarms the timer. It is safe to call when idle.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.logger.Debug("timer canceled", "timer", t.name)
	}
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.expiration = 0
}

func (t *Timer) tick(gen uint64) {
	now := t.clock.Now().Unix()

	t.mu.Lock()
	if gen != t.generation || t.cancel == nil || now < t.expiration {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.mu.Unlock()

	t.logger.Debug("timer fired", "timer", t.name, "now", now)
	metrics.RecordTimerFired(t.name)
	t.Raise()
}

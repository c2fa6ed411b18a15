// Package breaker implements a three-state circuit breaker guarding a
// single upstream, plus a Manager that tracks one breaker per named
// service and reports aggregate health.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow/Call when the breaker rejects a call.
var ErrOpen = fmt.Errorf("circuit open")

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// MonitoringWindow bounds the windowed failure-rate calculation.
	MonitoringWindow time.Duration
}

// Metrics is a point-in-time snapshot of a breaker's counters.
type Metrics struct {
	State               State
	TotalCalls          int64
	Successes           int64
	Failures            int64
	Rejections          int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastStateChange      time.Time
	OpenedAt             time.Time
	WindowedFailureRate  float64
	FailuresByKind       map[string]int64
}

type event struct {
	at      time.Time
	success bool
	kind    string
}

// Breaker is a single per-transport circuit breaker.
type Breaker struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalCalls           int64
	successes            int64
	failures             int64
	rejections           int64
	lastStateChange      time.Time
	openedAt             time.Time
	failuresByKind       map[string]int64
	window               []event
}

// New builds a Breaker. A nil clock uses the real one; a nil logger is a
// no-op logger.
func New(cfg Config, clk clock.Clock, log *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = time.Minute
	}
	return &Breaker{
		cfg:             cfg,
		clk:             clk,
		log:             log.With(zap.String("breaker", cfg.Name)),
		state:           Closed,
		lastStateChange: clk.Now(),
		failuresByKind:  make(map[string]int64),
	}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// when the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(HalfOpen)
			return true
		}
		b.rejections++
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.successes++
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0
	b.pushEvent(true, "")

	if b.state == HalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(Closed)
	}
}

// RecordFailure reports a failed call outcome, classified by kind (an
// arbitrary caller-chosen label, typically a retry.Kind.String()).
func (b *Breaker) RecordFailure(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.failures++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.failuresByKind[kind]++
	b.pushEvent(false, kind)

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.lastStateChange = b.clk.Now()
	if to == Open {
		b.openedAt = b.lastStateChange
	}
	if to == Closed || to == HalfOpen {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}
	b.log.Info("breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
}

func (b *Breaker) pushEvent(success bool, kind string) {
	now := b.clk.Now()
	b.window = append(b.window, event{at: now, success: success, kind: kind})
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen manually opens the breaker for operational control.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Open)
}

// Reset returns the breaker to Closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.totalCalls = 0
	b.successes = 0
	b.failures = 0
	b.rejections = 0
	b.lastStateChange = b.clk.Now()
	b.failuresByKind = make(map[string]int64)
	b.window = nil
}

// Metrics returns a consistent snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKind := make(map[string]int64, len(b.failuresByKind))
	for k, v := range b.failuresByKind {
		byKind[k] = v
	}

	var windowFailures, windowTotal int
	for _, e := range b.window {
		windowTotal++
		if !e.success {
			windowFailures++
		}
	}
	rate := 0.0
	if windowTotal > 0 {
		rate = float64(windowFailures) / float64(windowTotal)
	}

	return Metrics{
		State:                b.state,
		TotalCalls:           b.totalCalls,
		Successes:            b.successes,
		Failures:             b.failures,
		Rejections:           b.rejections,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastStateChange:      b.lastStateChange,
		OpenedAt:             b.openedAt,
		WindowedFailureRate:  rate,
		FailuresByKind:       byKind,
	}
}

// Call wraps fn with the breaker's gating: rejects with ErrOpen when
// closed-for-business, otherwise runs fn and records the outcome.
func (b *Breaker) Call(kind func(error) string, fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		label := ""
		if kind != nil {
			label = kind(err)
		}
		b.RecordFailure(label)
		return err
	}
	b.RecordSuccess()
	return nil
}

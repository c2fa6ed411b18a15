// Package monitor observes an active transport's health signals and
// derives a quality score, independent of the transport's own error
// reporting: it drives heartbeats and watches latency, but never sends
// audio traffic itself.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// Status is the coarse band a quality score falls into.
type Status int

const (
	Healthy Status = iota
	Degraded
	Critical
)

func (s Status) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "healthy"
	}
}

// Config configures a Monitor.
type Config struct {
	HeartbeatInterval         time.Duration
	ConsecutiveTimeoutLimit   int
	LatencyBaseline           time.Duration
	DegradedQualityThreshold  float64
	CriticalQualityThreshold  float64
	ConsecutiveErrorForRecovery int
}

// HeartbeatTimeout is emitted when N consecutive heartbeat intervals
// elapse without a response.
type HeartbeatTimeout struct{ ConsecutiveTimeouts int }

// HealthChanged is emitted when the derived quality score crosses a
// band boundary.
type HealthChanged struct {
	Quality float64
	Status  Status
}

// RecoveryNeeded is emitted on persistent degradation.
type RecoveryNeeded struct {
	Reason  string
	Metrics Metrics
}

// Event is the sealed union monitor emits. FallbackManager is the sole
// reader.
type Event interface{ isMonitorEvent() }

func (HeartbeatTimeout) isMonitorEvent() {}
func (HealthChanged) isMonitorEvent()    {}
func (RecoveryNeeded) isMonitorEvent()   {}

// Metrics is a point-in-time snapshot feeding quality derivation.
type Metrics struct {
	HeartbeatSuccesses  int
	HeartbeatAttempts   int
	LastReplyLatency    time.Duration
	ConsecutiveErrors   int
	ConsecutiveTimeouts int
}

func (m Metrics) heartbeatSuccessRate() float64 {
	if m.HeartbeatAttempts == 0 {
		return 1
	}
	return float64(m.HeartbeatSuccesses) / float64(m.HeartbeatAttempts)
}

func (m Metrics) latencyScore(baseline time.Duration) float64 {
	if baseline <= 0 || m.LastReplyLatency <= 0 {
		return 1
	}
	ratio := float64(m.LastReplyLatency) / float64(baseline)
	score := 1 - (ratio - 1)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (m Metrics) errorScore() float64 {
	score := 1 - float64(m.ConsecutiveErrors)*0.2
	if score < 0 {
		return 0
	}
	return score
}

// Score composes the three signals into a single 0..1 quality score.
func (m Metrics) Score(baseline time.Duration) float64 {
	return (m.heartbeatSuccessRate() + m.latencyScore(baseline) + m.errorScore()) / 3
}

func statusFor(quality, degradedAt, criticalAt float64) Status {
	if quality <= criticalAt {
		return Critical
	}
	if quality <= degradedAt {
		return Degraded
	}
	return Healthy
}

// Ping sends a heartbeat and reports round-trip latency; a non-nil
// error marks the heartbeat as timed out or failed, whatever the duration.
type Ping func(ctx context.Context) (time.Duration, error)

// Monitor watches one active transport.
type Monitor struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger
	ping Ping

	mu      sync.Mutex
	metrics Metrics
	status  Status
	cancel  context.CancelFunc

	events chan Event
}

// New builds a Monitor. A nil clock uses the real one.
func New(cfg Config, ping Ping, clk clock.Clock, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ConsecutiveTimeoutLimit <= 0 {
		cfg.ConsecutiveTimeoutLimit = 3
	}
	if cfg.DegradedQualityThreshold <= 0 {
		cfg.DegradedQualityThreshold = 0.6
	}
	if cfg.CriticalQualityThreshold <= 0 {
		cfg.CriticalQualityThreshold = 0.2
	}
	if cfg.ConsecutiveErrorForRecovery <= 0 {
		cfg.ConsecutiveErrorForRecovery = 5
	}
	return &Monitor{
		cfg:    cfg,
		clk:    clk,
		log:    log.With(zap.String("component", "connection_monitor")),
		ping:   ping,
		status: Healthy,
		events: make(chan Event, 32),
	}
}

// Events returns the monitor's event channel.
func (m *Monitor) Events() <-chan Event { return m.events }

// Start begins the heartbeat loop until ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.loop(cctx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(m.cfg.HeartbeatInterval):
			m.heartbeat(ctx)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	latency, err := m.ping(ctx)

	m.mu.Lock()
	m.metrics.HeartbeatAttempts++
	if err != nil {
		m.metrics.ConsecutiveTimeouts++
		m.metrics.ConsecutiveErrors++
	} else {
		m.metrics.HeartbeatSuccesses++
		m.metrics.ConsecutiveTimeouts = 0
		m.metrics.ConsecutiveErrors = 0
		m.metrics.LastReplyLatency = latency
	}
	timeouts := m.metrics.ConsecutiveTimeouts
	metricsSnapshot := m.metrics
	m.mu.Unlock()

	if timeouts > 0 && timeouts >= m.cfg.ConsecutiveTimeoutLimit {
		publish(m.events, HeartbeatTimeout{ConsecutiveTimeouts: timeouts})
	}

	m.evaluateQuality(metricsSnapshot)
}

// RecordError lets the owning transport/manager report an out-of-band
// error (e.g. a send failure) that should count toward the consecutive
// error score without waiting for the next heartbeat tick.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.metrics.ConsecutiveErrors++
	snapshot := m.metrics
	m.mu.Unlock()
	m.evaluateQuality(snapshot)
}

// RecordSuccess resets the consecutive error counter after an
// out-of-band success.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.metrics.ConsecutiveErrors = 0
	snapshot := m.metrics
	m.mu.Unlock()
	m.evaluateQuality(snapshot)
}

func (m *Monitor) evaluateQuality(metrics Metrics) {
	quality := metrics.Score(m.cfg.LatencyBaseline)
	newStatus := statusFor(quality, m.cfg.DegradedQualityThreshold, m.cfg.CriticalQualityThreshold)

	m.mu.Lock()
	changed := newStatus != m.status
	m.status = newStatus
	m.mu.Unlock()

	if changed {
		publish(m.events, HealthChanged{Quality: quality, Status: newStatus})
	}

	if metrics.ConsecutiveErrors >= m.cfg.ConsecutiveErrorForRecovery {
		publish(m.events, RecoveryNeeded{Reason: "persistent degradation", Metrics: metrics})
	}
}

// Metrics returns a snapshot of the monitor's current counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func publish(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

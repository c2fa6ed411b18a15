// Package fallback implements the central orchestrator: it owns the
// active Transport, the ReplayEngine, the ConnectionMonitor, and the
// Reconciler, and drives transitions between transport tiers when the
// current one degrades or fails outright.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
	"github.com/liveline-app/transcriber-core/internal/monitor"
	"github.com/liveline-app/transcriber-core/internal/replay"
	"github.com/liveline-app/transcriber-core/internal/segment"
	"github.com/liveline-app/transcriber-core/internal/transcript"
	"github.com/liveline-app/transcriber-core/internal/transport"
)

// State is the manager's own lifecycle state, distinct from any single
// transport's.
type State int

const (
	Inactive State = iota
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Failed:
		return "failed"
	default:
		return "inactive"
	}
}

// Event is the sealed consumer-facing event union.
type Event interface{ isManagerEvent() }

type Transcription struct {
	ID          string
	Text        string
	Confidence  float64
	Source      string
	SessionID   string
	UtteranceID string
	Timestamp   time.Time
	IsPartial   bool
	IsFinal     bool
}

type TransportChanged struct{ From, To transport.ID }
type TransportFailed struct {
	Name transport.ID
	Err  error
}
type FallbackExhausted struct{}
type BacklogWarning struct{ Size int }
type SegmentReplayed struct {
	Segment *segment.AudioSegment
	Result  replay.Result
}
type SegmentFailed struct {
	Segment *segment.AudioSegment
	Err     error
}

func (Transcription) isManagerEvent()     {}
func (TransportChanged) isManagerEvent()  {}
func (TransportFailed) isManagerEvent()   {}
func (FallbackExhausted) isManagerEvent() {}
func (BacklogWarning) isManagerEvent()    {}
func (SegmentReplayed) isManagerEvent()   {}
func (SegmentFailed) isManagerEvent()     {}

// Config configures a Manager; zero values fall back to the spec's
// defaults, except FallbackDelay, where zero means no delay and only a
// negative value takes the default.
type Config struct {
	MaxConsecutive1007          int
	MaxSchemaVariantFailures    int
	ConnectionQualityThreshold  float64
	FallbackDelay               time.Duration
	TransportTimeout            time.Duration
	EnableAggressiveFallback    bool
	EnableAudioBuffering        bool
	MaxFailuresPerTransport     int
	Replay                      replay.Config
	Buffer                      segment.Config
	Monitor                     monitor.Config
	Reconciler                  transcript.Config
}

// Statistics is the snapshot get_statistics returns.
type Statistics struct {
	CurrentTransport transport.ID
	State            State
	BufferSize       int
	Quality          float64
	FailureCounts    map[transport.ID]int
	Consecutive1007  int
	SchemaVariantFailures int
}

// Manager is the FallbackManager: the system's central orchestrator.
type Manager struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger

	transports []transport.Transport // priority order, highest first
	reconciler *transcript.Reconciler
	replayEng  *replay.Engine
	mon        *monitor.Monitor

	mu              sync.Mutex
	current         transport.Transport
	sessionID       string
	state           State
	frozen          bool
	failureCounts   map[transport.ID]int
	consecutive1007 int
	schemaVariantFailures int

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	events chan Event
}

// New builds a Manager over transports, which must be supplied in
// priority order (highest priority first). A nil clock uses the real
// one.
func New(cfg Config, transports []transport.Transport, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConsecutive1007 <= 0 {
		cfg.MaxConsecutive1007 = 3
	}
	if cfg.MaxSchemaVariantFailures <= 0 {
		cfg.MaxSchemaVariantFailures = 6
	}
	if cfg.ConnectionQualityThreshold <= 0 {
		cfg.ConnectionQualityThreshold = 0.4
	}
	if cfg.FallbackDelay < 0 {
		cfg.FallbackDelay = 500 * time.Millisecond
	}
	if cfg.MaxFailuresPerTransport <= 0 {
		cfg.MaxFailuresPerTransport = 3
	}
	if cfg.Buffer.MaxSegments <= 0 {
		cfg.Buffer.MaxSegments = 100
	}

	buf := segment.New(cfg.Buffer, clk, log)
	m := &Manager{
		cfg:           cfg,
		clk:           clk,
		log:           log.With(zap.String("component", "fallback_manager")),
		transports:    transports,
		reconciler:    transcript.New(cfg.Reconciler, clk, log),
		replayEng:     replay.New(cfg.Replay, buf, clk, log),
		failureCounts: make(map[transport.ID]int),
		events:        make(chan Event, 128),
	}
	m.mon = monitor.New(cfg.Monitor, m.heartbeatPing, clk, log)
	return m
}

// Events returns the manager's consumer-facing event channel.
func (m *Manager) Events() <-chan Event { return m.events }

// Start initializes the highest-priority available transport.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.rootCtx, m.cancelRoot = context.WithCancel(ctx)
	m.sessionID = sessionID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMonitorEvents(m.rootCtx)
	}()
	m.mon.Start(m.rootCtx)

	for _, t := range m.transports {
		if !t.IsAvailable() {
			continue
		}
		if err := m.activate(m.rootCtx, t); err == nil {
			m.setState(Active)
			return nil
		}
	}

	m.setState(Failed)
	publish(m.events, FallbackExhausted{})
	return fmt.Errorf("no transport available to start")
}

func (m *Manager) activate(ctx context.Context, t transport.Transport) error {
	if err := t.Initialize(ctx); err != nil {
		m.bumpFailure(t.ID())
		return err
	}

	m.mu.Lock()
	m.current = t
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchTransportEvents(ctx, t)
	}()
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// SendAudio buffers payload into the ReplayEngine (if enabled) and
// forwards it to the current transport.
func (m *Manager) SendAudio(ctx context.Context, payload []byte, opts segment.Metadata, durationMs int64) error {
	m.mu.Lock()
	current := m.current
	frozen := m.frozen
	m.mu.Unlock()

	if m.cfg.EnableAudioBuffering {
		opts.SessionID = m.sessionID
		seg := segment.New(payload, durationMs, opts, m.clk.Now())
		m.replayEng.Buffer().Append(seg)
	}

	if current == nil || frozen {
		return fmt.Errorf("no active transport to send audio")
	}

	cctx, cancel := context.WithTimeout(ctx, m.effectiveTimeout())
	defer cancel()

	result, err := current.SendAudio(cctx, payload, transport.SendOptions{VoiceActive: opts.VoiceActive, ChunkIndex: opts.ChunkIndex})
	if err != nil {
		m.mon.RecordError()
		return m.routeSendError(current, err)
	}

	m.mon.RecordSuccess()
	m.mu.Lock()
	m.consecutive1007 = 0
	m.mu.Unlock()

	if result.Text != "" {
		m.emitTranscription(current.ID(), result)
	}
	return nil
}

func (m *Manager) routeSendError(t transport.Transport, err error) error {
	if isSchemaFailure(err) {
		return m.HandleSchemaError(err, nil)
	}
	m.bumpFailure(t.ID())
	publish(m.events, TransportFailed{Name: t.ID(), Err: err})
	return err
}

func isSchemaFailure(err error) bool {
	return false // socket transport classifies and rotates variants internally; cross-tier schema escalation arrives via SchemaExhausted events instead.
}

// SendTurnComplete forwards to the current transport, absorbing errors
// unless they are schema-class.
func (m *Manager) SendTurnComplete(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return fmt.Errorf("no active transport")
	}
	if err := current.SendTurnComplete(ctx); err != nil && isSchemaFailure(err) {
		return m.HandleSchemaError(err, nil)
	}
	return nil
}

// ForceFallback forces a transition to the next transport.
func (m *Manager) ForceFallback(reason string) error {
	m.log.Info("forcing fallback", zap.String("reason", reason))
	return m.transition()
}

// HandleSchemaError increments schema-error counters and triggers
// fallback once either threshold is crossed.
func (m *Manager) HandleSchemaError(err error, variant *int) error {
	m.mu.Lock()
	m.consecutive1007++
	m.schemaVariantFailures++
	exceeded := m.consecutive1007 >= m.cfg.MaxConsecutive1007 || m.schemaVariantFailures >= m.cfg.MaxSchemaVariantFailures
	m.mu.Unlock()

	m.log.Debug("schema error", zap.Error(err), zap.Bool("threshold_exceeded", exceeded))

	if exceeded {
		return m.transition()
	}
	return nil
}

// Destroy terminates the monitor, destroys the active transport, clears
// the buffer, and drops subscriptions.
func (m *Manager) Destroy(ctx context.Context) error {
	if m.cancelRoot != nil {
		m.cancelRoot()
	}
	m.mon.Stop()

	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		current.Destroy(ctx)
	}
	m.replayEng.Buffer().Clear()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("destroy timed out waiting for in-flight goroutines")
	}

	close(m.events)
	return nil
}

// Statistics returns a consistent snapshot for get_statistics.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[transport.ID]int, len(m.failureCounts))
	for k, v := range m.failureCounts {
		counts[k] = v
	}

	quality := 0.0
	id := transport.ID(-1)
	if m.current != nil {
		quality = m.current.Quality()
		id = m.current.ID()
	}

	return Statistics{
		CurrentTransport:      id,
		State:                 m.state,
		BufferSize:            m.replayEng.Buffer().Stats().Count,
		Quality:               quality,
		FailureCounts:         counts,
		Consecutive1007:       m.consecutive1007,
		SchemaVariantFailures: m.schemaVariantFailures,
	}
}

func (m *Manager) effectiveTimeout() time.Duration {
	if m.cfg.TransportTimeout <= 0 {
		return 10 * time.Second
	}
	return m.cfg.TransportTimeout
}

func (m *Manager) bumpFailure(id transport.ID) {
	m.mu.Lock()
	m.failureCounts[id]++
	m.mu.Unlock()
}

// selectNext picks the highest-priority available transport that is not
// current and whose failure counter is below the configured cap.
func (m *Manager) selectNext() transport.Transport {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	for _, t := range m.transports {
		if current != nil && t.ID() == current.ID() {
			continue
		}
		m.mu.Lock()
		count := m.failureCounts[t.ID()]
		m.mu.Unlock()
		if count >= m.cfg.MaxFailuresPerTransport {
			continue
		}
		if !t.IsAvailable() {
			continue
		}
		return t
	}
	return nil
}

// transition runs the fallback protocol: freeze sends, destroy the
// current transport, wait fallback_delay, initialize the next
// candidate (recursing on failure, bounded by transport count),
// announce the switch, then drive the replay engine.
func (m *Manager) transition() error {
	return m.transitionAttempt(len(m.transports))
}

func (m *Manager) transitionAttempt(budget int) error {
	if budget <= 0 {
		m.setState(Failed)
		publish(m.events, FallbackExhausted{})
		return fmt.Errorf("fallback exhausted: no remaining candidates")
	}

	next := m.selectNext()
	if next == nil {
		m.setState(Failed)
		publish(m.events, FallbackExhausted{})
		return fmt.Errorf("fallback exhausted: no available transport")
	}

	m.mu.Lock()
	m.frozen = true
	from := transport.ID(-1)
	if m.current != nil {
		from = m.current.ID()
		m.current.Destroy(m.rootCtx)
	}
	m.mu.Unlock()

	m.clk.Sleep(m.cfg.FallbackDelay)

	if err := m.activate(m.rootCtx, next); err != nil {
		m.bumpFailure(next.ID())
		return m.transitionAttempt(budget - 1)
	}

	m.mu.Lock()
	m.frozen = false
	m.mu.Unlock()

	m.reconciler.AnnounceTransportSwitch(m.clk.Now())
	publish(m.events, TransportChanged{From: from, To: next.ID()})
	m.setState(Active)

	m.driveReplay(next)
	return nil
}

func (m *Manager) driveReplay(t transport.Transport) {
	m.replayEng.Run(m.rootCtx, func(ctx context.Context, s *segment.AudioSegment) (replay.Result, error) {
		result, err := t.SendAudio(ctx, s.Payload, transport.SendOptions{VoiceActive: s.Metadata.VoiceActive, ChunkIndex: s.Metadata.ChunkIndex})
		return replay.Result{Text: result.Text, Confidence: result.Confidence}, err
	})

	for {
		select {
		case r := <-m.replayEng.Replayed:
			publish(m.events, SegmentReplayed{Segment: r.Segment, Result: r.Result})
		case f := <-m.replayEng.Failed:
			publish(m.events, SegmentFailed{Segment: f.Segment, Err: f.Err})
		default:
			return
		}
	}
}

func (m *Manager) emitTranscription(source transport.ID, result transport.Result) {
	raw := transcript.Segment{
		SessionID:  m.sessionID,
		Source:     source.String(),
		Text:       result.Text,
		Confidence: result.Confidence,
		Timestamp:  m.clk.Now(),
		IsPartial:  !result.IsFinal,
		IsFinal:    result.IsFinal,
	}
	_, assigned := m.reconciler.Ingest(raw)

	publish(m.events, Transcription{
		ID:          fmt.Sprintf("%s-%d", assigned.SessionID, assigned.SequenceNumber),
		Text:        assigned.Text,
		Confidence:  assigned.Confidence,
		Source:      assigned.Source,
		SessionID:   assigned.SessionID,
		UtteranceID: assigned.UtteranceID,
		Timestamp:   assigned.Timestamp,
		IsPartial:   assigned.IsPartial,
		IsFinal:     assigned.IsFinal,
	})
}

// heartbeatPing is the ConnectionMonitor's Ping implementation: it
// measures the round trip of a send_turn_complete call against the
// current transport, since the Transport contract has no dedicated
// ping operation and every tier already treats turn-complete as a
// cheap, idempotent probe.
func (m *Manager) heartbeatPing(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return 0, fmt.Errorf("no active transport")
	}

	start := m.clk.Now()
	err := current.SendTurnComplete(ctx)
	return m.clk.Now().Sub(start), err
}

func (m *Manager) runMonitorEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.mon.Events():
			if !ok {
				return
			}
			m.handleMonitorEvent(ev)
		}
	}
}

func (m *Manager) handleMonitorEvent(ev monitor.Event) {
	switch e := ev.(type) {
	case monitor.HeartbeatTimeout:
		if e.ConsecutiveTimeouts >= 3 {
			m.transition()
		}
	case monitor.HealthChanged:
		if m.cfg.EnableAggressiveFallback && e.Quality <= 0.2 {
			m.transition()
		}
	case monitor.RecoveryNeeded:
		m.transition()
	}
}

func (m *Manager) watchTransportEvents(ctx context.Context, t transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.Events():
			if !ok {
				return
			}
			m.handleTransportEvent(t, ev)
		}
	}
}

func (m *Manager) handleTransportEvent(t transport.Transport, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Disconnected:
		m.bumpFailure(t.ID())
		publish(m.events, TransportFailed{Name: t.ID(), Err: fmt.Errorf("disconnected: %s", e.Reason)})
		m.transition()
	case transport.Error:
		m.mon.RecordError()
		m.bumpFailure(t.ID())
		publish(m.events, TransportFailed{Name: t.ID(), Err: e.Err})
	case transport.HealthChange:
		if !e.Healthy {
			m.mon.RecordError()
		} else {
			m.mon.RecordSuccess()
		}
	case transport.SchemaExhausted:
		// A tier with no variants left cannot carry audio: move on even
		// when the escalation counters are still below their thresholds.
		m.mu.Lock()
		before := m.current
		m.mu.Unlock()
		m.HandleSchemaError(fmt.Errorf("schema variants exhausted on %s", t.ID()), nil)
		m.mu.Lock()
		switched := m.current != before
		m.mu.Unlock()
		if !switched {
			m.transition()
		}
	case transport.Transcribed:
		m.emitTranscription(t.ID(), e.Result)
	}
}

func publish(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

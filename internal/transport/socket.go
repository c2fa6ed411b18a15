package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/breaker"
	"github.com/liveline-app/transcriber-core/internal/clock"
)

// schemaFailurePhrases are the in-band error phrases that, alongside
// close code 1007, identify a payload-validation failure rather than a
// generic transport error.
var schemaFailurePhrases = []string{"Invalid JSON payload", "clientContent", "contents", "parts"}

// SocketConfig configures the bidirectional socket transport.
type SocketConfig struct {
	CommonConfig
	APIKeyParam            string        // query param name, default "key"
	Variants                []int         // ordered schema variant ids, e.g. 13..16
	ReconnectDelay          time.Duration
	SchemaVariantRetryLimit int
	HeartbeatInterval       time.Duration
	MimeType                string
	// Insecure skips the ws->wss canonicalization, for dialing local
	// fake/test servers that don't terminate TLS.
	Insecure bool
}

// DefaultVariants matches the spec's variant range.
func DefaultVariants() []int { return []int{13, 14, 15, 16} }

// envelopeBuilder constructs the wire envelope for a given schema
// variant. The spec leaves per-variant envelope shape unspecified
// beyond the default; additional variants can be registered here.
type envelopeBuilder func(payload []byte, mime string) ([]byte, error)

func defaultEnvelopeBuilder(payload []byte, mime string) ([]byte, error) {
	env := map[string]any{
		"realtimeInput": map[string]any{
			"mediaChunks": []map[string]any{
				{"mimeType": mime, "data": base64.StdEncoding.EncodeToString(payload)},
			},
		},
	}
	return json.Marshal(env)
}

var turnCompleteEnvelope = []byte(`{"clientContent":{"turnComplete":true}}`)

// Dialer abstracts websocket dialing so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header map[string][]string) (*websocket.Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, urlStr string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	return conn, err
}

// Socket is the bidirectional socket transport (priority 1).
type Socket struct {
	cfg     SocketConfig
	clk     clock.Clock
	log     *zap.Logger
	dialer  Dialer
	circuit *breaker.Breaker

	mu              sync.Mutex
	conn            *websocket.Conn
	state           State
	variantIdx      int
	schemaFailures  int
	successes       int64
	totalSends      int64
	quality         float64
	healthy         bool
	cancel          context.CancelFunc

	events chan Event
}

// NewSocket builds a Socket transport. A nil dialer uses gorilla/websocket
// directly.
func NewSocket(cfg SocketConfig, circuit *breaker.Breaker, clk clock.Clock, log *zap.Logger, dialer Dialer) *Socket {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = DefaultVariants()
	}
	if cfg.APIKeyParam == "" {
		cfg.APIKeyParam = "key"
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "audio/pcm"
	}
	if cfg.SchemaVariantRetryLimit <= 0 {
		cfg.SchemaVariantRetryLimit = len(cfg.Variants)
	}
	return &Socket{
		cfg:     cfg,
		clk:     clk,
		log:     log.With(zap.String("transport", "socket")),
		dialer:  dialer,
		circuit: circuit,
		state:   Inactive,
		events:  make(chan Event, 32),
	}
}

func (s *Socket) ID() ID              { return Websocket }
func (s *Socket) Events() <-chan Event { return s.events }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) IsAvailable() bool {
	return s.circuit == nil || s.circuit.Allow()
}

// Initialize connects to the remote service using the current schema
// variant, starting background heartbeat and receive loops.
func (s *Socket) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.state = Initializing
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.setState(Failed)
		return err
	}

	cctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.state = Active
	s.healthy = true
	s.mu.Unlock()

	go s.receiveLoop(cctx)
	go s.heartbeatLoop(cctx)

	publish(s.events, Connected{TransportID: Websocket})
	return nil
}

func (s *Socket) connect(ctx context.Context) error {
	variant := s.cfg.Variants[s.variantIdx]
	u, err := url.Parse(s.cfg.EndpointBase)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.APIKeyParam, s.cfg.APIKey)
	q.Set("variant", fmt.Sprintf("%d", variant))
	u.RawQuery = q.Encode()
	if u.Scheme == "ws" && !s.cfg.Insecure {
		u.Scheme = "wss" // spec: treat wss as canonical
	}

	conn, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(interval):
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.setQuality(0.5, false)
				publish(s.events, HealthChange{TransportID: Websocket, Healthy: false, Quality: 0.5})
			}
		}
	}
}

func (s *Socket) receiveLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := websocket.CloseNoStatusReceived
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			if s.isSchemaFailure(code, string(msg)) {
				if s.handleSchemaFailure(ctx) {
					continue
				}
				return
			}
			publish(s.events, Disconnected{TransportID: Websocket, Code: code, Reason: err.Error()})
			s.setState(Failed)
			return
		}

		if s.isSchemaFailure(0, string(msg)) {
			if s.handleSchemaFailure(ctx) {
				continue
			}
			return
		}

		if result, ok := parseContentMessage(msg); ok {
			publish(s.events, Transcribed{TransportID: Websocket, Result: result})
		}
	}
}

// parseContentMessage extracts a transcription result from a
// server-pushed content message, the socket tier's response to an
// in-flight SendAudio beyond its synchronous write acknowledgement.
func parseContentMessage(msg []byte) (Result, bool) {
	var chunk httpStreamResponse
	if err := json.Unmarshal(msg, &chunk); err != nil {
		return Result{}, false
	}
	var text strings.Builder
	for _, c := range chunk.Candidates {
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
	}
	if text.Len() == 0 {
		return Result{}, false
	}
	return Result{Text: text.String()}, true
}

func (s *Socket) isSchemaFailure(closeCode int, body string) bool {
	if closeCode == 1007 {
		return true
	}
	for _, phrase := range schemaFailurePhrases {
		if strings.Contains(body, phrase) {
			return true
		}
	}
	return false
}

// handleSchemaFailure rotates to the next variant and reconnects,
// reporting true when the new connection is up so the receive loop keeps
// reading; otherwise it emits SchemaExhausted (or Error) and reports false.
func (s *Socket) handleSchemaFailure(ctx context.Context) bool {
	s.mu.Lock()
	s.schemaFailures++
	hasMore := s.variantIdx+1 < len(s.cfg.Variants)
	withinLimit := s.schemaFailures < s.cfg.SchemaVariantRetryLimit
	if hasMore && withinLimit {
		s.variantIdx++
	}
	shouldReconnect := hasMore && withinLimit
	s.mu.Unlock()

	if !shouldReconnect {
		s.setState(Failed)
		s.setQuality(0, false)
		publish(s.events, SchemaExhausted{TransportID: Websocket})
		return false
	}

	s.clk.Sleep(s.cfg.ReconnectDelay)
	if err := s.connect(ctx); err != nil {
		s.setState(Failed)
		publish(s.events, Error{TransportID: Websocket, Err: err})
		return false
	}
	return true
}

// SendAudio frames payload in the realtimeInput envelope (the same for
// every schema variant; the variant is selected in the dial URL) and
// writes it to the socket; the correlated result arrives asynchronously
// in a real deployment, but for this transport layer a synchronous ack
// model is used: the write succeeding is the unit of success the
// FallbackManager's buffer acks on, with the actual transcript text
// delivered via the consumer event stream.
func (s *Socket) SendAudio(ctx context.Context, payload []byte, opts SendOptions) (Result, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return Result{}, fmt.Errorf("socket transport not initialized")
	}

	body, err := defaultEnvelopeBuilder(payload, s.cfg.MimeType)
	if err != nil {
		return Result{}, fmt.Errorf("build envelope: %w", err)
	}

	deadline, cancel := context.WithTimeout(ctx, s.effectiveTimeout())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.WriteMessage(websocket.TextMessage, body) }()

	select {
	case <-deadline.Done():
		return Result{}, deadline.Err()
	case err := <-errCh:
		if err != nil {
			s.recordOutcome(false)
			return Result{}, fmt.Errorf("write audio: %w", err)
		}
	}

	s.recordOutcome(true)
	return Result{}, nil
}

func (s *Socket) SendTurnComplete(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket transport not initialized")
	}
	return conn.WriteMessage(websocket.TextMessage, turnCompleteEnvelope)
}

func (s *Socket) effectiveTimeout() time.Duration {
	if s.cfg.TransportTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.TransportTimeout
}

func (s *Socket) recordOutcome(success bool) {
	s.mu.Lock()
	s.totalSends++
	if success {
		s.successes++
	}
	total := s.totalSends
	ok := s.successes
	schemaFailures := s.schemaFailures
	s.mu.Unlock()

	successRate := 1.0
	if total > 0 {
		successRate = float64(ok) / float64(total)
	}
	schemaFailureRate := 0.0
	if total > 0 {
		schemaFailureRate = float64(schemaFailures) / float64(total)
	}
	quality := successRate * (1 - 0.5*schemaFailureRate)
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	s.setQuality(quality, success)
}

func (s *Socket) setQuality(q float64, healthy bool) {
	s.mu.Lock()
	s.quality = q
	s.healthy = healthy
	s.mu.Unlock()
}

// Quality reports the current connection quality score: 0 while
// disconnected, 0.2 while connected but unhealthy, else the computed
// success/schema-failure composite.
func (s *Socket) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active && s.state != Degraded {
		return 0
	}
	if !s.healthy {
		return 0.2
	}
	return s.quality
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Socket) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.conn = nil
	s.state = Inactive
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

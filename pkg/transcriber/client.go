// Package transcriber is the public API: it wires the
// circuit breakers, the three transport tiers, the connection monitor,
// the transcript reconciler, and the fallback manager into a single
// resilient transcription session, generalized from the teacher's
// pkg/agent.Agent / agents.Session constructor and lifecycle shape.
package transcriber

import (
	"context"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/breaker"
	"github.com/liveline-app/transcriber-core/internal/clock"
	"github.com/liveline-app/transcriber-core/internal/config"
	"github.com/liveline-app/transcriber-core/internal/fallback"
	"github.com/liveline-app/transcriber-core/internal/monitor"
	"github.com/liveline-app/transcriber-core/internal/replay"
	"github.com/liveline-app/transcriber-core/internal/segment"
	"github.com/liveline-app/transcriber-core/internal/transcript"
	"github.com/liveline-app/transcriber-core/internal/transport"
)

// SendOptions mirrors transport.SendOptions at the public surface, kept
// as a distinct type so internal/transport can evolve independently.
type SendOptions struct {
	VoiceActive bool
	ChunkIndex  int
	DurationMs  int64
}

// Event re-exports the fallback manager's consumer-facing event union.
type Event = fallback.Event

// Statistics re-exports the fallback manager's statistics snapshot.
type Statistics = fallback.Statistics

// Client is the resilient streaming transcription transport's public
// entry point.
type Client struct {
	cfg     config.Config
	log     *zap.Logger
	manager *fallback.Manager
}

// New builds a Client from cfg. It does not connect anything until Start
// is called.
func New(cfg config.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.Real()

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  cfg.FallbackDelay * 10,
	}, clk, logger)

	wsScheme, httpScheme := "wss", "https"
	if cfg.Insecure {
		wsScheme, httpScheme = "ws", "http"
	}

	socket := transport.NewSocket(transport.SocketConfig{
		CommonConfig: transport.CommonConfig{
			TransportTimeout: cfg.TransportTimeout,
			EndpointBase:     wsScheme + "://" + cfg.EndpointHost,
			APIKey:           cfg.APIKey,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		Insecure:          cfg.Insecure,
	}, breakers.Get("websocket"), clk, logger, nil)

	httpCommon := transport.CommonConfig{
		TransportTimeout: cfg.TransportTimeout,
		EndpointBase:     httpScheme + "://" + cfg.EndpointHost,
		APIKey:           cfg.APIKey,
	}

	httpStream := transport.NewHTTPStream(transport.HTTPStreamConfig{
		CommonConfig: httpCommon,
	}, breakers.Get("http_stream"), clk, logger, nil)

	batch := transport.NewBatch(transport.BatchConfig{
		CommonConfig: httpCommon,
	}, breakers.Get("batch"), clk, logger, nil)

	transports := []transport.Transport{socket, httpStream, batch}

	manager := fallback.New(fallback.Config{
		MaxConsecutive1007:         cfg.MaxConsecutive1007,
		MaxSchemaVariantFailures:   cfg.MaxSchemaVariantFailures,
		ConnectionQualityThreshold: cfg.ConnectionQualityThreshold,
		FallbackDelay:              cfg.FallbackDelay,
		TransportTimeout:           cfg.TransportTimeout,
		EnableAggressiveFallback:   cfg.EnableAggressiveFallback,
		EnableAudioBuffering:       cfg.EnableAudioBuffering,
		Replay: replay.Config{
			Mode:                 replay.PriorityBatching,
			MaxConcurrentReplays: cfg.ReplayMaxConcurrentReplays,
			ReplayTimeout:        cfg.ReplayTimeout,
			BacklogThreshold:     cfg.ReplayBacklogThreshold,
		},
		Buffer: segment.Config{
			MaxSegments:    cfg.BufferMaxSegments,
			MaxMemoryBytes: int64(cfg.BufferMaxMemoryMB) * 1024 * 1024,
			BaseMaxAge:     cfg.BufferMaxAge,
		},
		Monitor: monitor.Config{
			HeartbeatInterval:        cfg.HeartbeatInterval,
			DegradedQualityThreshold: cfg.ConnectionQualityThreshold,
		},
		Reconciler: transcript.Config{
			Strategy: transcript.ConfidenceBased,
		},
	}, transports, clk, logger)

	return &Client{cfg: cfg, log: logger, manager: manager}
}

// Start initializes the highest-priority available transport for
// sessionID (a random id is not generated on empty; callers own session
// identity).
func (c *Client) Start(ctx context.Context, sessionID string) error {
	return c.manager.Start(ctx, sessionID)
}

// SendAudio buffers and forwards one audio chunk through the active
// transport.
func (c *Client) SendAudio(ctx context.Context, payload []byte, opts SendOptions) error {
	meta := segment.Metadata{VoiceActive: opts.VoiceActive, ChunkIndex: opts.ChunkIndex}
	return c.manager.SendAudio(ctx, payload, meta, opts.DurationMs)
}

// SendTurnComplete signals end-of-turn to the active transport.
func (c *Client) SendTurnComplete(ctx context.Context) error {
	return c.manager.SendTurnComplete(ctx)
}

// ForceFallback forces a transition to the next available transport.
func (c *Client) ForceFallback(reason string) error {
	return c.manager.ForceFallback(reason)
}

// Destroy terminates the session: monitor, active transport, buffer,
// and subscriptions are all torn down.
func (c *Client) Destroy(ctx context.Context) error {
	return c.manager.Destroy(ctx)
}

// Statistics returns a consistent snapshot of the session's current
// transport, state, error counters, buffer size, and quality.
func (c *Client) Statistics() Statistics {
	return c.manager.Statistics()
}

// Events returns the consumer-facing event stream.
func (c *Client) Events() <-chan Event {
	return c.manager.Events()
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/breaker"
	"github.com/liveline-app/transcriber-core/internal/clock"
)

// BatchConfig configures the batch transport (priority 3).
type BatchConfig struct {
	CommonConfig
	GeneratePath    string
	MaxBytes        int
	MaxDelay        time.Duration
	CompressPayload func([]byte) []byte // optional; pass-through if nil
}

// Batch accumulates audio until a byte-size threshold or a max-delay
// elapses, then submits a single non-streaming request. A background
// timer drives the max-delay path; send_turn_complete forces an
// immediate flush.
type Batch struct {
	cfg     BatchConfig
	clk     clock.Clock
	log     *zap.Logger
	circuit *breaker.Breaker
	client  *http.Client

	mu      sync.Mutex
	state   State
	pending bytes.Buffer
	quality float64
	cancel  context.CancelFunc

	events chan Event
}

// NewBatch builds a Batch transport. A nil client uses http.DefaultClient.
func NewBatch(cfg BatchConfig, circuit *breaker.Breaker, clk clock.Clock, log *zap.Logger, client *http.Client) *Batch {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.GeneratePath == "" {
		cfg.GeneratePath = ":generateContent"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 * 1024
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &Batch{
		cfg:     cfg,
		clk:     clk,
		log:     log.With(zap.String("transport", "batch")),
		circuit: circuit,
		client:  client,
		state:   Inactive,
		events:  make(chan Event, 32),
	}
}

func (b *Batch) ID() ID               { return Batch }
func (b *Batch) Events() <-chan Event { return b.events }
func (b *Batch) IsAvailable() bool    { return b.circuit == nil || b.circuit.Allow() }

func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Batch) Initialize(ctx context.Context) error {
	cctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.state = Active
	b.cancel = cancel
	b.mu.Unlock()

	go b.delayTimer(cctx)
	publish(b.events, Connected{TransportID: Batch})
	return nil
}

func (b *Batch) delayTimer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(b.cfg.MaxDelay):
			if result, ok, err := b.flush(ctx); ok {
				if err != nil {
					publish(b.events, Error{TransportID: Batch, Err: err})
				} else {
					publish(b.events, Transcribed{TransportID: Batch, Result: result})
				}
			}
		}
	}
}

// SendAudio appends payload to the pending batch, flushing immediately
// (and returning the real result) if the byte threshold is crossed.
func (b *Batch) SendAudio(ctx context.Context, payload []byte, opts SendOptions) (Result, error) {
	if b.cfg.CompressPayload != nil {
		payload = b.cfg.CompressPayload(payload)
	}

	b.mu.Lock()
	b.pending.Write(payload)
	overflow := b.pending.Len() >= b.cfg.MaxBytes
	b.mu.Unlock()

	if !overflow {
		return Result{IsFinal: false}, nil
	}

	result, flushed, err := b.flush(ctx)
	if !flushed {
		return Result{IsFinal: false}, nil
	}
	return result, err
}

// SendTurnComplete forces an immediate flush of the current batch.
func (b *Batch) SendTurnComplete(ctx context.Context) error {
	_, _, err := b.flush(ctx)
	return err
}

func (b *Batch) flush(ctx context.Context) (Result, bool, error) {
	b.mu.Lock()
	if b.pending.Len() == 0 {
		b.mu.Unlock()
		return Result{}, false, nil
	}
	payload := make([]byte, b.pending.Len())
	copy(payload, b.pending.Bytes())
	b.pending.Reset()
	b.mu.Unlock()

	result, err := b.submit(ctx, payload)
	if err != nil {
		b.setQuality(0.1)
		return Result{}, true, err
	}
	b.setQuality(0.6)
	return result, true, nil
}

func (b *Batch) submit(ctx context.Context, payload []byte) (Result, error) {
	body, err := buildBody(payload, "audio/pcm")
	if err != nil {
		return Result{}, fmt.Errorf("build body: %w", err)
	}

	timeout := b.cfg.TransportTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, endpointURL(b.cfg.EndpointBase, b.cfg.GeneratePath), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("client error: %d", resp.StatusCode)
	}

	var parsed httpStreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	var text string
	if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
		text = parsed.Candidates[0].Content.Parts[0].Text
	}
	return Result{Text: text, IsFinal: true}, nil
}

func (b *Batch) setQuality(q float64) {
	b.mu.Lock()
	// quality is capped at 0.6 for this tier.
	if q > 0.6 {
		q = 0.6
	}
	b.quality = q
	b.mu.Unlock()
}

func (b *Batch) Quality() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Active && b.state != Degraded {
		return 0
	}
	return b.quality
}

func (b *Batch) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.state = Inactive
	b.mu.Unlock()
	return nil
}

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/breaker"
	"github.com/liveline-app/transcriber-core/internal/clock"
)

// HTTPStreamConfig configures the HTTP streaming transport (priority 2).
type HTTPStreamConfig struct {
	CommonConfig
	StreamPath string
}

// httpStreamResponse models one line-delimited JSON chunk of the
// model's streaming response.
type httpStreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// HTTPStream submits each audio payload as a single streaming request
// and concatenates the extracted text across response chunks.
type HTTPStream struct {
	cfg     HTTPStreamConfig
	clk     clock.Clock
	log     *zap.Logger
	circuit *breaker.Breaker
	client  *http.Client

	mu      sync.Mutex
	state   State
	quality float64
	events  chan Event
}

// NewHTTPStream builds an HTTPStream transport. A nil client uses
// http.DefaultClient.
func NewHTTPStream(cfg HTTPStreamConfig, circuit *breaker.Breaker, clk clock.Clock, log *zap.Logger, client *http.Client) *HTTPStream {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = ":streamGenerateContent"
	}
	return &HTTPStream{
		cfg:     cfg,
		clk:     clk,
		log:     log.With(zap.String("transport", "http_stream")),
		circuit: circuit,
		client:  client,
		state:   Inactive,
		events:  make(chan Event, 32),
	}
}

func (h *HTTPStream) ID() ID               { return HttpStream }
func (h *HTTPStream) Events() <-chan Event { return h.events }
func (h *HTTPStream) IsAvailable() bool    { return h.circuit == nil || h.circuit.Allow() }

func (h *HTTPStream) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HTTPStream) Initialize(ctx context.Context) error {
	h.mu.Lock()
	h.state = Active
	h.mu.Unlock()
	publish(h.events, Connected{TransportID: HttpStream})
	return nil
}

// buildBody constructs the Gemini-style streaming request body shared by
// the HTTP stream and batch tiers.
func buildBody(payload []byte, mime string) ([]byte, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": mime, "data": base64.StdEncoding.EncodeToString(payload)}},
			}},
		},
		"generationConfig": map[string]any{"temperature": 0, "candidateCount": 1},
	}
	return json.Marshal(body)
}

// endpointURL appends a method suffix such as ":streamGenerateContent" to
// base, inserting "/" first when base is a bare scheme://host, where the
// suffix would otherwise be read as a port.
func endpointURL(base, suffix string) string {
	rest := base
	if i := strings.Index(base, "://"); i >= 0 {
		rest = base[i+3:]
	}
	if !strings.Contains(rest, "/") {
		return base + "/" + suffix
	}
	return base + suffix
}

func (h *HTTPStream) SendAudio(ctx context.Context, payload []byte, opts SendOptions) (Result, error) {
	body, err := buildBody(payload, "audio/pcm")
	if err != nil {
		return Result{}, fmt.Errorf("build body: %w", err)
	}

	timeout := h.cfg.TransportTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, endpointURL(h.cfg.EndpointBase, h.cfg.StreamPath), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		h.setQuality(0.2)
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		h.setQuality(0.2)
		return Result{}, fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("client error: %d", resp.StatusCode)
	}

	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk httpStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Candidates {
			for _, p := range c.Content.Parts {
				text.WriteString(p.Text)
			}
		}
	}

	// quality is capped at 0.8: this tier is inherently less efficient
	// than the socket tier even on success.
	h.setQuality(0.8)
	return Result{Text: text.String(), IsFinal: true}, nil
}

func (h *HTTPStream) SendTurnComplete(ctx context.Context) error {
	// turn completion is implicit: the stream ends with the response.
	return nil
}

func (h *HTTPStream) setQuality(q float64) {
	h.mu.Lock()
	h.quality = q
	h.mu.Unlock()
}

// Quality returns the capped quality score for this tier.
func (h *HTTPStream) Quality() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Active && h.state != Degraded {
		return 0
	}
	if h.quality > 0.8 {
		return 0.8
	}
	return h.quality
}

func (h *HTTPStream) Destroy(ctx context.Context) error {
	h.mu.Lock()
	h.state = Inactive
	h.mu.Unlock()
	return nil
}

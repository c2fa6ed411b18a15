// Package faketranscriber provides an in-process fake of the remote
// transcription service, used by cmd/transcribectl and package tests in
// place of a real STT backend. It serves the socket tier over
// gorilla/websocket and the HTTP-stream/batch tiers over httptest, and
// can be configured to close with code 1007 on specific variants, delay
// responses, return 5xx bursts, or drop connections.
package faketranscriber

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Behavior configures how the fake service responds.
type Behavior struct {
	// FailVariants close the socket with code 1007 immediately after
	// connect, for these variant query values.
	FailVariants map[int]bool
	// ResponseDelay is applied before every response.
	ResponseDelay time.Duration
	// FiveXXBurst forces this many consecutive HTTP requests to receive
	// a 503 before succeeding.
	FiveXXBurst int
	// DropConnections closes the socket immediately after upgrade
	// without any message, simulating an abrupt network drop.
	DropConnections bool
	// Transcript is echoed back as the recognized text for any request.
	Transcript string
}

// Server wraps an httptest.Server exposing both the HTTP and websocket
// endpoints the transport tiers expect.
type Server struct {
	httpSrv  *httptest.Server
	behavior Behavior
	mu       sync.Mutex

	fiveXXRemaining int32
	upgrader        websocket.Upgrader
}

// New builds and starts a Server with the given behavior.
func New(behavior Behavior) *Server {
	if behavior.Transcript == "" {
		behavior.Transcript = "fake transcription"
	}
	s := &Server{behavior: behavior, fiveXXRemaining: int32(behavior.FiveXXBurst)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the fake service's base HTTP URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// WSURL returns the fake service's base ws:// URL.
func (s *Server) WSURL() string { return "ws" + s.httpSrv.URL[len("http"):] }

// Close shuts down the underlying httptest server.
func (s *Server) Close() { s.httpSrv.Close() }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleSocket(w, r)
		return
	}
	s.handleHTTP(w, r)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.behavior.DropConnections {
		return
	}

	variant, _ := strconv.Atoi(r.URL.Query().Get("variant"))
	if s.behavior.FailVariants[variant] {
		if s.behavior.ResponseDelay > 0 {
			time.Sleep(s.behavior.ResponseDelay)
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1007, "Invalid JSON payload"))
		return
	}

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.behavior.ResponseDelay > 0 {
			time.Sleep(s.behavior.ResponseDelay)
		}
		resp := fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, s.behavior.Transcript)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
			return
		}
	}
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if s.behavior.DropConnections {
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
	}

	if remaining := atomic.LoadInt32(&s.fiveXXRemaining); remaining > 0 {
		atomic.AddInt32(&s.fiveXXRemaining, -1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if s.behavior.ResponseDelay > 0 {
		time.Sleep(s.behavior.ResponseDelay)
	}

	body := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": s.behavior.Transcript}}}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

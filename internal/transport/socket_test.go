package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// testDialer redirects every dial to a fixed httptest server, regardless
// of the URL the socket transport constructs, so tests can observe the
// handshake without a real remote service.
type testDialer struct{ target string }

func (d testDialer) DialContext(ctx context.Context, urlStr string, header map[string][]string) (*websocket.Conn, error) {
	u := d.target + "?" + strings.SplitN(urlStr, "?", 2)[1]
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	return conn, err
}

func newEchoServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handler(conn)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSocketSendAudioWritesEnvelope(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
		conn.ReadMessage() // keep the loop alive until test close
	})
	defer srv.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	s := NewSocket(SocketConfig{CommonConfig: CommonConfig{EndpointBase: "ws://placeholder/", APIKey: "k"}}, nil, fc, nil, testDialer{target: wsURL(srv.URL)})
	require.NoError(t, s.Initialize(context.Background()))
	defer s.Destroy(context.Background())

	_, err := s.SendAudio(context.Background(), []byte("hello"), SendOptions{})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), "realtimeInput")
		assert.Contains(t, string(msg), "mediaChunks")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio envelope")
	}
}

func TestSocketSchemaFailureRotatesVariant(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1007, "Invalid JSON payload"))
		conn.Close()
	})
	defer srv.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	s := NewSocket(SocketConfig{
		CommonConfig:   CommonConfig{EndpointBase: "ws://placeholder/", APIKey: "k"},
		Variants:       []int{13, 14},
		ReconnectDelay: 0,
	}, nil, fc, nil, testDialer{target: wsURL(srv.URL)})
	require.NoError(t, s.Initialize(context.Background()))
	defer s.Destroy(context.Background())

	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	idx := s.variantIdx
	s.mu.Unlock()
	assert.Equal(t, 1, idx)
}

func TestSocketQualityZeroWhenNotConnected(t *testing.T) {
	s := NewSocket(SocketConfig{CommonConfig: CommonConfig{EndpointBase: "ws://placeholder/"}}, nil, nil, nil, testDialer{target: "ws://127.0.0.1:1"})
	assert.Equal(t, 0.0, s.Quality())
}

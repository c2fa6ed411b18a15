package faketranscriber

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHandleHTTPReturnsConfiguredTranscript(t *testing.T) {
	srv := New(Behavior{Transcript: "integration transcript"})
	defer srv.Close()

	resp, err := http.Post(srv.URL()+"/v1/generate", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "integration transcript", body.Candidates[0].Content.Parts[0].Text)
}

func TestHandleHTTPFiveXXBurstThenSucceeds(t *testing.T) {
	srv := New(Behavior{Transcript: "ok", FiveXXBurst: 2})
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL(), "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Post(srv.URL(), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleSocketEchoesTranscript(t *testing.T) {
	srv := New(Behavior{Transcript: "socket transcript"})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.WSURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("audio-chunk")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "socket transcript")
}

func TestHandleSocketClosesWithSchemaErrorForFailedVariant(t *testing.T) {
	srv := New(Behavior{Transcript: "ok", FailVariants: map[int]bool{3: true}})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.WSURL()+"?variant=3", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 1007, closeErr.Code)
}

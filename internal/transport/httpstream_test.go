package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

func TestHTTPStreamSendAudioConcatenatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hel"}]}}]}` + "\n"))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"lo"}]}}]}` + "\n"))
	}))
	defer srv.Close()

	fc := clock.NewFake(clock.Real().Now())
	h := NewHTTPStream(HTTPStreamConfig{CommonConfig: CommonConfig{EndpointBase: srv.URL}}, nil, fc, nil, srv.Client())
	require.NoError(t, h.Initialize(context.Background()))

	result, err := h.SendAudio(context.Background(), []byte("audio"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.True(t, result.IsFinal)
	assert.Equal(t, 0.8, h.Quality())
}

func TestHTTPStreamQualityCappedAtPointEight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}` + "\n"))
	}))
	defer srv.Close()

	h := NewHTTPStream(HTTPStreamConfig{CommonConfig: CommonConfig{EndpointBase: srv.URL}}, nil, nil, nil, srv.Client())
	require.NoError(t, h.Initialize(context.Background()))
	h.setQuality(5.0)
	assert.Equal(t, 0.8, h.Quality())
}

func TestHTTPStreamServerErrorDegradesQuality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHTTPStream(HTTPStreamConfig{CommonConfig: CommonConfig{EndpointBase: srv.URL}}, nil, nil, nil, srv.Client())
	require.NoError(t, h.Initialize(context.Background()))

	_, err := h.SendAudio(context.Background(), []byte("audio"), SendOptions{})
	assert.Error(t, err)
	assert.Equal(t, 0.2, h.Quality())
}

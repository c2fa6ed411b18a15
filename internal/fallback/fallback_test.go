package fallback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveline-app/transcriber-core/internal/clock"
	"github.com/liveline-app/transcriber-core/internal/segment"
	"github.com/liveline-app/transcriber-core/internal/transport"
)

type fakeTransport struct {
	id          transport.ID
	available   bool
	initErr     error
	sendResult  transport.Result
	sendErr     error
	quality     float64
	events      chan transport.Event
	initialized int
	sends       int
}

func newFakeTransport(id transport.ID) *fakeTransport {
	return &fakeTransport{id: id, available: true, events: make(chan transport.Event, 8)}
}

func (f *fakeTransport) ID() transport.ID { return f.id }
func (f *fakeTransport) Initialize(ctx context.Context) error {
	f.initialized++
	return f.initErr
}
func (f *fakeTransport) SendAudio(ctx context.Context, payload []byte, opts transport.SendOptions) (transport.Result, error) {
	f.sends++
	return f.sendResult, f.sendErr
}
func (f *fakeTransport) SendTurnComplete(ctx context.Context) error { return nil }
func (f *fakeTransport) IsAvailable() bool                         { return f.available }
func (f *fakeTransport) State() transport.State                    { return transport.Active }
func (f *fakeTransport) Quality() float64                          { return f.quality }
func (f *fakeTransport) Destroy(ctx context.Context) error          { return nil }
func (f *fakeTransport) Events() <-chan transport.Event             { return f.events }

func TestStartPicksHighestPriorityAvailable(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	httpStream := newFakeTransport(transport.HttpStream)

	m := New(Config{}, []transport.Transport{socket, httpStream}, clock.NewFake(time.Unix(0, 0)), nil)
	require.NoError(t, m.Start(context.Background(), "session-1"))

	stats := m.Statistics()
	assert.Equal(t, transport.Websocket, stats.CurrentTransport)
	assert.Equal(t, 1, socket.initialized)
	assert.Equal(t, 0, httpStream.initialized)
}

func TestStartSkipsUnavailableToNextTier(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	socket.available = false
	httpStream := newFakeTransport(transport.HttpStream)

	m := New(Config{}, []transport.Transport{socket, httpStream}, clock.NewFake(time.Unix(0, 0)), nil)
	require.NoError(t, m.Start(context.Background(), "session-1"))

	assert.Equal(t, transport.HttpStream, m.Statistics().CurrentTransport)
}

func TestSendAudioEmitsTranscription(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	socket.sendResult = transport.Result{Text: "hello world", IsFinal: true}

	m := New(Config{EnableAudioBuffering: false}, []transport.Transport{socket}, clock.NewFake(time.Unix(0, 0)), nil)
	require.NoError(t, m.Start(context.Background(), "session-1"))

	require.NoError(t, m.SendAudio(context.Background(), []byte("audio"), segment.Metadata{}, 500))

	select {
	case ev := <-m.Events():
		tr, ok := ev.(Transcription)
		require.True(t, ok, "expected Transcription event, got %T", ev)
		assert.Equal(t, "hello world", tr.Text)
		assert.Equal(t, "websocket", tr.Source)
	case <-time.After(time.Second):
		t.Fatal("expected transcription event")
	}
}

func TestForceFallbackSwitchesToNextTransport(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	httpStream := newFakeTransport(transport.HttpStream)

	fc := clock.NewFake(time.Unix(0, 0))
	m := New(Config{FallbackDelay: 0}, []transport.Transport{socket, httpStream}, fc, nil)
	require.NoError(t, m.Start(context.Background(), "session-1"))

	require.NoError(t, m.ForceFallback("manual test"))

	assert.Equal(t, transport.HttpStream, m.Statistics().CurrentTransport)
	assert.Equal(t, 1, httpStream.initialized)
}

func TestSchemaExhaustedEscalatesAfterThreshold(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	httpStream := newFakeTransport(transport.HttpStream)

	m := New(Config{MaxConsecutive1007: 2, FallbackDelay: 0}, []transport.Transport{socket, httpStream}, clock.NewFake(time.Unix(0, 0)), nil)
	require.NoError(t, m.Start(context.Background(), "session-1"))

	require.NoError(t, m.HandleSchemaError(fmt.Errorf("schema fail 1"), nil))
	err := m.HandleSchemaError(fmt.Errorf("schema fail 2"), nil)
	require.NoError(t, err)

	assert.Equal(t, transport.HttpStream, m.Statistics().CurrentTransport)
}

func TestFallbackExhaustedWhenNoTransportAvailable(t *testing.T) {
	socket := newFakeTransport(transport.Websocket)
	socket.available = false

	m := New(Config{}, []transport.Transport{socket}, clock.NewFake(time.Unix(0, 0)), nil)
	err := m.Start(context.Background(), "session-1")
	require.Error(t, err)
	assert.Equal(t, Failed, m.Statistics().State)
}

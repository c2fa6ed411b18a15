// Command transcribectl exercises the transcriber library end to end
// against the in-process fake remote service, the way the teacher
// project's cmd/cli ships a pipeline-testing tool alongside its
// library packages.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/config"
	"github.com/liveline-app/transcriber-core/internal/fallback"
	"github.com/liveline-app/transcriber-core/internal/faketranscriber"
	"github.com/liveline-app/transcriber-core/pkg/transcriber"
	"github.com/liveline-app/transcriber-core/pkg/version"
)

var (
	envFile        string
	sessionID      string
	chunks         int
	forceFallback  bool
	simulateSchema bool
	verbose        bool
)

func main() {
	root := &cobra.Command{
		Use:     "transcribectl",
		Short:   "Exercise the resilient transcription transport against a fake remote service",
		Version: version.GetVersionInfo(),
		RunE:    run,
	}
	root.Flags().StringVar(&envFile, "env", ".env", "environment file to load")
	root.Flags().StringVar(&sessionID, "session", "demo-session", "session id to start with")
	root.Flags().IntVar(&chunks, "chunks", 10, "number of fake audio chunks to send")
	root.Flags().BoolVar(&forceFallback, "force-fallback", false, "force a transport fallback partway through the run")
	root.Flags().BoolVar(&simulateSchema, "simulate-schema-failures", false, "make the fake socket tier fail every schema variant, forcing escalation to http_stream")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	behavior := faketranscriber.Behavior{Transcript: "the quick brown fox"}
	if simulateSchema {
		behavior.FailVariants = map[int]bool{13: true, 14: true, 15: true, 16: true}
	}
	fake := faketranscriber.New(behavior)
	defer fake.Close()

	cfg := config.Load(envFile,
		config.WithEndpointHost(stripScheme(fake.URL())),
		config.WithInsecure(true),
		config.WithAPIKey("fake-key"),
	)

	client := transcriber.New(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx, sessionID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer client.Destroy(ctx)

	done := make(chan struct{})
	go printEvents(client, done)

	for i := 0; i < chunks; i++ {
		payload := randomAudioChunk(320)
		if err := client.SendAudio(ctx, payload, transcriber.SendOptions{VoiceActive: i%3 != 0, DurationMs: 20}); err != nil {
			fmt.Printf("send_audio[%d] error: %v\n", i, err)
		}

		if forceFallback && i == chunks/2 {
			fmt.Println("--- forcing fallback ---")
			if err := client.ForceFallback("demo requested"); err != nil {
				fmt.Printf("force_fallback error: %v\n", err)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := client.SendTurnComplete(ctx); err != nil {
		fmt.Printf("send_turn_complete error: %v\n", err)
	}

	stats := client.Statistics()
	fmt.Printf("\nfinal statistics: transport=%s state=%s buffer=%d quality=%.2f\n",
		stats.CurrentTransport, stats.State, stats.BufferSize, stats.Quality)

	close(done)
	return nil
}

func printEvents(client *transcriber.Client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			describeEvent(ev)
		}
	}
}

func describeEvent(ev transcriber.Event) {
	switch e := ev.(type) {
	case fallback.Transcription:
		fmt.Printf("[transcription] %q (source=%s final=%v)\n", e.Text, e.Source, e.IsFinal)
	case fallback.TransportChanged:
		fmt.Printf("[transport_changed] %s -> %s\n", e.From, e.To)
	case fallback.TransportFailed:
		fmt.Printf("[transport_failed] %s: %v\n", e.Name, e.Err)
	case fallback.FallbackExhausted:
		fmt.Println("[fallback_exhausted]")
	case fallback.BacklogWarning:
		fmt.Printf("[backlog_warning] size=%d\n", e.Size)
	case fallback.SegmentReplayed:
		fmt.Printf("[segment_replayed] %s\n", e.Segment.ID)
	case fallback.SegmentFailed:
		fmt.Printf("[segment_failed] %s: %v\n", e.Segment.ID, e.Err)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func stripScheme(url string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if len(url) > len(prefix) && url[:len(prefix)] == prefix {
			return url[len(prefix):]
		}
	}
	return url
}

func randomAudioChunk(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

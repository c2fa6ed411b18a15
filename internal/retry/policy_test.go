package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

func TestExecute_SucceedsOnFirstAttempt(t *testing.T) {
	p := New(PresetTranscriptionRecovery, clock.NewFake(time.Unix(0, 0)), nil)

	calls := 0
	result, err := p.Execute(context.Background(), "op-1", func(ctx context.Context, attempt int) (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != "ok" || result.Attempts != 1 || calls != 1 {
		t.Fatalf("unexpected result: %+v calls=%d", result, calls)
	}
}

func TestExecute_RetriesRetryableThenSucceeds(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(PresetTranscriptionRecovery, fc, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		calls := 0
		result, err := p.Execute(context.Background(), "op-2", func(ctx context.Context, attempt int) (any, error) {
			calls++
			if calls < 3 {
				return nil, Classify(KindTransport, errors.New("boom"))
			}
			return 42, nil
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if result.Attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", result.Attempts)
		}
	}()

	for i := 0; i < 10; i++ {
		fc.Advance(2 * time.Second)
		time.Sleep(time.Millisecond)
	}
	<-done
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	p := New(PresetTranscriptionRecovery, clock.NewFake(time.Unix(0, 0)), nil)

	calls := 0
	_, err := p.Execute(context.Background(), "op-3", func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, Classify(KindAuth, errors.New("bad key"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
	if KindOf(err) != KindAuth {
		t.Fatalf("expected KindAuth, got %v", KindOf(err))
	}
}

func TestExecute_ExhaustsAfterMaxAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(Config{
		Name: "test", Base: time.Millisecond, Cap: 10 * time.Millisecond,
		MaxAttempts: 3, Timeout: time.Hour, JitterPercent: 0,
	}, fc, nil)

	events := make(chan Exhausted, 1)
	p.WithEvents(events)

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "op-4", func(ctx context.Context, attempt int) (any, error) {
			return nil, Classify(KindTransport, errors.New("still failing"))
		})
		done <- err
	}()

	for i := 0; i < 10; i++ {
		fc.Advance(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	err := <-done
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	select {
	case ev := <-events:
		if ev.Attempts != 3 {
			t.Fatalf("expected 3 attempts in exhausted event, got %d", ev.Attempts)
		}
	default:
		t.Fatal("expected an Exhausted event")
	}
}

func TestExecute_CancellationAbortsPendingDelay(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(PresetSocketReconnect, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, "op-5", func(ctx context.Context, attempt int) (any, error) {
			return nil, Classify(KindTransport, errors.New("boom"))
		})
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !IsCancelled(err) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

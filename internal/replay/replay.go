// Package replay drives ordered re-submission of buffered audio
// segments after a transport switch or recovery.
package replay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/liveline-app/transcriber-core/internal/clock"
	"github.com/liveline-app/transcriber-core/internal/segment"
)

// Mode selects the replay driving strategy.
type Mode int

const (
	PriorityBatching Mode = iota
	Sequential
)

// Result is the outcome of one replay attempt, returned by a Handler.
type Result struct {
	Text       string
	Confidence float64
}

// Handler submits one segment to the current transport and returns its
// transcription result or an error. Implementations must observe ctx.
type Handler func(ctx context.Context, seg *segment.AudioSegment) (Result, error)

// Config bounds a ReplayEngine's concurrency and timeouts.
type Config struct {
	Mode                Mode
	MaxConcurrentReplays int
	ReplayTimeout        time.Duration
	BacklogThreshold     time.Duration
}

// Replayed is emitted for each segment a Handler successfully processes.
type Replayed struct {
	Segment *segment.AudioSegment
	Result  Result
}

// Failed is emitted for each segment a Handler could not process.
type Failed struct {
	Segment *segment.AudioSegment
	Err     error
}

// Backlog is emitted when the oldest unprocessed segment exceeds the
// configured backlog threshold.
type Backlog struct {
	Size int
}

// Engine wraps an AudioSegmentBuffer to drive ordered re-submission.
// It exclusively owns the buffer it wraps.
type Engine struct {
	cfg Config
	buf *segment.Buffer
	clk clock.Clock
	log *zap.Logger

	mu          sync.Mutex
	avgLatency  time.Duration
	sampled     bool

	Replayed chan Replayed
	Failed   chan Failed
	Backlog  chan Backlog
}

// New builds a ReplayEngine over buf. A nil clock uses the real one; a
// nil logger is a no-op logger.
func New(cfg Config, buf *segment.Buffer, clk clock.Clock, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrentReplays <= 0 {
		cfg.MaxConcurrentReplays = 1
	}
	return &Engine{
		cfg:      cfg,
		buf:      buf,
		clk:      clk,
		log:      log,
		Replayed: make(chan Replayed, 64),
		Failed:   make(chan Failed, 64),
		Backlog:  make(chan Backlog, 8),
	}
}

// Buffer returns the wrapped AudioSegmentBuffer for append/stats access.
func (e *Engine) Buffer() *segment.Buffer { return e.buf }

// Run drives one replay cycle over the buffer's current unprocessed
// segments, dispatching via the configured Mode.
func (e *Engine) Run(ctx context.Context, handler Handler) {
	e.checkBacklog()

	segs := e.buf.UnprocessedByPriority(0)
	if len(segs) == 0 {
		return
	}

	switch e.cfg.Mode {
	case Sequential:
		for _, s := range segs {
			if ctx.Err() != nil {
				return
			}
			e.dispatchOne(ctx, handler, s)
		}
	default:
		e.runPriorityBatches(ctx, handler, segs)
	}
}

// runPriorityBatches groups segs by descending priority (segs is
// already sorted that way) and dispatches fixed-size batches of up to
// MaxConcurrentReplays within each group, filling a batch across a
// group boundary when the current group runs out, matching the spec's
// "N pulled in from the next group" behavior.
func (e *Engine) runPriorityBatches(ctx context.Context, handler Handler, segs []*segment.AudioSegment) {
	batchSize := e.cfg.MaxConcurrentReplays
	for i := 0; i < len(segs); i += batchSize {
		if ctx.Err() != nil {
			return
		}
		end := i + batchSize
		if end > len(segs) {
			end = len(segs)
		}
		batch := segs[i:end]

		var wg sync.WaitGroup
		sem := semaphore.NewWeighted(int64(batchSize))
		for _, s := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(s *segment.AudioSegment) {
				defer wg.Done()
				defer sem.Release(1)
				e.dispatchOne(ctx, handler, s)
			}(s)
		}
		wg.Wait()
	}
}

func (e *Engine) dispatchOne(ctx context.Context, handler Handler, s *segment.AudioSegment) {
	start := e.clk.Now()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ReplayTimeout)
	defer cancel()

	result, err := handler(cctx, s)
	elapsed := e.clk.Now().Sub(start)
	e.recordLatency(elapsed)

	if err != nil {
		e.buf.MarkProcessed(s.ID, false)
		select {
		case e.Failed <- Failed{Segment: s, Err: err}:
		default:
			e.log.Warn("dropped SegmentFailed event, channel full")
		}
		return
	}

	e.buf.MarkProcessed(s.ID, true)
	select {
	case e.Replayed <- Replayed{Segment: s, Result: result}:
	default:
		e.log.Warn("dropped SegmentReplayed event, channel full")
	}
}

// recordLatency maintains an exponential moving average (alpha=0.1
// after the first sample).
func (e *Engine) recordLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sampled {
		e.avgLatency = d
		e.sampled = true
		return
	}
	const alpha = 0.1
	e.avgLatency = time.Duration(alpha*float64(d) + (1-alpha)*float64(e.avgLatency))
}

// AverageLatency returns the current replay latency EMA.
func (e *Engine) AverageLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatency
}

func (e *Engine) checkBacklog() {
	segs := e.buf.UnprocessedByPriority(0)
	if len(segs) == 0 {
		return
	}
	oldest := segs[0]
	for _, s := range segs[1:] {
		if s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if e.clk.Now().Sub(oldest.CreatedAt) > e.cfg.BacklogThreshold {
		stats := e.buf.Stats()
		select {
		case e.Backlog <- Backlog{Size: stats.Count}:
		default:
		}
	}
}

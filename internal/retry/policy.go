package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// Config configures one RetryPolicy instance. Durations are in
// milliseconds in the spec's configuration surface; the Go surface
// keeps time.Duration so callers never juggle units.
type Config struct {
	Name          string
	Base          time.Duration
	Cap           time.Duration
	MaxAttempts   int
	Timeout       time.Duration
	JitterPercent float64 // 0..1
}

// Named presets, one per caller in the spec.
var (
	PresetNetworkOps = Config{
		Name: "network-ops", Base: 250 * time.Millisecond, Cap: 5 * time.Second,
		MaxAttempts: 5, Timeout: 30 * time.Second, JitterPercent: 0.2,
	}
	PresetSocketReconnect = Config{
		Name: "socket-reconnect", Base: 500 * time.Millisecond, Cap: 10 * time.Second,
		MaxAttempts: 10, Timeout: 2 * time.Minute, JitterPercent: 0.2,
	}
	PresetTranscriptionRecovery = Config{
		Name: "transcription-recovery", Base: 100 * time.Millisecond, Cap: 2 * time.Second,
		MaxAttempts: 3, Timeout: 10 * time.Second, JitterPercent: 0.2,
	}
	PresetBatchAPI = Config{
		Name: "batch-api", Base: 1 * time.Second, Cap: 30 * time.Second,
		MaxAttempts: 7, Timeout: 5 * time.Minute, JitterPercent: 0.2,
	}
)

// Result is what a retried operation returns on success.
type Result struct {
	Value any
	Attempts int
}

// Exhausted is emitted when a retried operation gives up.
type Exhausted struct {
	OperationID string
	LastError   error
	Attempts    int
}

// Context tracks one in-flight retried operation, mirroring the spec's
// RetryContext: created on first attempt, cleared on success or
// exhaustion.
type Context struct {
	OperationID string
	Attempt     int
	LastError   error
	StartedAt   time.Time
	clk         clock.Clock
}

// ElapsedMs reports how long the operation has been running.
func (c *Context) ElapsedMs() int64 {
	return c.clk.Now().Sub(c.StartedAt).Milliseconds()
}

// Policy drives an idempotent operation through retries with
// exponential backoff and jitter, built on cenkalti/backoff/v5's
// ExponentialBackOff for the underlying delay progression.
type Policy struct {
	cfg    Config
	clk    clock.Clock
	log    *zap.Logger
	rand   *rand.Rand
	mu     sync.Mutex
	active map[string]context.CancelFunc
	events chan<- Exhausted
}

// New builds a Policy from cfg. A nil clock uses the real one; a nil
// logger is a no-op logger.
func New(cfg Config, clk clock.Clock, log *zap.Logger) *Policy {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		cfg:    cfg,
		clk:    clk,
		log:    log.With(zap.String("retry_policy", cfg.Name)),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		active: make(map[string]context.CancelFunc),
	}
}

// Operation is an idempotent unit of work. It must observe ctx
// cancellation cooperatively.
type Operation func(ctx context.Context, attempt int) (any, error)

// Execute runs op under this policy, retrying on retryable Kind errors
// until max attempts, timeout, or a non-retryable classification is
// reached. opID identifies this operation for external cancellation via
// Cancel.
func (p *Policy) Execute(ctx context.Context, opID string, op Operation) (Result, error) {
	rc := &Context{OperationID: opID, StartedAt: p.clk.Now(), clk: p.clk}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.active[opID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, opID)
		p.mu.Unlock()
		cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.Base
	bo.MaxInterval = p.cfg.Cap
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0

	for attempt := 1; ; attempt++ {
		rc.Attempt = attempt

		if ctx.Err() != nil {
			return Result{}, Classify(KindCancelled, ctx.Err())
		}
		if rc.ElapsedMs() >= p.cfg.Timeout.Milliseconds() {
			p.log.Debug("retry exhausted: timeout", zap.String("op", opID), zap.Int("attempt", attempt))
			return Result{}, p.exhausted(rc)
		}
		if attempt > p.cfg.MaxAttempts {
			p.log.Debug("retry exhausted: max attempts", zap.String("op", opID))
			return Result{}, p.exhausted(rc)
		}

		val, err := op(ctx, attempt)
		if err == nil {
			return Result{Value: val, Attempts: attempt}, nil
		}
		rc.LastError = err

		if IsCancelled(err) {
			return Result{}, err
		}
		if !Retryable(err) {
			return Result{}, err
		}
		if attempt >= p.cfg.MaxAttempts {
			return Result{}, p.exhausted(rc)
		}

		delay := p.jittered(bo.NextBackOff())
		p.log.Debug("retrying", zap.String("op", opID), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return Result{}, Classify(KindCancelled, ctx.Err())
		case <-p.clk.After(delay):
		}
	}
}

// jittered applies the spec's +-jitter formula on top of the backoff
// library's unjittered progression, floored at zero.
func (p *Policy) jittered(base time.Duration) time.Duration {
	if base <= 0 || p.cfg.JitterPercent <= 0 {
		return base
	}
	spread := float64(base) * p.cfg.JitterPercent
	delta := (p.rand.Float64()*2 - 1) * spread
	d := time.Duration(float64(base) + delta)
	if d < 0 {
		return 0
	}
	return d
}

func (p *Policy) exhausted(rc *Context) error {
	ev := Exhausted{OperationID: rc.OperationID, LastError: rc.LastError, Attempts: rc.Attempt}
	if p.events != nil {
		select {
		case p.events <- ev:
		default:
			p.log.Warn("dropped RetryExhausted event, channel full", zap.String("op", rc.OperationID))
		}
	}
	return fmt.Errorf("operation %s exhausted after %d attempts: %w", rc.OperationID, rc.Attempt, Classify(KindTransport, rc.LastError))
}

// WithEvents attaches a channel that receives Exhausted notifications.
// Sends are non-blocking; a full channel drops the notification rather
// than stalling the retry loop.
func (p *Policy) WithEvents(ch chan<- Exhausted) *Policy {
	p.events = ch
	return p
}

// Cancel aborts the in-flight operation identified by opID, if any.
func (p *Policy) Cancel(opID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.active[opID]; ok {
		cancel()
	}
}

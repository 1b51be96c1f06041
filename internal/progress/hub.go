package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Run-level events are
// rare; the defaults size the buffer for a few thousand target events.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub aggregates Event streams and fans them out to registered sinks. It is
// safe for concurrent use by multiple goroutines and never blocks callers.
type Hub struct {
	cfg          Config
	sinks        []Sink
	events       chan Event
	stopCh       chan struct{}
	doneCh       chan struct{}
	logger       *zap.Logger
	dropLog      rate.Sometimes
	dropped      atomic.Int64
	droppedTotal atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.droppedTotal.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedTotal.Load()
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.disarm()
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-b.expired():
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

// drain moves whatever is still buffered into the sinks so terminal run
// events land before Close returns.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

// batcher accumulates events until either the size cap or the wait deadline
// is reached. It is owned by the run goroutine.
type batcher struct {
	pending []Event
	limit   int
	wait    time.Duration
	timer   *time.Timer
}

func newBatcher(limit int, wait time.Duration) *batcher {
	return &batcher{pending: make([]Event, 0, limit), limit: limit, wait: wait}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.limit {
		return true
	}
	b.arm()
	return false
}

// take hands out the pending events and resets the batch.
func (b *batcher) take() []Event {
	b.disarm()
	if len(b.pending) == 0 {
		return nil
	}
	out := append([]Event(nil), b.pending...)
	b.pending = b.pending[:0]
	return out
}

// expired is nil while no deadline is armed, which blocks forever in select.
func (b *batcher) expired() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

func (b *batcher) arm() {
	if b.wait <= 0 {
		return
	}
	if b.timer == nil {
		b.timer = time.NewTimer(b.wait)
		return
	}
	b.timer.Reset(b.wait)
}

func (b *batcher) disarm() {
	if b.timer == nil {
		return
	}
	b.timer.Stop()
	b.timer = nil
}

func (h *Hub) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		h.consume(sink, events)
	}
}

func (h *Hub) consume(sink Sink, events []Event) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, events); err != nil {
		h.logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

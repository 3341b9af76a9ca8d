// Package logging provides the batch log sink that keeps logging off the hot
// path. Producers hand records to a bounded queue; a single writer goroutine
// formats and flushes them in batches under one lock acquisition. When the
// queue is full the record is dropped silently and a counter is bumped.
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize     = 4096
	defaultFlushInterval = 250 * time.Millisecond
	defaultBatchSize     = 256
)

// queued pairs a record with the formatter that owns its bound attrs, so
// WithAttrs/WithGroup children can share one queue.
type queued struct {
	formatter slog.Handler
	record    slog.Record
}

// BatchHandler is a slog.Handler that defers formatting and writing to a
// dedicated goroutine.
type BatchHandler struct {
	inner slog.Handler
	queue chan queued

	dropped atomic.Uint64

	mu     sync.Mutex // guards the flush write
	done   chan struct{}
	closed atomic.Bool
}

// Option configures a BatchHandler.
type Option func(*options)

type options struct {
	queueSize     int
	flushInterval time.Duration
	level         slog.Leveler
}

// WithQueueSize overrides the bounded queue length.
func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

// WithFlushInterval overrides how often buffered records are flushed.
func WithFlushInterval(d time.Duration) Option { return func(o *options) { o.flushInterval = d } }

// WithLevel sets the minimum level.
func WithLevel(l slog.Leveler) Option { return func(o *options) { o.level = l } }

// NewBatchHandler wraps w in a batching text handler and starts the writer
// goroutine. Call Close to flush and stop it.
func NewBatchHandler(w io.Writer, opts ...Option) *BatchHandler {
	o := options{
		queueSize:     defaultQueueSize,
		flushInterval: defaultFlushInterval,
		level:         slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &BatchHandler{
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: o.level}),
		queue: make(chan queued, o.queueSize),
		done:  make(chan struct{}),
	}
	go h.writeLoop(o.flushInterval)
	return h
}

// Enabled implements slog.Handler.
func (h *BatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Non-blocking: on overflow the record is
// dropped and the drop counter incremented.
func (h *BatchHandler) Handle(_ context.Context, r slog.Record) error {
	h.enqueue(h.inner, r)
	return nil
}

// WithAttrs implements slog.Handler. The derived handler shares the queue.
func (h *BatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{parent: h, formatter: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *BatchHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{parent: h, formatter: h.inner.WithGroup(name)}
}

// Dropped returns the number of records dropped due to queue overflow.
func (h *BatchHandler) Dropped() uint64 { return h.dropped.Load() }

// Close flushes outstanding records and stops the writer goroutine.
func (h *BatchHandler) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.queue)
		<-h.done
	}
}

func (h *BatchHandler) enqueue(formatter slog.Handler, r slog.Record) {
	if h.closed.Load() {
		return
	}
	select {
	case h.queue <- queued{formatter: formatter, record: r}:
	default:
		h.dropped.Add(1)
	}
}

func (h *BatchHandler) writeLoop(flushInterval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]queued, 0, defaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// One lock acquisition per batch regardless of batch size.
		h.mu.Lock()
		for _, q := range batch {
			_ = q.formatter.Handle(context.Background(), q.record)
		}
		h.mu.Unlock()
		batch = batch[:0]
	}

	for {
		select {
		case q, ok := <-h.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, q)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// derivedHandler carries WithAttrs/WithGroup state while funneling records
// through the parent's queue so batching stays global.
type derivedHandler struct {
	parent    *BatchHandler
	formatter slog.Handler
}

func (d *derivedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.formatter.Enabled(ctx, level)
}

func (d *derivedHandler) Handle(_ context.Context, r slog.Record) error {
	d.parent.enqueue(d.formatter, r)
	return nil
}

func (d *derivedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{parent: d.parent, formatter: d.formatter.WithAttrs(attrs)}
}

func (d *derivedHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{parent: d.parent, formatter: d.formatter.WithGroup(name)}
}

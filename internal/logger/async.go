package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops a handler that buffers records.
type Closer interface {
	Close()
}

// nopCloser is the Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from encoding: records are queued on
// a bounded channel and written by background workers. A full queue drops
// the record and counts the loss; logging never blocks a turn.
type AsyncHandler struct {
	next    slog.Handler
	queue   chan slog.Record
	writers *sync.WaitGroup
	lost    *atomic.Int64
}

// NewAsyncHandler buffers up to depth records ahead of the given handler
// and drains them with the given number of workers.
func NewAsyncHandler(next slog.Handler, depth, workers int) *AsyncHandler {
	h := &AsyncHandler{
		next:    next,
		queue:   make(chan slog.Record, depth),
		writers: &sync.WaitGroup{},
		lost:    &atomic.Int64{},
	}
	for range workers {
		h.writers.Add(1)
		go h.write()
	}
	return h
}

func (h *AsyncHandler) write() {
	defer h.writers.Done()
	for rec := range h.queue {
		_ = h.next.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the wrapped handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the queue is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.lost.Add(1)
	}
	return nil
}

// WithAttrs wraps the derived handler while sharing the queue and counters.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), queue: h.queue, writers: h.writers, lost: h.lost}
}

// WithGroup wraps the derived handler while sharing the queue and counters.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), queue: h.queue, writers: h.writers, lost: h.lost}
}

// Lost returns how many records were dropped because the queue was full.
func (h *AsyncHandler) Lost() int64 {
	return h.lost.Load()
}

// Close stops intake and waits until queued records are written.
func (h *AsyncHandler) Close() {
	close(h.queue)
	h.writers.Wait()
}

package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered log output on shutdown.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// entry pairs a record with the handler that accepted it, so handlers
// derived via WithAttrs/WithGroup keep their attributes across the queue.
type entry struct {
	rec slog.Record
	h   slog.Handler
}

// pipeline is the buffered queue shared by an AsyncHandler and every
// handler derived from it.
type pipeline struct {
	ch      chan entry
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler decouples log emission from output: records are buffered
// and written by background workers. A full buffer drops records rather
// than blocking the request path.
type AsyncHandler struct {
	inner slog.Handler
	pipe  *pipeline
}

// NewAsyncHandler wraps inner with a buffer of the given capacity drained
// by the given number of workers.
func NewAsyncHandler(inner slog.Handler, capacity, workers int) *AsyncHandler {
	p := &pipeline{ch: make(chan entry, capacity)}
	for range workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for e := range p.ch {
				_ = e.h.Handle(context.Background(), e.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, pipe: p}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops it if the buffer is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.pipe.ch <- entry{rec: rec, h: h.inner}:
	default:
		h.pipe.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler that shares the buffer but stamps the
// given attributes on its records.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), pipe: h.pipe}
}

// WithGroup derives a handler that shares the buffer but groups its
// records' attributes.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), pipe: h.pipe}
}

// DroppedCount returns how many records were discarded on a full buffer.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.pipe.dropped.Load()
}

// Close stops accepting records and blocks until the buffer is drained.
func (h *AsyncHandler) Close() {
	close(h.pipe.ch)
	h.pipe.wg.Wait()
}

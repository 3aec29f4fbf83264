package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/keyguard/internal/metrics"
	"github.com/mbd888/keyguard/internal/retry"
)

const (
	asyncWriterChanSize  = 4096
	asyncWriterBatchSize = 100
	asyncWriterFlush     = 500 * time.Millisecond
)

// flushRetry bounds retries of a failed batch write.
var flushRetry = retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// BatchStore is the persistence side of AsyncWriter.
type BatchStore interface {
	AppendBatch(ctx context.Context, batch []SecurityEvent) error
}

// AsyncWriter is a Sink that batches events to a BatchStore off the
// request path. Record never blocks: when the buffer is full the event is
// dropped and counted.
type AsyncWriter struct {
	store   BatchStore
	logger  *slog.Logger
	ch      chan SecurityEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	running atomic.Bool
	dropped atomic.Int64
}

// NewAsyncWriter creates a writer; call Start in a goroutine.
func NewAsyncWriter(store BatchStore, logger *slog.Logger) *AsyncWriter {
	return &AsyncWriter{
		store:  store,
		logger: logger,
		ch:     make(chan SecurityEvent, asyncWriterChanSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Record enqueues ev.
func (w *AsyncWriter) Record(_ context.Context, ev SecurityEvent) {
	select {
	case w.ch <- ev:
	default:
		w.dropped.Add(1)
		metrics.SecurityEventsDropped.Inc()
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (w *AsyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Running reports whether the writer loop is active.
func (w *AsyncWriter) Running() bool {
	return w.running.Load()
}

// Start drains the buffer and flushes batches until Stop or ctx is done.
func (w *AsyncWriter) Start(ctx context.Context) {
	w.started.Store(true)
	w.running.Store(true)
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(asyncWriterFlush)
	defer ticker.Stop()

	var buf []SecurityEvent
	for {
		select {
		case <-ctx.Done():
			w.flush(w.drain(buf))
			return
		case <-w.stop:
			w.flush(w.drain(buf))
			return
		case ev := <-w.ch:
			buf = append(buf, ev)
			if len(buf) >= asyncWriterBatchSize {
				w.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop flushes pending events and waits for the loop to exit.
// Safe to call more than once.
func (w *AsyncWriter) Stop() {
	w.once.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// drain moves whatever is still buffered in the channel into buf.
func (w *AsyncWriter) drain(buf []SecurityEvent) []SecurityEvent {
	for {
		select {
		case ev := <-w.ch:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
}

func (w *AsyncWriter) flush(buf []SecurityEvent) {
	for len(buf) > 0 {
		n := min(len(buf), asyncWriterBatchSize)
		w.safeFlush(buf[:n])
		buf = buf[n:]
	}
}

func (w *AsyncWriter) safeFlush(batch []SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in security event flush", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := flushRetry
	p.OnRetry = func(attempt int, err error) {
		w.logger.Warn("security event flush retrying", "attempt", attempt, "error", err, "count", len(batch))
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		return w.store.AppendBatch(ctx, batch)
	})
	if err != nil {
		w.logger.Error("security event flush failed", "error", err, "count", len(batch))
	}
}

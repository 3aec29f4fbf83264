package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/keyguard/internal/metrics"
)

// DefaultTimeout bounds every store call made through WithTimeout.
const DefaultTimeout = 2 * time.Second

// timeoutStore applies a per-call deadline. A deadline hit surfaces as
// ErrUnavailable like any other backend failure.
type timeoutStore struct {
	Store
	d time.Duration
}

// WithTimeout wraps s so that every call carries a deadline of d.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutStore{Store: s, d: d}
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.Store.Get(ctx, key)
	return v, deadline(ctx, "get", err)
}

func (t *timeoutStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, "set", t.Store.SetWithTTL(ctx, key, value, ttl))
}

func (t *timeoutStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	ok, err := t.Store.SetIfAbsent(ctx, key, value, ttl)
	return ok, deadline(ctx, "setnx", err)
}

func (t *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, "delete", t.Store.Delete(ctx, key))
}

func (t *timeoutStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	keys, err := t.Store.ListKeysByPrefix(ctx, prefix)
	return keys, deadline(ctx, "list", err)
}

func (t *timeoutStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	n, err := t.Store.AppendWithTTL(ctx, key, at, ttl)
	return n, deadline(ctx, "append", err)
}

func (t *timeoutStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	w, err := t.Store.Window(ctx, key, since)
	return w, deadline(ctx, "window", err)
}

func (t *timeoutStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	a, err := t.Store.Admit(ctx, key, now, window, limit)
	return a, deadline(ctx, "admit", err)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, "ping", t.Store.Ping(ctx))
}

// deadline makes sure a context error is classified as ErrUnavailable even
// when the backend returned it raw.
func deadline(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &OpError{Op: op, Err: ctx.Err()}
	}
	return unavailable(op, err)
}

// instrumentedStore records Prometheus metrics for each call.
type instrumentedStore struct {
	Store
	backend string
}

// Instrument wraps s with per-operation counters and latency histograms.
func Instrument(s Store, backend string) Store {
	return &instrumentedStore{Store: s, backend: backend}
}

func (m *instrumentedStore) observe(op string) func(error) {
	start := time.Now()
	return func(err error) {
		metrics.StoreLatency.WithLabelValues(m.backend, op).Observe(time.Since(start).Seconds())
		result := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			result = "not_found"
		default:
			result = "error"
		}
		metrics.StoreOps.WithLabelValues(m.backend, op, result).Inc()
	}
}

func (m *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	done := m.observe("get")
	v, err := m.Store.Get(ctx, key)
	done(err)
	return v, err
}

func (m *instrumentedStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	done := m.observe("set")
	err := m.Store.SetWithTTL(ctx, key, value, ttl)
	done(err)
	return err
}

func (m *instrumentedStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	done := m.observe("setnx")
	ok, err := m.Store.SetIfAbsent(ctx, key, value, ttl)
	done(err)
	return ok, err
}

func (m *instrumentedStore) Delete(ctx context.Context, key string) error {
	done := m.observe("delete")
	err := m.Store.Delete(ctx, key)
	done(err)
	return err
}

func (m *instrumentedStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	done := m.observe("list")
	keys, err := m.Store.ListKeysByPrefix(ctx, prefix)
	done(err)
	return keys, err
}

func (m *instrumentedStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	done := m.observe("append")
	n, err := m.Store.AppendWithTTL(ctx, key, at, ttl)
	done(err)
	return n, err
}

func (m *instrumentedStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	done := m.observe("window")
	w, err := m.Store.Window(ctx, key, since)
	done(err)
	return w, err
}

func (m *instrumentedStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	done := m.observe("admit")
	a, err := m.Store.Admit(ctx, key, now, window, limit)
	done(err)
	return a, err
}

package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/keyguard/internal/circuitbreaker"
)

// ErrCircuitOpen is wrapped by calls rejected while the backend breaker is
// open. It matches ErrUnavailable.
var ErrCircuitOpen = errors.New("circuit open")

// breakerStore short-circuits calls to a backend that keeps failing.
type breakerStore struct {
	Store
	b    *circuitbreaker.Breaker
	name string
}

// WithBreaker wraps s so that consecutive ErrUnavailable results trip b for
// name. ErrNotFound and caller cancellation count as neither success nor
// failure. Ping always reaches the backend, so health probes can close the
// circuit once it recovers.
func WithBreaker(s Store, b *circuitbreaker.Breaker, name string) Store {
	return &breakerStore{Store: s, b: b, name: name}
}

func (s *breakerStore) admit(op string) error {
	if s.b.Allow(s.name) {
		return nil
	}
	return &OpError{Op: op, Err: ErrCircuitOpen}
}

func (s *breakerStore) record(err error) {
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		s.b.RecordSuccess(s.name)
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrUnavailable):
		s.b.RecordFailure(s.name)
	}
}

func (s *breakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.admit("get"); err != nil {
		return nil, err
	}
	v, err := s.Store.Get(ctx, key)
	s.record(err)
	return v, err
}

func (s *breakerStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.admit("set"); err != nil {
		return err
	}
	err := s.Store.SetWithTTL(ctx, key, value, ttl)
	s.record(err)
	return err
}

func (s *breakerStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.admit("setnx"); err != nil {
		return false, err
	}
	ok, err := s.Store.SetIfAbsent(ctx, key, value, ttl)
	s.record(err)
	return ok, err
}

func (s *breakerStore) Delete(ctx context.Context, key string) error {
	if err := s.admit("delete"); err != nil {
		return err
	}
	err := s.Store.Delete(ctx, key)
	s.record(err)
	return err
}

func (s *breakerStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.admit("list"); err != nil {
		return nil, err
	}
	keys, err := s.Store.ListKeysByPrefix(ctx, prefix)
	s.record(err)
	return keys, err
}

func (s *breakerStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	if err := s.admit("append"); err != nil {
		return 0, err
	}
	n, err := s.Store.AppendWithTTL(ctx, key, at, ttl)
	s.record(err)
	return n, err
}

func (s *breakerStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	if err := s.admit("window"); err != nil {
		return nil, err
	}
	w, err := s.Store.Window(ctx, key, since)
	s.record(err)
	return w, err
}

func (s *breakerStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	if err := s.admit("admit"); err != nil {
		return Admission{}, err
	}
	a, err := s.Store.Admit(ctx, key, now, window, limit)
	s.record(err)
	return a, err
}

func (s *breakerStore) Ping(ctx context.Context) error {
	err := s.Store.Ping(ctx)
	s.record(err)
	return err
}

package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/userdir"
)

// ErrInjected is the failure FailingStore returns.
var ErrInjected = errors.New("testutil: injected store failure")

// FailingStore wraps a real store and fails every call while Fail is set.
type FailingStore struct {
	kvstore.Store
	fail  atomic.Bool
	calls atomic.Int64
}

// NewFailingStore wraps inner; it starts failing immediately when failing is true.
func NewFailingStore(inner kvstore.Store, failing bool) *FailingStore {
	s := &FailingStore{Store: inner}
	s.fail.Store(failing)
	return s
}

// SetFailing toggles failure injection.
func (s *FailingStore) SetFailing(v bool) { s.fail.Store(v) }

// Calls returns how many store calls were attempted.
func (s *FailingStore) Calls() int64 { return s.calls.Load() }

func (s *FailingStore) err(op string) error {
	s.calls.Add(1)
	if s.fail.Load() {
		return &kvstore.OpError{Op: op, Err: ErrInjected}
	}
	return nil
}

func (s *FailingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.err("get"); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, key)
}

func (s *FailingStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.err("set"); err != nil {
		return err
	}
	return s.Store.SetWithTTL(ctx, key, value, ttl)
}

func (s *FailingStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.err("setnx"); err != nil {
		return false, err
	}
	return s.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (s *FailingStore) Delete(ctx context.Context, key string) error {
	if err := s.err("delete"); err != nil {
		return err
	}
	return s.Store.Delete(ctx, key)
}

func (s *FailingStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.err("list"); err != nil {
		return nil, err
	}
	return s.Store.ListKeysByPrefix(ctx, prefix)
}

func (s *FailingStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	if err := s.err("append"); err != nil {
		return 0, err
	}
	return s.Store.AppendWithTTL(ctx, key, at, ttl)
}

func (s *FailingStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	if err := s.err("window"); err != nil {
		return nil, err
	}
	return s.Store.Window(ctx, key, since)
}

func (s *FailingStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (kvstore.Admission, error) {
	if err := s.err("admit"); err != nil {
		return kvstore.Admission{}, err
	}
	return s.Store.Admit(ctx, key, now, window, limit)
}

// RedisURL returns REDIS_URL or skips the test.
func RedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	return url
}

// Clock is a manually advanced clock for deterministic tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Directory returns an in-memory user directory seeded with one user.
func Directory(userID string, age time.Duration, txCount int, now time.Time) *userdir.MemoryDirectory {
	d := userdir.NewMemoryDirectory()
	d.Put(userID, now.Add(-age), txCount)
	return d
}

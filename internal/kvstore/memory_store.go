package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is the fallback used when no
// shared backend is configured or reachable: limits enforced through it are
// per process, not per cluster.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memValue
	logs    map[string]*memLog
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memLog struct {
	entries   []time.Time // sorted ascending
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store with a background sweeper.
func NewMemoryStore() *MemoryStore {
	s := newMemoryStore(time.Now)
	go s.sweep(time.Minute)
	return s
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memValue),
		logs:   make(map[string]*memLog),
		now:    now,
		stop:   make(chan struct{}),
	}
}

// WithClock overrides the clock used for TTL expiry (tests).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, v := range s.values {
				if !v.expiresAt.After(now) {
					delete(s.values, k)
				}
			}
			for k, l := range s.logs {
				if !l.expiresAt.After(now) {
					delete(s.logs, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok || !v.expiresAt.After(s.now()) {
		delete(s.values, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]byte, len(value))
	copy(data, value)
	s.values[key] = memValue{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if v, ok := s.values[key]; ok && v.expiresAt.After(now) {
		return false, nil
	}
	data := make([]byte, len(value))
	copy(data, value)
	s.values[key] = memValue{data: data, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.logs, key)
	return nil
}

func (s *MemoryStore) ListKeysByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) && v.expiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	for k, l := range s.logs {
		if strings.HasPrefix(k, prefix) && l.expiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) AppendWithTTL(_ context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.liveLog(key)
	l.prune(at.Add(-ttl))
	l.insert(at)
	l.expiresAt = s.now().Add(ttl)
	return len(l.entries), nil
}

func (s *MemoryStore) Window(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[key]
	if !ok || !l.expiresAt.After(s.now()) {
		return nil, nil
	}
	var out []time.Time
	for _, e := range l.entries {
		if e.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.liveLog(key)
	l.prune(now.Add(-window))

	adm := Admission{Count: len(l.entries)}
	if len(l.entries) < limit {
		l.insert(now)
		l.expiresAt = s.now().Add(window)
		adm.Admitted = true
		adm.Count = len(l.entries)
	}
	if len(l.entries) > 0 {
		adm.Oldest = l.entries[0]
	} else {
		delete(s.logs, key)
	}
	return adm, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopped.Do(func() { close(s.stop) })
	return nil
}

// liveLog returns the log for key, resetting it if expired. Caller holds s.mu.
func (s *MemoryStore) liveLog(key string) *memLog {
	l, ok := s.logs[key]
	if !ok || !l.expiresAt.After(s.now()) {
		l = &memLog{}
		s.logs[key] = l
	}
	return l
}

// prune drops entries at or before cutoff.
func (l *memLog) prune(cutoff time.Time) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].After(cutoff) })
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}

func (l *memLog) insert(at time.Time) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].After(at) })
	l.entries = append(l.entries, time.Time{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = at
}

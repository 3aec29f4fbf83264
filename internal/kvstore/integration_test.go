package kvstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/testutil"
)

// exerciseStore runs the contract checks every backend must pass.
func exerciseStore(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, s.SetWithTTL(ctx, "plain", []byte("v1"), time.Minute))
	v, err := s.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	set, err := s.SetIfAbsent(ctx, "once", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = s.SetIfAbsent(ctx, "once", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, set, "live key must not be overwritten")
	v, err = s.Get(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	var winners atomic.Int64
	var setters sync.WaitGroup
	for i := 0; i < 20; i++ {
		setters.Add(1)
		go func() {
			defer setters.Done()
			ok, err := s.SetIfAbsent(ctx, "once-race", []byte("x"), time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	setters.Wait()
	assert.Equal(t, int64(1), winners.Load())

	n, err := s.AppendWithTTL(ctx, kvstore.PrefixFailed+"alice", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.AppendWithTTL(ctx, kvstore.PrefixFailed+"alice", now.Add(time.Second), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := s.ListKeysByPrefix(ctx, kvstore.PrefixFailed)
	require.NoError(t, err)
	assert.Contains(t, keys, kvstore.PrefixFailed+"alice")

	entries, err := s.Window(ctx, kvstore.PrefixFailed+"alice", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	for i := 1; i <= 3; i++ {
		adm, err := s.Admit(ctx, "rl-boundary", now.Add(time.Duration(i)*time.Millisecond), time.Hour, 3)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Equal(t, i, adm.Count)
	}
	adm, err := s.Admit(ctx, "rl-boundary", now.Add(10*time.Millisecond), time.Hour, 3)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.True(t, adm.Oldest.Add(time.Hour).After(now.Add(10*time.Millisecond)))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.Admit(ctx, "rl-race", now, time.Hour, 5)
			if err == nil && a.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), admitted.Load())

	require.NoError(t, s.Delete(ctx, kvstore.PrefixFailed+"alice"))
	entries, err = s.Window(ctx, kvstore.PrefixFailed+"alice", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	exerciseStore(t, kvstore.NewPostgresStore(db))
}

func TestRedisStore_Contract(t *testing.T) {
	url := testutil.RedisURL(t)
	ctx := context.Background()

	s, err := kvstore.OpenRedis(ctx, url, "keyguard-test-"+time.Now().Format("150405.000000"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestMemoryStore_Contract(t *testing.T) {
	s := kvstore.NewMemoryStore()
	defer s.Close()

	exerciseStore(t, s)
}

package monitor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/monitor"
	"github.com/mbd888/keyguard/internal/testutil"
)

type fixture struct {
	store     *kvstore.MemoryStore
	clock     *testutil.Clock
	sink      *events.MemorySink
	emergency *monitor.Emergency
	mon       *monitor.Monitor
}

func newFixture(t *testing.T, opts ...monitor.Option) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := kvstore.NewMemoryStore().WithClock(clock.Now)
	t.Cleanup(func() { _ = store.Close() })
	sink := events.NewMemorySink()

	em := monitor.NewEmergency(store, 0, sink, nil).WithClock(clock.Now)
	opts = append([]monitor.Option{monitor.WithClock(clock.Now)}, opts...)
	return &fixture{
		store:     store,
		clock:     clock,
		sink:      sink,
		emergency: em,
		mon:       monitor.New(store, em, sink, nil, opts...),
	}
}

func (f *fixture) appendN(t *testing.T, prefix, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.AppendWithTTL(context.Background(), prefix+userID, f.clock.Now(), time.Hour)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
}

func TestScan_FailedAttemptsOverThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.mon.RecordFailedAttempt(ctx, "alice", "bad_passphrase"))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, f.mon.RecordFailedAttempt(ctx, "bob", "bad_passphrase"))
	}

	report, err := f.mon.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, "alice", report.Alerts[0].UserID)
	assert.Equal(t, events.TypeExcessiveFailedAttempts, report.Alerts[0].Type)
	assert.Equal(t, events.SeverityHigh, report.Alerts[0].Severity)
	assert.False(t, report.EmergencyActivated, "HIGH does not trip emergency mode")
	assert.False(t, f.emergency.IsActive(ctx))
}

func TestScan_AlertsOncePerWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendN(t, kvstore.PrefixViolations, "carol", 10)

	report, err := f.mon.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, events.SeverityMedium, report.Alerts[0].Severity)

	report, err = f.mon.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Alerts, "same user, same window: no second alert")

	// The dedupe flag expires with the signal window; still over threshold
	// after fresh violations means a new alert.
	f.clock.Advance(time.Hour)
	f.appendN(t, kvstore.PrefixViolations, "carol", 10)
	report, err = f.mon.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Alerts, 1)
}

func TestScan_SharedStoreAlertsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := monitor.New(f.store, f.emergency, f.sink, nil, monitor.WithClock(f.clock.Now))
	f.appendN(t, kvstore.PrefixViolations, "carol", 10)

	first, err := f.mon.Scan(ctx)
	require.NoError(t, err)
	again, err := second.Scan(ctx)
	require.NoError(t, err)

	assert.Len(t, first.Alerts, 1)
	assert.Empty(t, again.Alerts, "another instance already alerted this window")
	assert.Len(t, f.sink.ByType(events.TypeRateLimitAbuse), 1)
}

func TestScan_OldEntriesDoNotCount(t *testing.T) {
	f := newFixture(t)
	f.appendN(t, kvstore.PrefixFailed, "dave", 5)
	f.clock.Advance(15 * time.Minute)

	report, err := f.mon.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
}

func TestScan_CriticalActivatesEmergency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendN(t, kvstore.PrefixIntegrity, "eve", 3)

	report, err := f.mon.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, events.SeverityCritical, report.Alerts[0].Severity)
	assert.True(t, report.EmergencyActivated)

	st, err := f.emergency.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Active())
	assert.True(t, f.clock.Now().Add(monitor.DefaultEmergencyTTL).Equal(st.ExpiresAt))
	assert.Contains(t, st.Reason, "eve")
	assert.Len(t, f.sink.ByType(events.TypeEmergencyActivated), 1)
}

func TestEmergency_NoReArm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.emergency.Activate(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)
	first, err := f.emergency.Status(ctx)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	ok, err = f.emergency.Activate(ctx, "second")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := f.emergency.Status(ctx)
	require.NoError(t, err)
	assert.True(t, first.ExpiresAt.Equal(again.ExpiresAt), "TTL is not extended")
	assert.Equal(t, "first", again.Reason)
	assert.Len(t, f.sink.ByType(events.TypeEmergencyActivated), 1)
}

func TestEmergency_SharedStoreActivatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := monitor.NewEmergency(f.store, 0, f.sink, nil).WithClock(f.clock.Now)

	var activated atomic.Int64
	var wg sync.WaitGroup
	for i, em := range []*monitor.Emergency{f.emergency, other, f.emergency, other} {
		wg.Add(1)
		go func(i int, em *monitor.Emergency) {
			defer wg.Done()
			ok, err := em.Activate(ctx, "instance race")
			assert.NoError(t, err, "activation %d", i)
			if ok {
				activated.Add(1)
			}
		}(i, em)
	}
	wg.Wait()

	assert.Equal(t, int64(1), activated.Load())
	assert.Len(t, f.sink.ByType(events.TypeEmergencyActivated), 1)
	assert.True(t, other.IsActive(ctx))
}

func TestEmergency_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.emergency.Activate(ctx, "test")
	require.NoError(t, err)

	f.clock.Advance(monitor.DefaultEmergencyTTL - time.Second)
	assert.True(t, f.emergency.IsActive(ctx))

	f.clock.Advance(time.Second)
	assert.False(t, f.emergency.IsActive(ctx))

	// A fresh activation is allowed once expired.
	ok, err := f.emergency.Activate(ctx, "again")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmergency_AdminClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.emergency.Clear(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to clear")

	_, err = f.emergency.Activate(ctx, "test")
	require.NoError(t, err)

	ok, err = f.emergency.Clear(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.emergency.IsActive(ctx))

	cleared := f.sink.ByType(events.TypeEmergencyCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "ops@example.com", cleared[0].Metadata["actor"])
}

func TestEmergency_StoreErrorReadsInactive(t *testing.T) {
	store := testutil.NewFailingStore(kvstore.NewMemoryStore(), true)
	em := monitor.NewEmergency(store, time.Minute, nil, nil)

	assert.False(t, em.IsActive(context.Background()))
	_, err := em.Activate(context.Background(), "x")
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
}

func TestScan_StoreErrorsAreReported(t *testing.T) {
	store := testutil.NewFailingStore(kvstore.NewMemoryStore(), true)
	mon := monitor.New(store, nil, nil, nil)

	report, err := mon.Scan(context.Background())
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
	assert.Equal(t, len(monitor.DefaultSignals()), report.Errors)
}

func TestMonitor_StartStopIsDeterministic(t *testing.T) {
	f := newFixture(t, monitor.WithInterval(5*time.Millisecond))
	ctx := context.Background()

	go f.mon.Start(ctx)
	require.Eventually(t, f.mon.Running, time.Second, time.Millisecond)

	// Scans run on the ticker.
	f.appendN(t, kvstore.PrefixFailed, "frank", 5)
	require.Eventually(t, func() bool {
		return len(f.sink.ByType(events.TypeExcessiveFailedAttempts)) == 1
	}, time.Second, 5*time.Millisecond)

	f.mon.Stop()
	assert.False(t, f.mon.Running(), "Stop returns only after the loop has exited")

	// Idempotent.
	f.mon.Stop()
}

func TestMonitor_SecondStartReturns(t *testing.T) {
	f := newFixture(t, monitor.WithInterval(time.Hour))
	ctx := context.Background()

	go f.mon.Start(ctx)
	require.Eventually(t, f.mon.Running, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.mon.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Start did not return")
	}
	assert.True(t, f.mon.Running(), "first loop keeps running")

	f.mon.Stop()
	assert.False(t, f.mon.Running())
}

func TestMonitor_StopBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.mon.Stop()
}

func TestMonitor_ContextCancelStopsLoop(t *testing.T) {
	f := newFixture(t, monitor.WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.mon.Start(ctx)
		close(done)
	}()
	require.Eventually(t, f.mon.Running, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
	assert.False(t, f.mon.Running())
}

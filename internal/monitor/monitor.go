// Package monitor scans the failure counters kept in the key/value store
// on a fixed schedule, raises security events for users over threshold,
// and switches on emergency mode when an event is CRITICAL.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/metrics"
)

// DefaultInterval is the time between scans.
const DefaultInterval = 60 * time.Second

// Signal is one counter family the monitor watches. A user whose log holds
// at least Threshold entries inside Window triggers EventType.
type Signal struct {
	Name      string        `json:"name"`
	Prefix    string        `json:"prefix"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	EventType string        `json:"eventType"`
}

// DefaultSignals returns the built-in thresholds.
func DefaultSignals() []Signal {
	return []Signal{
		{"failed_attempts", kvstore.PrefixFailed, 5, 15 * time.Minute, events.TypeExcessiveFailedAttempts},
		{"rate_limit_violations", kvstore.PrefixViolations, 10, time.Hour, events.TypeRateLimitAbuse},
		{"integrity_failures", kvstore.PrefixIntegrity, 3, time.Hour, events.TypeRepeatedIntegrityFailures},
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the scan interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSignals replaces the watched signals.
func WithSignals(s []Signal) Option {
	return func(m *Monitor) { m.signals = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor runs periodic scans. Start blocks; Stop ends the loop and waits
// for it to exit.
type Monitor struct {
	store     kvstore.Store
	emergency *Emergency
	sink      events.Sink
	logger    *slog.Logger
	interval  time.Duration
	signals   []Signal
	now       func() time.Time

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	running atomic.Bool
	scanMu  sync.Mutex
}

// New creates a monitor.
func New(store kvstore.Store, emergency *Emergency, sink events.Sink, logger *slog.Logger, opts ...Option) *Monitor {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:     store,
		emergency: emergency,
		sink:      sink,
		logger:    logger,
		interval:  DefaultInterval,
		signals:   DefaultSignals(),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Emergency returns the emergency flag the monitor drives.
func (m *Monitor) Emergency() *Emergency { return m.emergency }

// Signals returns the watched signals.
func (m *Monitor) Signals() []Signal { return m.signals }

// Running reports whether the scan loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start scans once, then on every tick until Stop or ctx is done. Calls
// after the first return immediately.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.running.Store(true)
	defer close(m.done)
	defer m.running.Store(false)

	m.logger.Info("activity monitor started", "interval", m.interval, "signals", len(m.signals))
	m.safeScan(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeScan(ctx)
		}
	}
}

// Stop signals the loop to exit and waits until it has. Safe to call more
// than once and before Start.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorScans.WithLabelValues("panic").Inc()
			m.logger.Error("panic in activity monitor scan", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := m.Scan(ctx); err != nil {
		m.logger.Warn("activity monitor scan incomplete", "error", err)
	}
}

// ScanReport summarises one scan.
type ScanReport struct {
	Alerts             []events.SecurityEvent `json:"alerts"`
	EmergencyActivated bool                   `json:"emergencyActivated"`
	Errors             int                    `json:"errors"`
}

// Scan evaluates every signal once. Per-key store errors are counted and
// joined into the returned error; the scan carries on with the other keys.
func (m *Monitor) Scan(ctx context.Context) (ScanReport, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	var (
		report ScanReport
		errs   []error
	)
	for _, sig := range m.signals {
		if err := m.scanSignal(ctx, sig, &report); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	report.Errors = len(errs)
	if err != nil {
		metrics.MonitorScans.WithLabelValues("error").Inc()
	} else {
		metrics.MonitorScans.WithLabelValues("ok").Inc()
	}
	return report, err
}

func (m *Monitor) scanSignal(ctx context.Context, sig Signal, report *ScanReport) error {
	keys, err := m.store.ListKeysByPrefix(ctx, sig.Prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", sig.Name, err)
	}

	now := m.now()
	var errs []error
	for _, key := range keys {
		userID := kvstore.UserFromKey(sig.Prefix, key)
		if userID == "" {
			continue
		}
		entries, err := m.store.Window(ctx, key, now.Add(-sig.Window))
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", key, err))
			continue
		}
		if len(entries) < sig.Threshold {
			continue
		}
		if m.alreadyAlerted(ctx, sig, userID) {
			continue
		}

		ev := events.New(sig.EventType, userID, map[string]any{
			"signal":    sig.Name,
			"count":     len(entries),
			"threshold": sig.Threshold,
			"window":    sig.Window.String(),
		})
		m.sink.Record(ctx, ev)
		report.Alerts = append(report.Alerts, ev)

		if ev.Severity == events.SeverityCritical && m.emergency != nil {
			activated, err := m.emergency.Activate(ctx, fmt.Sprintf("%s for user %s", sig.EventType, userID))
			if err != nil {
				errs = append(errs, fmt.Errorf("activate emergency mode: %w", err))
			}
			report.EmergencyActivated = report.EmergencyActivated || activated
		}
	}
	return errors.Join(errs...)
}

// alreadyAlerted claims the per-window dedupe flag and reports whether
// another scan, here or in another instance, holds it. If the store cannot
// be reached the alert still fires.
func (m *Monitor) alreadyAlerted(ctx context.Context, sig Signal, userID string) bool {
	key := kvstore.PrefixMonitorAlerts + sig.Name + ":" + userID
	set, err := m.store.SetIfAbsent(ctx, key, []byte(m.now().UTC().Format(time.RFC3339)), sig.Window)
	if err != nil {
		m.logger.Warn("failed to set alert dedupe flag", "key", key, "error", err)
		return false
	}
	return !set
}

// RecordFailedAttempt appends to the user's failed-attempt log, which the
// failed_attempts signal reads.
func (m *Monitor) RecordFailedAttempt(ctx context.Context, userID, reason string) error {
	window := 15 * time.Minute
	for _, s := range m.signals {
		if s.Prefix == kvstore.PrefixFailed {
			window = s.Window
		}
	}
	n, err := m.store.AppendWithTTL(ctx, kvstore.PrefixFailed+userID, m.now(), window)
	if err != nil {
		m.logger.Warn("failed to record failed attempt", "user_id", userID, "reason", reason, "error", err)
		return err
	}
	m.logger.Info("failed attempt recorded", "user_id", userID, "reason", reason, "count", n)
	return nil
}

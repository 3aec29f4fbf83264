package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/metrics"
)

// DefaultEmergencyTTL is how long emergency mode lasts once activated.
const DefaultEmergencyTTL = 30 * time.Minute

// State is the emergency mode state.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// Status describes emergency mode as read from the store.
type Status struct {
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Active reports whether the status is ACTIVE.
func (s Status) Active() bool { return s.State == StateActive }

type emergencyRecord struct {
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Emergency is the process-wide emergency flag. The only transitions are
// INACTIVE → ACTIVE on Activate and ACTIVE → INACTIVE on TTL expiry or
// Clear. Activating while active does not extend the TTL.
type Emergency struct {
	store  kvstore.Store
	ttl    time.Duration
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewEmergency creates the emergency flag over store.
func NewEmergency(store kvstore.Store, ttl time.Duration, sink events.Sink, logger *slog.Logger) *Emergency {
	if ttl <= 0 {
		ttl = DefaultEmergencyTTL
	}
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emergency{store: store, ttl: ttl, sink: sink, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (e *Emergency) WithClock(now func() time.Time) *Emergency {
	e.now = now
	return e
}

// TTL returns the activation lifetime.
func (e *Emergency) TTL() time.Duration { return e.ttl }

// IsActive reports whether emergency mode is on. A store error is logged
// and reported as inactive.
func (e *Emergency) IsActive(ctx context.Context) bool {
	st, err := e.Status(ctx)
	if err != nil {
		e.logger.Warn("emergency mode state unreadable, treating as inactive", "error", err)
		return false
	}
	return st.Active()
}

// Status reads the current state.
func (e *Emergency) Status(ctx context.Context) (Status, error) {
	raw, err := e.store.Get(ctx, kvstore.KeyEmergencyMode)
	if errors.Is(err, kvstore.ErrNotFound) {
		metrics.EmergencyModeActive.Set(0)
		return Status{State: StateInactive}, nil
	}
	if err != nil {
		return Status{State: StateInactive}, err
	}

	var rec emergencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Status{State: StateInactive}, fmt.Errorf("monitor: decode emergency record: %w", err)
	}
	if !rec.ExpiresAt.After(e.now()) {
		metrics.EmergencyModeActive.Set(0)
		return Status{State: StateInactive}, nil
	}

	metrics.EmergencyModeActive.Set(1)
	return Status{
		State:       StateActive,
		Reason:      rec.Reason,
		ActivatedAt: rec.ActivatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// Activate turns emergency mode on for the TTL. It returns false when the
// mode is already active. The flag is claimed with a single conditional
// write, so among instances sharing a store only one activation succeeds.
func (e *Emergency) Activate(ctx context.Context, reason string) (bool, error) {
	now := e.now()
	rec := emergencyRecord{Reason: reason, ActivatedAt: now, ExpiresAt: now.Add(e.ttl)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	set, err := e.store.SetIfAbsent(ctx, kvstore.KeyEmergencyMode, raw, e.ttl)
	if err != nil {
		return false, err
	}
	if !set {
		return false, nil
	}

	metrics.EmergencyModeActive.Set(1)
	metrics.EmergencyTransitions.WithLabelValues(string(StateInactive), string(StateActive), "critical_event").Inc()
	e.logger.Error("EMERGENCY MODE ACTIVATED", "reason", reason, "expires_at", rec.ExpiresAt)
	e.sink.Record(ctx, events.New(events.TypeEmergencyActivated, "", map[string]any{
		"reason":     reason,
		"expires_at": rec.ExpiresAt,
	}))
	return true, nil
}

// Clear turns emergency mode off early. actor identifies who asked.
func (e *Emergency) Clear(ctx context.Context, actor string) (bool, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return false, err
	}
	if !st.Active() {
		return false, nil
	}
	if err := e.store.Delete(ctx, kvstore.KeyEmergencyMode); err != nil {
		return false, err
	}

	metrics.EmergencyModeActive.Set(0)
	metrics.EmergencyTransitions.WithLabelValues(string(StateActive), string(StateInactive), "admin_clear").Inc()
	e.logger.Warn("emergency mode cleared", "actor", actor, "reason", st.Reason)
	e.sink.Record(ctx, events.New(events.TypeEmergencyCleared, "", map[string]any{
		"actor":  actor,
		"reason": st.Reason,
	}))
	return true, nil
}

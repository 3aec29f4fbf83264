// Package ratelimit enforces per-user, per-operation sliding-window limits
// on sensitive operations. Limits are scaled by the user's trust tier and
// admission is a single atomic store call, so concurrent callers cannot
// both take the last slot.
//
// A store failure never blocks the caller: the limiter fails open and
// records a WARNING event so every such decision is visible.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/metrics"
	"github.com/mbd888/keyguard/internal/traces"
	"github.com/mbd888/keyguard/internal/trust"
)

// Sensitive operations with a default policy.
const (
	OpExportPrivateKey = "export_private_key"
	OpRevealPrivateKey = "reveal_private_key"
	OpWalletDelete     = "wallet_delete"
	OpWalletImport     = "wallet_import"
	OpWithdraw         = "withdraw"
)

// ViolationWindow is how long a denial stays in the per-user violation log
// read by the activity monitor.
const ViolationWindow = time.Hour

// Policy is the base limit for an operation within a sliding window.
type Policy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// DefaultPolicies returns the built-in operation table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpExportPrivateKey: {Limit: 3, Window: time.Hour},
		OpRevealPrivateKey: {Limit: 5, Window: time.Hour},
		OpWalletDelete:     {Limit: 2, Window: 24 * time.Hour},
		OpWalletImport:     {Limit: 5, Window: time.Hour},
		OpWithdraw:         {Limit: 10, Window: time.Hour},
	}
}

// TierSource resolves a user's trust tier.
type TierSource interface {
	Classify(ctx context.Context, userID string) trust.Tier
}

// Decision is the outcome of one admission check.
type Decision struct {
	Operation string        `json:"operation"`
	Allowed   bool          `json:"allowed"`
	Remaining int           `json:"remaining"`
	ResetAt   time.Time     `json:"resetAt"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Tier      trust.Tier    `json:"tier,omitempty"`
	FailOpen  bool          `json:"failOpen,omitempty"`
	Unpoliced bool          `json:"unpoliced,omitempty"`
}

// Limiter is safe for concurrent use; all state lives in the store.
type Limiter struct {
	store    kvstore.Store
	tiers    TierSource
	policies map[string]Policy
	sink     events.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a limiter with DefaultPolicies.
func New(store kvstore.Store, tiers TierSource, sink events.Sink, logger *slog.Logger) *Limiter {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:    store,
		tiers:    tiers,
		policies: DefaultPolicies(),
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// WithPolicies replaces the policy table.
func (l *Limiter) WithPolicies(p map[string]Policy) *Limiter {
	l.policies = p
	return l
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Policy returns the base policy for an operation.
func (l *Limiter) Policy(operation string) (Policy, bool) {
	p, ok := l.policies[operation]
	return p, ok
}

// CheckAndRecord admits or denies one attempt at operation by userID and,
// when admitted, records it. Operations without a policy are always allowed.
func (l *Limiter) CheckAndRecord(ctx context.Context, userID, operation string) Decision {
	ctx, span := traces.StartSpan(ctx, "ratelimit.CheckAndRecord",
		traces.UserID(userID), traces.Operation(operation))
	defer span.End()

	policy, ok := l.policies[operation]
	if !ok {
		l.logger.Info("no rate limit policy for operation, allowing", "operation", operation, "user_id", userID)
		metrics.RateLimitDecisions.WithLabelValues(operation, "unpoliced").Inc()
		return Decision{Operation: operation, Allowed: true, Remaining: -1, Unpoliced: true}
	}

	// Stores keep millisecond precision; decide on the same grid they do.
	now := l.now().Truncate(time.Millisecond)
	tier := l.tiers.Classify(ctx, userID)
	limit := trust.AdjustedLimit(policy.Limit, tier)
	span.SetAttributes(traces.Tier(string(tier)), attribute.Int("limit", limit))

	d := Decision{
		Operation: operation,
		Limit:     limit,
		Window:    policy.Window,
		Tier:      tier,
	}

	adm, err := l.store.Admit(ctx, kvstore.RateLimitKey(userID, operation), now, policy.Window, limit)
	if err != nil {
		return l.failOpen(ctx, d, userID, now, err)
	}

	d.ResetAt = adm.Oldest.Add(policy.Window)
	if !d.ResetAt.After(now) {
		d.ResetAt = now.Add(time.Millisecond)
	}

	if !adm.Admitted {
		d.Allowed = false
		d.Remaining = 0
		span.SetAttributes(attribute.Bool("allowed", false))
		metrics.RateLimitDecisions.WithLabelValues(operation, "denied").Inc()
		l.recordViolation(ctx, userID, operation, now)
		l.logger.Info("rate limit exceeded",
			"user_id", userID, "operation", operation, "tier", tier,
			"limit", limit, "reset_at", d.ResetAt)
		return d
	}

	d.Allowed = true
	d.Remaining = max(limit-adm.Count, 0)
	metrics.RateLimitDecisions.WithLabelValues(operation, "allowed").Inc()
	return d
}

// failOpen admits the attempt and makes the decision observable.
func (l *Limiter) failOpen(ctx context.Context, d Decision, userID string, now time.Time, err error) Decision {
	d.Allowed = true
	d.FailOpen = true
	d.Remaining = max(d.Limit-1, 0)
	d.ResetAt = now.Add(d.Window)

	metrics.RateLimitDecisions.WithLabelValues(d.Operation, "fail_open").Inc()
	l.logger.Warn("rate limit store unavailable, failing open",
		"user_id", userID, "operation", d.Operation, "error", err)
	l.sink.Record(ctx, events.New(events.TypeRateLimitFailOpen, userID, map[string]any{
		"operation": d.Operation,
		"error":     err.Error(),
	}))
	return d
}

// recordViolation appends to the violation log the monitor scans. A
// failure here is logged and does not change the decision.
func (l *Limiter) recordViolation(ctx context.Context, userID, operation string, now time.Time) {
	if _, err := l.store.AppendWithTTL(ctx, kvstore.PrefixViolations+userID, now, ViolationWindow); err != nil {
		l.logger.Warn("failed to record rate limit violation",
			"user_id", userID, "operation", operation, "error", err)
	}
}

// RetryAfter is the time until the next slot opens, rounded up to a whole second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// RetryMessage renders a denial for the end user: how long to wait and the
// limit that applies to them.
func RetryMessage(d Decision, now time.Time) string {
	if d.Allowed {
		return ""
	}
	per := humanDuration(d.Window)
	if d.Window == time.Hour {
		per = "hour"
	}
	return fmt.Sprintf("Too many %s attempts. Your limit is %d per %s (%s tier). Try again in %s.",
		d.Operation, d.Limit, per, d.Tier, humanDuration(d.RetryAfter(now)))
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "a moment"
	case d < time.Minute:
		return plural(int(math.Ceil(d.Seconds())), "second")
	case d < time.Hour:
		return plural(int(math.Ceil(d.Minutes())), "minute")
	case d%time.Hour == 0 || d >= 24*time.Hour:
		return plural(int(math.Ceil(d.Hours())), "hour")
	default:
		h := int(d / time.Hour)
		m := int(math.Ceil((d % time.Hour).Minutes()))
		if m == 60 {
			return plural(h+1, "hour")
		}
		return plural(h, "hour") + " " + plural(m, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

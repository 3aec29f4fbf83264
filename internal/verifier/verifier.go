// Package verifier decides whether a sensitive operation may proceed by
// combining the rate limiter with contextual risk signals into one score.
package verifier

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/metrics"
	"github.com/mbd888/keyguard/internal/ratelimit"
	"github.com/mbd888/keyguard/internal/traces"
)

// Reasons attached to a Result.
const (
	ReasonRateLimited    = "rate_limit_exceeded"
	ReasonCallerMismatch = "caller_mismatch"
	ReasonUnusualHour    = "unusual_hour"
	ReasonHighFrequency  = "high_frequency"
)

// Scoring. A score at or above DenyThreshold denies the operation.
const (
	ScoreRateLimited    = 100
	ScoreCallerMismatch = 50
	ScoreUnusualHour    = 20
	ScoreHighFrequency  = 30
	DenyThreshold       = 70
	MaxScore            = 100

	// Hours [UnusualHourStart, UnusualHourEnd) in service-local time are unusual.
	UnusualHourStart = 2
	UnusualHourEnd   = 6

	// FrequencyWindow is the trailing window for completed sensitive operations.
	FrequencyWindow = 24 * time.Hour
	// FrequencyThreshold is how many completed operations in the window are
	// tolerated before the frequency signal fires.
	FrequencyThreshold = 2
)

// Admitter is the rate-limit check the verifier runs first.
type Admitter interface {
	CheckAndRecord(ctx context.Context, userID, operation string) ratelimit.Decision
}

// OperationContext describes who is asking.
type OperationContext struct {
	CallerID string `json:"callerId"`
}

// Result is a fresh verdict per call.
type Result struct {
	Allowed   bool                `json:"allowed"`
	RiskScore int                 `json:"riskScore"`
	Reasons   []string            `json:"reasons"`
	RateLimit *ratelimit.Decision `json:"rateLimit,omitempty"`
}

// Verifier is safe for concurrent use.
type Verifier struct {
	limiter  Admitter
	store    kvstore.Store
	sink     events.Sink
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
}

// New creates a verifier. Hours are evaluated in time.Local unless
// WithLocation says otherwise.
func New(limiter Admitter, store kvstore.Store, sink events.Sink, logger *slog.Logger) *Verifier {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		limiter:  limiter,
		store:    store,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithLocation sets the service-local time zone for the hour signal.
func (v *Verifier) WithLocation(loc *time.Location) *Verifier {
	if loc != nil {
		v.location = loc
	}
	return v
}

// Verify scores one attempt at operation on userID's resources. A rate
// limit denial short-circuits with the maximum score; otherwise the
// signals add up. Every call records exactly one verification event.
func (v *Verifier) Verify(ctx context.Context, userID, operation string, oc OperationContext) Result {
	ctx, span := traces.StartSpan(ctx, "verifier.Verify",
		traces.UserID(userID), traces.Operation(operation))
	defer span.End()

	res := v.score(ctx, userID, operation, oc)

	span.SetAttributes(
		attribute.Bool("allowed", res.Allowed),
		attribute.Int("risk_score", res.RiskScore),
	)
	decision := "allowed"
	if !res.Allowed {
		decision = "denied"
	}
	metrics.VerifierDecisions.WithLabelValues(operation, decision).Inc()
	metrics.RiskScore.Observe(float64(res.RiskScore))

	ev := events.New(events.TypeVerification, userID, map[string]any{
		"operation":  operation,
		"caller_id":  oc.CallerID,
		"allowed":    res.Allowed,
		"risk_score": res.RiskScore,
		"reasons":    res.Reasons,
	})
	if !res.Allowed {
		ev = ev.WithSeverity(events.SeverityHigh)
	}
	v.sink.Record(ctx, ev)
	return res
}

func (v *Verifier) score(ctx context.Context, userID, operation string, oc OperationContext) Result {
	res := Result{Reasons: []string{}}

	d := v.limiter.CheckAndRecord(ctx, userID, operation)
	res.RateLimit = &d
	if !d.Allowed {
		res.RiskScore = ScoreRateLimited
		res.Reasons = append(res.Reasons, ReasonRateLimited)
		return res
	}

	if oc.CallerID != userID {
		res.RiskScore += ScoreCallerMismatch
		res.Reasons = append(res.Reasons, ReasonCallerMismatch)
	}

	if h := v.now().In(v.location).Hour(); h >= UnusualHourStart && h < UnusualHourEnd {
		res.RiskScore += ScoreUnusualHour
		res.Reasons = append(res.Reasons, ReasonUnusualHour)
	}

	if v.recentCount(ctx, userID) > FrequencyThreshold {
		res.RiskScore += ScoreHighFrequency
		res.Reasons = append(res.Reasons, ReasonHighFrequency)
	}

	res.RiskScore = min(res.RiskScore, MaxScore)
	res.Allowed = res.RiskScore < DenyThreshold
	return res
}

// recentCount returns completed sensitive operations in the trailing
// window. A lookup failure counts as zero.
func (v *Verifier) recentCount(ctx context.Context, userID string) int {
	entries, err := v.store.Window(ctx, kvstore.PrefixSensitiveOps+userID, v.now().Add(-FrequencyWindow))
	if err != nil {
		v.logger.Warn("sensitive operation history unavailable, assuming none",
			"user_id", userID, "error", err)
		return 0
	}
	return len(entries)
}

// RecordSensitiveOperation notes that a guarded action completed. Call it
// only after success so the frequency signal counts disclosures, not
// attempts.
func (v *Verifier) RecordSensitiveOperation(ctx context.Context, userID string) error {
	_, err := v.store.AppendWithTTL(ctx, kvstore.PrefixSensitiveOps+userID, v.now(), FrequencyWindow)
	if err != nil {
		v.logger.Warn("failed to record sensitive operation", "user_id", userID, "error", err)
	}
	return err
}

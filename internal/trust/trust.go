// Package trust classifies users into coarse tiers from account age and
// transaction history. Tiers scale rate limits; they are recomputed on
// every call and never stored.
package trust

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/metrics"
	"github.com/mbd888/keyguard/internal/userdir"
)

// Tier is a user's trust level.
type Tier string

const (
	TierNew     Tier = "new"
	TierRegular Tier = "regular"
	TierTrusted Tier = "trusted"
	TierVIP     Tier = "vip"
)

// FailSafe is the tier used when the directory cannot answer.
const FailSafe = TierRegular

// DefaultLookupTimeout bounds each directory lookup.
const DefaultLookupTimeout = 2 * time.Second

// threshold is the minimum age and transaction count for a tier. Both
// conditions are required.
type threshold struct {
	tier    Tier
	minAge  time.Duration
	minTxns int
}

// thresholds is ordered highest tier first.
var thresholds = []threshold{
	{TierVIP, 30 * 24 * time.Hour, 100},
	{TierTrusted, 14 * 24 * time.Hour, 20},
	{TierRegular, 3 * 24 * time.Hour, 5},
}

var multipliers = map[Tier]float64{
	TierNew:     0.5,
	TierRegular: 1.0,
	TierTrusted: 1.5,
	TierVIP:     2.0,
}

// Multiplier returns the rate-limit multiplier for a tier. Unknown tiers
// get the fail-safe multiplier.
func (t Tier) Multiplier() float64 {
	if m, ok := multipliers[t]; ok {
		return m
	}
	return multipliers[FailSafe]
}

// AdjustedLimit scales a base limit by the tier multiplier, rounding up.
func AdjustedLimit(base int, tier Tier) int {
	return int(math.Ceil(float64(base) * tier.Multiplier()))
}

// TierFor maps raw account facts to a tier.
func TierFor(age time.Duration, txCount int) Tier {
	for _, th := range thresholds {
		if age >= th.minAge && txCount >= th.minTxns {
			return th.tier
		}
	}
	return TierNew
}

// Classifier resolves tiers through a user directory.
type Classifier struct {
	dir     userdir.Directory
	sink    events.Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewClassifier creates a classifier. sink and logger may be nil.
func NewClassifier(dir userdir.Directory, sink events.Sink, logger *slog.Logger) *Classifier {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		dir:     dir,
		sink:    sink,
		logger:  logger,
		timeout: DefaultLookupTimeout,
		now:     time.Now,
	}
}

// WithTimeout overrides the per-lookup timeout.
func (c *Classifier) WithTimeout(d time.Duration) *Classifier {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithClock overrides the time source.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Classify returns the user's tier. Lookup errors, timeouts and missing
// profiles yield FailSafe and a LOW event; Classify itself never fails.
func (c *Classifier) Classify(ctx context.Context, userID string) Tier {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	profile, err := c.dir.GetProfile(ctx, userID)
	if err != nil {
		return c.failSafe(ctx, userID, "profile", err)
	}
	txCount, err := c.dir.GetTransactionCount(ctx, userID)
	if err != nil {
		return c.failSafe(ctx, userID, "transaction_count", err)
	}

	tier := TierFor(c.now().Sub(profile.CreatedAt), txCount)
	metrics.TrustTiers.WithLabelValues(string(tier)).Inc()
	return tier
}

func (c *Classifier) failSafe(ctx context.Context, userID, lookup string, err error) Tier {
	c.logger.Info("trust lookup failed, using fail-safe tier",
		"user_id", userID, "lookup", lookup, "tier", FailSafe, "error", err)
	c.sink.Record(ctx, events.New(events.TypeTrustLookupFailed, userID, map[string]any{
		"lookup": lookup,
		"error":  err.Error(),
	}))
	metrics.TrustTiers.WithLabelValues(string(FailSafe)).Inc()
	return FailSafe
}

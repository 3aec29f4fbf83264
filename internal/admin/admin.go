// Package admin provides operator endpoints for the security subsystem:
// emergency mode, recent security events and on-demand monitor scans.
package admin

import (
	"context"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/monitor"
	"github.com/mbd888/keyguard/internal/trust"
)

// EmergencyService abstracts the emergency flag for admin handlers.
type EmergencyService interface {
	Status(ctx context.Context) (monitor.Status, error)
	Activate(ctx context.Context, reason string) (bool, error)
	Clear(ctx context.Context, actor string) (bool, error)
}

// EventLister returns recent security events, newest first.
type EventLister interface {
	ListRecent(ctx context.Context, limit int) ([]events.SecurityEvent, error)
}

// Scanner runs one activity-monitor pass.
type Scanner interface {
	Scan(ctx context.Context) (monitor.ScanReport, error)
}

// TierClassifier resolves a user's trust tier.
type TierClassifier interface {
	Classify(ctx context.Context, userID string) trust.Tier
}

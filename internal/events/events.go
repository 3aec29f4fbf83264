// Package events defines security events, their severities and the sinks
// they are recorded to. Events are write-once: sinks never mutate them.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/keyguard/internal/metrics"
)

// Severity ranks events. WARNING sits between LOW and MEDIUM and marks
// degraded-but-continuing decisions such as fail-open admission.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityWarning  Severity = "WARNING"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for comparisons; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityWarning:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// Event types.
const (
	TypeIntegrityFailure          = "decryption_integrity_failure"
	TypeTrustLookupFailed         = "trust_lookup_failed"
	TypeRateLimitFailOpen         = "rate_limit_fail_open"
	TypeVerification              = "sensitive_operation_verification"
	TypeExcessiveFailedAttempts   = "excessive_failed_attempts"
	TypeRateLimitAbuse            = "rate_limit_abuse"
	TypeRepeatedIntegrityFailures = "repeated_integrity_failures"
	TypeEmergencyActivated        = "emergency_mode_activated"
	TypeEmergencyCleared          = "emergency_mode_cleared"
	TypeEphemeralMasterKey        = "ephemeral_master_key"
	TypeSecretExported            = "secret_exported"
	TypeSecretDeleted             = "secret_deleted"
)

// severityTable is the static type → severity mapping.
var severityTable = map[string]Severity{
	TypeIntegrityFailure:          SeverityCritical,
	TypeTrustLookupFailed:         SeverityLow,
	TypeRateLimitFailOpen:         SeverityWarning,
	TypeVerification:              SeverityMedium,
	TypeExcessiveFailedAttempts:   SeverityHigh,
	TypeRateLimitAbuse:            SeverityMedium,
	TypeRepeatedIntegrityFailures: SeverityCritical,
	TypeEmergencyActivated:        SeverityHigh,
	TypeEmergencyCleared:          SeverityMedium,
	TypeEphemeralMasterKey:        SeverityHigh,
	TypeSecretExported:            SeverityMedium,
	TypeSecretDeleted:             SeverityMedium,
}

// SeverityFor returns the static severity of an event type (LOW if unknown).
func SeverityFor(eventType string) Severity {
	if s, ok := severityTable[eventType]; ok {
		return s
	}
	return SeverityLow
}

// SecurityEvent is one entry in the append-only security stream.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event with the table severity, a fresh ID and the current time.
func New(eventType, userID string, metadata map[string]any) SecurityEvent {
	return SecurityEvent{
		ID:        "sev_" + uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Metadata:  metadata,
		Severity:  SeverityFor(eventType),
		Timestamp: time.Now().UTC(),
	}
}

// WithSeverity returns a copy with an overridden severity.
func (e SecurityEvent) WithSeverity(s Severity) SecurityEvent {
	e.Severity = s
	return e
}

// Sink receives security events. Record must not block for long and must
// never fail the caller: sinks log their own delivery errors.
type Sink interface {
	Record(ctx context.Context, ev SecurityEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev SecurityEvent)

func (f SinkFunc) Record(ctx context.Context, ev SecurityEvent) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, SecurityEvent) {})

// LogSink writes events to a structured logger and counts them.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, ev SecurityEvent) {
	metrics.SecurityEvents.WithLabelValues(ev.Type, string(ev.Severity)).Inc()
	s.logger.Log(ctx, logLevel(ev.Severity), "security event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"user_id", ev.UserID,
		"severity", string(ev.Severity),
		"metadata", ev.Metadata,
	)
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityWarning, SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Multi fans an event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev SecurityEvent) {
		for _, s := range sinks {
			if s != nil {
				s.Record(ctx, ev)
			}
		}
	})
}

// MemorySink keeps events in memory for demo/test use.
type MemorySink struct {
	mu       sync.RWMutex
	events   []SecurityEvent
	capacity int
}

// NewMemorySink creates an empty, unbounded in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// NewBoundedMemorySink keeps only the newest capacity events.
func NewBoundedMemorySink(capacity int) *MemorySink {
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) Record(_ context.Context, ev SecurityEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if s.capacity > 0 && len(s.events) > s.capacity {
		s.events = append(s.events[:0:0], s.events[len(s.events)-s.capacity:]...)
	}
	s.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of one type.
func (s *MemorySink) ByType(eventType string) []SecurityEvent {
	var out []SecurityEvent
	for _, ev := range s.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// BySeverity returns recorded events of one severity.
func (s *MemorySink) BySeverity(sev Severity) []SecurityEvent {
	var out []SecurityEvent
	for _, ev := range s.Events() {
		if ev.Severity == sev {
			out = append(out, ev)
		}
	}
	return out
}

// ListRecent returns up to limit events, newest first.
func (s *MemorySink) ListRecent(_ context.Context, limit int) ([]SecurityEvent, error) {
	all := s.Events()
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	out := make([]SecurityEvent, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Reset clears recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

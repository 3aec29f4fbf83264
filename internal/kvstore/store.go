// Package kvstore defines the key/value capability contract the security
// subsystem runs on, plus one adapter per backend (memory, Redis, Postgres).
//
// Besides plain keys with TTL, the contract carries "sliding logs": per-key
// lists of timestamps that are pruned to a window on every write. Admission
// (prune, count, conditionally append) is a single atomic store operation so
// concurrent callers can never both observe N and both write N+1.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrUnavailable wraps backend failures (network, timeout, driver errors).
	// Callers treat it as a policy input, never as a reason to crash.
	ErrUnavailable = errors.New("kvstore: store unavailable")
)

// Admission is the outcome of an atomic check-and-append on a sliding log.
type Admission struct {
	// Admitted is true when the entry was appended (count was below limit).
	Admitted bool
	// Count is the number of entries inside the window after the operation.
	Count int
	// Oldest is the oldest entry still inside the window. Zero if Count == 0.
	Oldest time.Time
}

// Store is the capability contract every backend implements.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores value under key; the key expires after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value under key only if key is missing or expired,
	// reporting whether it wrote. Exactly one of several concurrent callers
	// for the same key gets true.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeysByPrefix returns all live keys starting with prefix.
	ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	// AppendWithTTL atomically appends at to the sliding log under key,
	// drops entries at or before at-ttl, refreshes the key TTL and returns
	// the new length.
	AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error)

	// Window returns the sliding-log entries under key strictly after since,
	// oldest first.
	Window(ctx context.Context, key string, since time.Time) ([]time.Time, error)

	// Admit atomically prunes entries at or before now-window, and appends
	// now only if fewer than limit entries remain. TTL is refreshed to window.
	// An entry exactly one window old no longer counts, so Oldest+window is
	// always after now.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Key prefixes shared by the components that write and the monitor that scans.
const (
	PrefixRateLimit     = "sec:rl:"
	PrefixSensitiveOps  = "sec:sensitive:"
	PrefixFailed        = "sec:failed:"
	PrefixViolations    = "sec:violations:"
	PrefixIntegrity     = "sec:integrity:"
	PrefixMonitorAlerts = "sec:alerted:"
	PrefixSecrets       = "secret:"
	KeyEmergencyMode    = "emergency_mode"
)

// RateLimitKey is the sliding-log key for (userID, operation).
func RateLimitKey(userID, operation string) string {
	return PrefixRateLimit + operation + ":" + userID
}

// UserFromKey strips prefix from a key, returning the user ID part.
func UserFromKey(prefix, key string) string {
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	return key[len(prefix):]
}

// unavailable wraps err as ErrUnavailable unless it is already a contract error.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &OpError{Op: op, Err: err}
}

// OpError carries the failing operation. It matches ErrUnavailable via errors.Is.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "kvstore: " + e.Op + ": " + e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

// Is reports ErrUnavailable so callers can branch without knowing the backend.
func (e *OpError) Is(target error) bool { return target == ErrUnavailable }

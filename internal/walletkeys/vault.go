// Package walletkeys keeps users' wallet private keys encrypted at rest and
// gates every disclosure or deletion behind emergency mode and the
// sensitive-operation verifier.
package walletkeys

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/keyguard/internal/encryption"
	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/ratelimit"
	"github.com/mbd888/keyguard/internal/verifier"
)

var (
	ErrInvalidKey = errors.New("walletkeys: invalid private key")
	ErrNotFound   = errors.New("walletkeys: no key stored for user")
	ErrEmergency  = errors.New("walletkeys: emergency mode is active")
	ErrDenied     = errors.New("walletkeys: operation denied")
)

// secretTTL keeps stored keys around effectively forever. Every backend
// treats the TTL as mandatory.
const secretTTL = 100 * 365 * 24 * time.Hour

// DeniedError carries the verdict behind a refusal.
type DeniedError struct {
	Result  verifier.Result
	Message string
}

func (e *DeniedError) Error() string { return "walletkeys: operation denied: " + e.Message }
func (e *DeniedError) Unwrap() error { return ErrDenied }

// Verifier is the part of verifier.Verifier the vault needs.
type Verifier interface {
	Verify(ctx context.Context, userID, operation string, oc verifier.OperationContext) verifier.Result
	RecordSensitiveOperation(ctx context.Context, userID string) error
}

// EmergencySwitch reports whether sensitive operations are frozen.
type EmergencySwitch interface {
	IsActive(ctx context.Context) bool
}

// FailureRecorder feeds the activity monitor's failed-attempt signal.
type FailureRecorder interface {
	RecordFailedAttempt(ctx context.Context, userID, reason string) error
}

// Config wires a Vault. Sink and Logger are optional.
type Config struct {
	Store     kvstore.Store
	Engine    *encryption.Engine
	Verifier  Verifier
	Emergency EmergencySwitch
	Failures  FailureRecorder
	Sink      events.Sink
	Logger    *slog.Logger
}

type record struct {
	Address  string    `json:"address"`
	Blob     string    `json:"blob"`
	StoredAt time.Time `json:"storedAt"`
}

// Vault is safe for concurrent use.
type Vault struct {
	store     kvstore.Store
	engine    *encryption.Engine
	verifier  Verifier
	emergency EmergencySwitch
	failures  FailureRecorder
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a vault.
func New(cfg Config) *Vault {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vault{
		store:     cfg.Store,
		engine:    cfg.Engine,
		verifier:  cfg.Verifier,
		emergency: cfg.Emergency,
		failures:  cfg.Failures,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for denial messages and records.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Store validates privKeyHex as a secp256k1 key, encrypts it for userID and
// persists it, replacing any previous key. It returns the wallet address.
func (v *Vault) Store(ctx context.Context, userID, privKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	blob, err := v.engine.EncryptString(ctx, hex.EncodeToString(crypto.FromECDSA(key)), userID)
	if err != nil {
		return "", fmt.Errorf("walletkeys: encrypt: %w", err)
	}
	raw, err := json.Marshal(record{Address: address, Blob: blob, StoredAt: v.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("walletkeys: encode record: %w", err)
	}
	if err := v.store.SetWithTTL(ctx, kvstore.PrefixSecrets+userID, raw, secretTTL); err != nil {
		return "", fmt.Errorf("walletkeys: persist: %w", err)
	}

	v.logger.Info("wallet key stored", "user_id", userID, "address", address)
	return address, nil
}

// Address returns the stored wallet's address without touching the key.
func (v *Vault) Address(ctx context.Context, userID string) (string, error) {
	rec, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.Address, nil
}

// Export returns the plaintext private key (0x-prefixed hex) after
// verification succeeds.
func (v *Vault) Export(ctx context.Context, userID, callerID string) (string, error) {
	return v.disclose(ctx, userID, callerID, ratelimit.OpExportPrivateKey)
}

// Reveal is Export under the reveal_private_key policy, for showing the key
// in a UI rather than downloading it.
func (v *Vault) Reveal(ctx context.Context, userID, callerID string) (string, error) {
	return v.disclose(ctx, userID, callerID, ratelimit.OpRevealPrivateKey)
}

func (v *Vault) disclose(ctx context.Context, userID, callerID, operation string) (string, error) {
	if err := v.admit(ctx, userID, callerID, operation); err != nil {
		return "", err
	}

	rec, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	plaintext, err := v.engine.DecryptString(ctx, rec.Blob, userID)
	if err != nil {
		if errors.Is(err, encryption.ErrIntegrity) && v.failures != nil {
			_ = v.failures.RecordFailedAttempt(ctx, userID, "integrity_failure")
		}
		return "", fmt.Errorf("walletkeys: decrypt: %w", err)
	}

	v.completed(ctx, userID)
	v.sink.Record(ctx, events.New(events.TypeSecretExported, userID, map[string]any{
		"operation": operation,
		"caller_id": callerID,
		"address":   rec.Address,
	}))
	return "0x" + plaintext, nil
}

// Delete removes the user's key after verification under wallet_delete.
func (v *Vault) Delete(ctx context.Context, userID, callerID string) error {
	if err := v.admit(ctx, userID, callerID, ratelimit.OpWalletDelete); err != nil {
		return err
	}
	rec, err := v.load(ctx, userID)
	if err != nil {
		return err
	}
	if err := v.store.Delete(ctx, kvstore.PrefixSecrets+userID); err != nil {
		return fmt.Errorf("walletkeys: delete: %w", err)
	}

	v.completed(ctx, userID)
	v.sink.Record(ctx, events.New(events.TypeSecretDeleted, userID, map[string]any{
		"caller_id": callerID,
		"address":   rec.Address,
	}))
	return nil
}

// admit refuses during emergency mode, then runs the verifier.
func (v *Vault) admit(ctx context.Context, userID, callerID, operation string) error {
	if v.emergency != nil && v.emergency.IsActive(ctx) {
		return ErrEmergency
	}
	res := v.verifier.Verify(ctx, userID, operation, verifier.OperationContext{CallerID: callerID})
	if res.Allowed {
		return nil
	}
	msg := "This request looks unusual and was blocked. Please try again later."
	if res.RateLimit != nil && !res.RateLimit.Allowed {
		msg = ratelimit.RetryMessage(*res.RateLimit, v.now())
	}
	return &DeniedError{Result: res, Message: msg}
}

func (v *Vault) completed(ctx context.Context, userID string) {
	if err := v.verifier.RecordSensitiveOperation(ctx, userID); err != nil {
		v.logger.Warn("failed to record sensitive operation", "user_id", userID, "error", err)
	}
}

func (v *Vault) load(ctx context.Context, userID string) (*record, error) {
	raw, err := v.store.Get(ctx, kvstore.PrefixSecrets+userID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("walletkeys: load: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("walletkeys: decode record: %w", err)
	}
	return &rec, nil
}

// UserMessage turns a vault error into text safe to show an end user.
func UserMessage(err error) string {
	var denied *DeniedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return denied.Message
	case errors.Is(err, ErrEmergency):
		return "Sensitive operations are temporarily disabled while we investigate unusual activity."
	case errors.Is(err, ErrNotFound):
		return "No wallet key is stored for this account."
	case errors.Is(err, ErrInvalidKey):
		return "That is not a valid wallet private key."
	default:
		return encryption.UserMessage(err)
	}
}

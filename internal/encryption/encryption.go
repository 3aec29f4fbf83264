// Package encryption seals per-user secrets under keys derived from a
// single master key.
//
// Each user gets a deterministic salt (HKDF over the user ID), and every
// call derives the user's key with PBKDF2 from the master key and that
// salt. Secrets are sealed with AES-256-GCM and additionally MACed with
// HMAC-SHA256 over salt, IV and ciphertext. Derived keys are zeroed after use.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"

	"github.com/mbd888/keyguard/internal/events"
	"github.com/mbd888/keyguard/internal/kvstore"
	"github.com/mbd888/keyguard/internal/metrics"
	"github.com/mbd888/keyguard/internal/traces"
)

var (
	ErrFormat           = errors.New("encryption: malformed or unknown envelope")
	ErrIntegrity        = errors.New("encryption: integrity check failed")
	ErrInvalidPlaintext = errors.New("encryption: plaintext is nil")
	ErrInvalidMasterKey = errors.New("encryption: master key must be 32 bytes (64 hex chars or base64)")
)

const (
	// DefaultRounds is the PBKDF2 iteration count used when Options.Rounds is zero.
	DefaultRounds = 210000
	// MinRounds is the lowest iteration count New accepts.
	MinRounds = 100000

	keySize    = 32
	saltDomain = "keyguard/user-salt/v2"

	// IntegrityWindow is how long an integrity failure stays in the
	// per-user counter the activity monitor reads.
	IntegrityWindow = time.Hour
)

// Options configures an Engine. The zero value is usable.
type Options struct {
	Rounds  int           // PBKDF2 iterations, DefaultRounds when zero
	Workers int64         // concurrent PBKDF2 derivations, GOMAXPROCS when zero
	Store   kvstore.Store // receives integrity failure counters; optional
	Sink    events.Sink
	Logger  *slog.Logger
}

// Engine encrypts and decrypts per-user secrets. Safe for concurrent use.
type Engine struct {
	masterKey []byte
	ephemeral bool
	rounds    int
	sem       *semaphore.Weighted
	store     kvstore.Store
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine. An empty masterKey makes the engine generate a
// random key for this process only: everything encrypted with it becomes
// unreadable after a restart, so the condition is logged at ERROR, counted
// on a gauge and recorded as a security event.
func New(masterKey []byte, opts Options) (*Engine, error) {
	if opts.Rounds == 0 {
		opts.Rounds = DefaultRounds
	}
	if opts.Rounds < MinRounds {
		return nil, fmt.Errorf("encryption: %d PBKDF2 rounds is below the minimum of %d", opts.Rounds, MinRounds)
	}
	if opts.Workers <= 0 {
		opts.Workers = int64(runtime.GOMAXPROCS(0))
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		rounds: opts.Rounds,
		sem:    semaphore.NewWeighted(opts.Workers),
		store:  opts.Store,
		sink:   opts.Sink,
		logger: opts.Logger,
		now:    time.Now,
	}

	switch {
	case len(masterKey) == 0:
		key := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("encryption: generate ephemeral key: %w", err)
		}
		e.masterKey = key
		e.ephemeral = true
		metrics.EphemeralMasterKey.Set(1)
		e.logger.Error("NO MASTER KEY CONFIGURED: using an ephemeral key. " +
			"Every secret encrypted by this process becomes unrecoverable after restart. Set MASTER_KEY.")
		e.sink.Record(context.Background(), events.New(events.TypeEphemeralMasterKey, "", nil))
	case len(masterKey) != keySize:
		return nil, ErrInvalidMasterKey
	default:
		e.masterKey = append([]byte(nil), masterKey...)
		metrics.EphemeralMasterKey.Set(0)
	}
	return e, nil
}

// ParseMasterKey decodes a master key given as 64 hex characters or as
// standard base64 of 32 bytes. An empty string yields a nil key.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if len(s) == 2*keySize {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	if k, err := base64.StdEncoding.DecodeString(s); err == nil && len(k) == keySize {
		return k, nil
	}
	return nil, ErrInvalidMasterKey
}

// Ephemeral reports whether the engine runs on a generated key.
func (e *Engine) Ephemeral() bool { return e.ephemeral }

// Encrypt seals plaintext for userID. Any non-nil value is converted to a
// string first; nil is ErrInvalidPlaintext.
func (e *Engine) Encrypt(ctx context.Context, plaintext any, userID string) (*Blob, error) {
	ctx, span := traces.StartSpan(ctx, "encryption.Encrypt", traces.UserID(userID))
	defer span.End()

	if isNil(plaintext) {
		metrics.EncryptionOps.WithLabelValues("encrypt", "invalid").Inc()
		return nil, ErrInvalidPlaintext
	}
	pt := []byte(stringify(plaintext))

	salt := userSalt(userID)
	key, err := e.deriveKey(ctx, salt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.EncryptionOps.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	defer zero(key)

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		metrics.EncryptionOps.WithLabelValues("encrypt", "error").Inc()
		return nil, fmt.Errorf("encryption: generate iv: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	sealed := aead.Seal(nil, iv, pt, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	metrics.EncryptionOps.WithLabelValues("encrypt", "ok").Inc()
	return &Blob{
		Version:    CurrentVersion,
		UserSalt:   salt,
		IV:         iv,
		AuthTag:    tag,
		HMAC:       mac(key, salt, iv, ct),
		Ciphertext: ct,
	}, nil
}

// EncryptString seals plaintext and returns the storage form of the blob.
func (e *Engine) EncryptString(ctx context.Context, plaintext any, userID string) (string, error) {
	b, err := e.Encrypt(ctx, plaintext, userID)
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Decrypt opens blob for userID. It never panics on hostile input: a bad
// envelope is ErrFormat and a failed MAC or tag is ErrIntegrity.
func (e *Engine) Decrypt(ctx context.Context, blob *Blob, userID string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "encryption.Decrypt", traces.UserID(userID))
	defer span.End()

	pt, err := e.decrypt(ctx, blob, userID)
	switch {
	case err == nil:
		metrics.EncryptionOps.WithLabelValues("decrypt", "ok").Inc()
	case errors.Is(err, ErrIntegrity):
		span.SetStatus(codes.Error, "integrity failure")
		metrics.EncryptionOps.WithLabelValues("decrypt", "integrity").Inc()
	case errors.Is(err, ErrFormat):
		metrics.EncryptionOps.WithLabelValues("decrypt", "format").Inc()
	default:
		span.SetStatus(codes.Error, err.Error())
		metrics.EncryptionOps.WithLabelValues("decrypt", "error").Inc()
	}
	return pt, err
}

// DecryptString parses a stored envelope and opens it.
func (e *Engine) DecryptString(ctx context.Context, stored, userID string) (string, error) {
	b, err := ParseBlob(stored)
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("decrypt", "format").Inc()
		return "", err
	}
	return e.Decrypt(ctx, b, userID)
}

func (e *Engine) decrypt(ctx context.Context, blob *Blob, userID string) (string, error) {
	if blob == nil {
		return "", fmt.Errorf("%w: nil blob", ErrFormat)
	}
	if err := blob.validate(); err != nil {
		return "", err
	}

	key, err := e.deriveKey(ctx, userSalt(userID))
	if err != nil {
		return "", err
	}
	defer zero(key)

	if blob.Version == LegacyVersion {
		pt, err := openLegacy(key, blob)
		if err != nil {
			if errors.Is(err, ErrIntegrity) {
				e.integrityFailure(ctx, userID, blob.Version, "legacy_padding")
			}
			return "", err
		}
		return string(pt), nil
	}

	want := mac(key, blob.UserSalt, blob.IV, blob.Ciphertext)
	if !hmac.Equal(want, blob.HMAC) {
		e.integrityFailure(ctx, userID, blob.Version, "hmac")
		return "", fmt.Errorf("%w: hmac mismatch", ErrIntegrity)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(append(sealed, blob.Ciphertext...), blob.AuthTag...)
	pt, err := aead.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		e.integrityFailure(ctx, userID, blob.Version, "aead_tag")
		return "", fmt.Errorf("%w: authentication tag mismatch", ErrIntegrity)
	}
	return string(pt), nil
}

// integrityFailure records a CRITICAL event and bumps the per-user
// integrity counter. Counter errors are logged, never returned.
func (e *Engine) integrityFailure(ctx context.Context, userID string, version int, check string) {
	e.sink.Record(ctx, events.New(events.TypeIntegrityFailure, userID, map[string]any{
		"check":   check,
		"version": version,
	}))
	if e.store == nil {
		return
	}
	if _, err := e.store.AppendWithTTL(ctx, kvstore.PrefixIntegrity+userID, e.now(), IntegrityWindow); err != nil {
		e.logger.Warn("failed to record integrity failure", "user_id", userID, "error", err)
	}
}

// deriveKey runs PBKDF2 under the worker semaphore.
func (e *Engine) deriveKey(ctx context.Context, salt []byte) ([]byte, error) {
	_, span := traces.StartSpan(ctx, "encryption.deriveKey", attribute.Int("rounds", e.rounds))
	defer span.End()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("encryption: key derivation: %w", err)
	}
	defer e.sem.Release(1)
	return pbkdf2.Key(e.masterKey, salt, e.rounds, keySize, sha256.New), nil
}

// userSalt is HKDF-SHA256(userID) under a fixed domain string. It is
// deterministic and not secret.
func userSalt(userID string) []byte {
	salt := make([]byte, saltSize)
	r := hkdf.New(sha256.New, []byte(userID), nil, []byte(saltDomain))
	if _, err := io.ReadFull(r, salt); err != nil {
		// hkdf only fails past 255*HashLen bytes of output.
		panic(err)
	}
	return salt
}

func mac(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: gcm: %w", err)
	}
	return aead, nil
}

// isNil reports an untyped nil or a nil pointer, map, slice, func, chan or
// interface held in v.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func stringify(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// UserMessage turns an engine error into text safe to show an end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIntegrity):
		return "This secret failed its integrity check and cannot be recovered. " +
			"It must be regenerated; import or create a new key."
	case errors.Is(err, ErrFormat):
		return "This secret is stored in an unrecognised format and cannot be read."
	case errors.Is(err, ErrInvalidPlaintext):
		return "There is nothing to encrypt."
	default:
		return "The secret could not be decrypted right now. Please try again."
	}
}

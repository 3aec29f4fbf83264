package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Envelope versions. Encrypt always produces CurrentVersion; LegacyVersion
// is accepted by Decrypt only.
const (
	LegacyVersion  = 1
	CurrentVersion = 2
)

const (
	saltSize      = 32
	ivSize        = 12
	tagSize       = 16
	macSize       = 32
	legacyIVSize  = 16
	v2Fields      = 6
	v2Prefix      = "v2"
	legacySepChar = ":"
)

var b64 = base64.RawURLEncoding

// Blob is an encrypted secret. It is never modified after Encrypt returns it.
type Blob struct {
	Version    int
	UserSalt   []byte
	IV         []byte
	AuthTag    []byte
	HMAC       []byte
	Ciphertext []byte
}

// String renders the blob in its storage form:
//
//	v2.<salt>.<iv>.<tag>.<hmac>.<ciphertext>   (raw URL base64 fields)
//	<hex iv>:<hex ciphertext>                  (legacy)
func (b *Blob) String() string {
	if b.Version == LegacyVersion {
		return hex.EncodeToString(b.IV) + legacySepChar + hex.EncodeToString(b.Ciphertext)
	}
	return strings.Join([]string{
		v2Prefix,
		b64.EncodeToString(b.UserSalt),
		b64.EncodeToString(b.IV),
		b64.EncodeToString(b.AuthTag),
		b64.EncodeToString(b.HMAC),
		b64.EncodeToString(b.Ciphertext),
	}, ".")
}

// MarshalText implements encoding.TextMarshaler.
func (b *Blob) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Blob) UnmarshalText(text []byte) error {
	parsed, err := ParseBlob(string(text))
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

// ParseBlob decodes a stored envelope, dispatching on its version tag.
// Anything that is neither the current nor the legacy form is ErrFormat.
func ParseBlob(s string) (*Blob, error) {
	switch {
	case strings.HasPrefix(s, "v") && strings.Contains(s, "."):
		return parseVersioned(s)
	case strings.Count(s, legacySepChar) == 1:
		return parseLegacy(s)
	default:
		return nil, fmt.Errorf("%w: unrecognised envelope", ErrFormat)
	}
}

func parseVersioned(s string) (*Blob, error) {
	parts := strings.Split(s, ".")
	if parts[0] != v2Prefix {
		return nil, fmt.Errorf("%w: unknown version %q", ErrFormat, parts[0])
	}
	if len(parts) != v2Fields {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrFormat, v2Fields, len(parts))
	}

	fields := make([][]byte, 0, v2Fields-1)
	for i, p := range parts[1:] {
		raw, err := b64.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrFormat, i+1, err)
		}
		fields = append(fields, raw)
	}

	b := &Blob{
		Version:    CurrentVersion,
		UserSalt:   fields[0],
		IV:         fields[1],
		AuthTag:    fields[2],
		HMAC:       fields[3],
		Ciphertext: fields[4],
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func parseLegacy(s string) (*Blob, error) {
	ivHex, ctHex, _ := strings.Cut(s, legacySepChar)
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy iv: %v", ErrFormat, err)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy ciphertext: %v", ErrFormat, err)
	}
	b := &Blob{Version: LegacyVersion, IV: iv, Ciphertext: ct}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// validate checks field sizes for the blob's version.
func (b *Blob) validate() error {
	switch b.Version {
	case CurrentVersion:
		if len(b.UserSalt) != saltSize || len(b.IV) != ivSize ||
			len(b.AuthTag) != tagSize || len(b.HMAC) != macSize {
			return fmt.Errorf("%w: bad field length", ErrFormat)
		}
	case LegacyVersion:
		if len(b.IV) != legacyIVSize || len(b.Ciphertext) == 0 || len(b.Ciphertext)%legacyIVSize != 0 {
			return fmt.Errorf("%w: bad legacy length", ErrFormat)
		}
	default:
		return fmt.Errorf("%w: unknown version %d", ErrFormat, b.Version)
	}
	return nil
}

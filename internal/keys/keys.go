package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyID is a 128-bit identifier naming a content encryption key within a
// protection header. Comparisons are case-insensitive because every parse
// path canonicalizes to the underlying 16 bytes.
type KeyID uuid.UUID

// ZeroKeyID is the all-zero key ID some services stamp on files in place of
// the KID the license server actually uses.
var ZeroKeyID = KeyID(uuid.UUID{})

// ParseKeyID accepts a 32-hex-character string or a hyphenated UUID string,
// in either case.
func ParseKeyID(s string) (KeyID, error) {
	cleaned := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if len(cleaned) != 32 {
		return KeyID{}, fmt.Errorf("key id must be 32 hex characters, got %d", len(cleaned))
	}
	id, err := uuid.Parse(cleaned)
	if err != nil {
		return KeyID{}, fmt.Errorf("parse key id: %w", err)
	}
	return KeyID(id), nil
}

// KeyIDFromBytes builds a KeyID from big-endian UUID bytes.
func KeyIDFromBytes(b []byte) (KeyID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return KeyID{}, fmt.Errorf("key id from bytes: %w", err)
	}
	return KeyID(id), nil
}

// KeyIDFromLittleEndian builds a KeyID from Microsoft-ordered (bytes_le)
// UUID bytes, the layout PlayReady WRM headers use.
func KeyIDFromLittleEndian(b []byte) (KeyID, error) {
	if len(b) != 16 {
		return KeyID{}, fmt.Errorf("key id must be 16 bytes, got %d", len(b))
	}
	be := make([]byte, 16)
	copy(be, b)
	be[0], be[1], be[2], be[3] = b[3], b[2], b[1], b[0]
	be[4], be[5] = b[5], b[4]
	be[6], be[7] = b[7], b[6]
	return KeyIDFromBytes(be)
}

// Hex returns the canonical lowercase 32-hex form.
func (k KeyID) Hex() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the big-endian UUID bytes.
func (k KeyID) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, k[:])
	return out
}

// IsZero reports whether the KeyID is the all-zero sentinel.
func (k KeyID) IsZero() bool {
	return k == ZeroKeyID
}

func (k KeyID) String() string {
	return k.Hex()
}

// ContentKey is a 128-bit symmetric content key in lowercase 32-hex form. An
// all-zero value is a placeholder for "no key" and must never be cached or
// exported; IsZero gates every lookup and insert path.
type ContentKey string

// ZeroContentKey is the all-zero placeholder value.
const ZeroContentKey ContentKey = "00000000000000000000000000000000"

// ParseContentKey validates and canonicalizes a 32-hex content key string.
func ParseContentKey(s string) (ContentKey, error) {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	if len(cleaned) != 32 {
		return "", fmt.Errorf("content key must be 32 hex characters, got %d", len(cleaned))
	}
	if _, err := hex.DecodeString(cleaned); err != nil {
		return "", fmt.Errorf("parse content key: %w", err)
	}
	return ContentKey(cleaned), nil
}

// ContentKeyFromBytes converts raw 16-byte key material to its hex form.
func ContentKeyFromBytes(b []byte) (ContentKey, error) {
	if len(b) != 16 {
		return "", fmt.Errorf("content key must be 16 bytes, got %d", len(b))
	}
	return ContentKey(hex.EncodeToString(b)), nil
}

// IsZero reports whether the key is empty or consists only of zero digits.
func (c ContentKey) IsZero() bool {
	if c == "" {
		return true
	}
	return strings.Count(string(c), "0") == len(c)
}

// Bytes returns the raw key material, or nil for malformed values.
func (c ContentKey) Bytes() []byte {
	b, err := hex.DecodeString(string(c))
	if err != nil {
		return nil
	}
	return b
}

func (c ContentKey) String() string {
	return string(c)
}

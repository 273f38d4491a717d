package cdm

import (
	"context"
	"errors"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

var (
	// ErrSessionNotFound reports an operation against a closed or unknown
	// session handle.
	ErrSessionNotFound = errors.New("cdm session not found")
)

// Key is one resolved content key as reported by a CDM session.
type Key struct {
	ID   keys.KeyID
	Key  keys.ContentKey
	Type string
}

// CDM is the capability every backend must provide. A session handle is
// opaque bytes; every Open must be paired with a Close on all exit paths.
type CDM interface {
	// System reports which DRM system the backend speaks.
	System() pssh.System
	// Open allocates a new session and returns its handle.
	Open(ctx context.Context) ([]byte, error)
	// Challenge produces the license challenge for the protection header.
	Challenge(ctx context.Context, session []byte, header *pssh.Header) ([]byte, error)
	// ParseLicense feeds the raw license response back into the session.
	ParseLicense(ctx context.Context, session, license []byte) error
	// Keys returns the content keys the session has resolved.
	Keys(ctx context.Context, session []byte) ([]Key, error)
	// Close releases the session.
	Close(ctx context.Context, session []byte) error
}

// CertificateCapable backends support Widevine privacy mode: the service
// certificate obtained via the certificate callback is installed on the
// session before the challenge is requested.
type CertificateCapable interface {
	// CertificateChallenge is the fixed request body the service's
	// certificate endpoint expects.
	CertificateChallenge() []byte
	SetServiceCertificate(ctx context.Context, session, cert []byte) error
}

// RequiredKIDsHinter backends accept the full set of KIDs the caller
// ultimately needs. Remote backends use the hint to serve cached keys and
// skip the license roundtrip when the cache already satisfies the request.
type RequiredKIDsHinter interface {
	SetRequiredKIDs(kids []keys.KeyID)
}

// CacheAware backends can report that a session already holds usable keys,
// allowing the caller to skip sending the challenge to the license server.
type CacheAware interface {
	HasCachedKeys(ctx context.Context, session []byte) bool
}

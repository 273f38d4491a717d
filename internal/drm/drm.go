package drm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"capstan/internal/cdm"
	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// CertificateFunc fetches a service certificate from the streaming service.
// It receives the fixed certificate-request challenge and returns the
// certificate as raw bytes or base64 text.
type CertificateFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// LicenseFunc performs the license server roundtrip. Responses may come back
// as raw bytes, base64 text, or (for PlayReady) bare XML.
type LicenseFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// SessionLicenseFunc is the variant for services whose license endpoint is
// session-scoped; it additionally receives the CDM session handle.
type SessionLicenseFunc func(ctx context.Context, session, challenge []byte) ([]byte, error)

// DRM is one protection system attached to a track. Implementations carry
// their parsed header, resolved key IDs, and the content keys learned so far.
type DRM interface {
	System() pssh.System
	Header() *pssh.Header
	KeyIDs() []keys.KeyID
	ContentKeys() map[keys.KeyID]keys.ContentKey
	SetContentKey(kid keys.KeyID, key keys.ContentKey)
}

// AcquireOptions configures one license acquisition pass.
type AcquireOptions struct {
	// Certificate enables Widevine privacy mode when the CDM supports it.
	Certificate CertificateFunc
	// License is the stateless license roundtrip. Exactly one of License
	// and SessionLicense must be set when a roundtrip is needed.
	License LicenseFunc
	// SessionLicense replaces License for session-scoped endpoints.
	SessionLicense SessionLicenseFunc
	// HintKIDs are the key IDs the caller still needs, passed to the CDM
	// ahead of the challenge so remote backends can short-circuit from
	// their own cache. Defaults to RequiredKIDs, then the header's IDs.
	HintKIDs []keys.KeyID
	// RequiredKIDs must all be present and non-zero in the resolved set
	// or acquisition fails with ErrContentKeyNotFound.
	RequiredKIDs []keys.KeyID
}

// AcquireKeys runs the full CDM session protocol for one DRM object and
// returns the resolved key map. The session is closed on every exit path.
// Zero-valued keys are returned as-is so the caller can apply vault
// precedence; they do not count toward required-key enforcement.
func AcquireKeys(ctx context.Context, d DRM, c cdm.CDM, opts AcquireOptions) (map[keys.KeyID]keys.ContentKey, error) {
	session, err := c.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cdm session: %w", err)
	}
	defer func() {
		_ = c.Close(context.WithoutCancel(ctx), session)
	}()

	if hinter, ok := c.(cdm.RequiredKIDsHinter); ok {
		hint := opts.HintKIDs
		if len(hint) == 0 {
			hint = opts.RequiredKIDs
		}
		if len(hint) == 0 {
			hint = d.KeyIDs()
		}
		hinter.SetRequiredKIDs(hint)
	}

	if certCapable, ok := c.(cdm.CertificateCapable); ok && opts.Certificate != nil && d.System() == pssh.SystemWidevine {
		cert, err := opts.Certificate(ctx, certCapable.CertificateChallenge())
		if err != nil {
			return nil, fmt.Errorf("fetch service certificate: %w", err)
		}
		if len(cert) > 0 {
			if err := certCapable.SetServiceCertificate(ctx, session, looseBinary(cert)); err != nil {
				return nil, fmt.Errorf("set service certificate: %w", err)
			}
		}
	}

	challenge, err := c.Challenge(ctx, session, d.Header())
	if err != nil {
		return nil, fmt.Errorf("license challenge: %w", err)
	}

	cached := false
	if cacheAware, ok := c.(cdm.CacheAware); ok {
		cached = cacheAware.HasCachedKeys(ctx, session)
	}
	if !cached {
		if len(challenge) == 0 {
			return nil, ErrEmptyLicense
		}
		var license []byte
		switch {
		case opts.SessionLicense != nil:
			license, err = opts.SessionLicense(ctx, session, challenge)
		case opts.License != nil:
			license, err = opts.License(ctx, challenge)
		default:
			return nil, errors.New("no license callback configured")
		}
		if err != nil {
			return nil, fmt.Errorf("license roundtrip: %w", err)
		}
		license = normalizeLicense(d.System(), license)
		if len(license) == 0 {
			return nil, ErrEmptyLicense
		}
		if err := c.ParseLicense(ctx, session, license); err != nil {
			return nil, fmt.Errorf("parse license: %w", err)
		}
	}

	resolved, err := c.Keys(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("read session keys: %w", err)
	}
	if len(resolved) == 0 {
		return nil, ErrEmptyLicense
	}

	out := make(map[keys.KeyID]keys.ContentKey, len(resolved))
	for _, key := range resolved {
		out[key.ID] = key.Key
	}
	for _, kid := range opts.RequiredKIDs {
		if key, ok := out[kid]; !ok || key.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrContentKeyNotFound, kid)
		}
	}
	return out, nil
}

// normalizeLicense undoes the transport encodings a license response can
// arrive in. PlayReady responses may be bare XML (no decode) or base64-wrapped
// XML; Widevine responses may be raw bytes or base64 text.
func normalizeLicense(system pssh.System, license []byte) []byte {
	if system == pssh.SystemPlayReady {
		trimmed := strings.TrimSpace(string(license))
		if strings.HasPrefix(trimmed, "<") {
			return []byte(trimmed)
		}
		if decoded, ok := tryBase64(trimmed); ok {
			return decoded
		}
		return license
	}
	return looseBinary(license)
}

// looseBinary accepts raw bytes or base64 text interchangeably.
func looseBinary(data []byte) []byte {
	if decoded, ok := tryBase64(strings.TrimSpace(string(data))); ok {
		return decoded
	}
	return data
}

func tryBase64(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	for _, r := range s {
		if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '/' || r == '=' || r == '\n' || r == '\r' {
			continue
		}
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(strings.ReplaceAll(s, "\n", ""), "\r", ""))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

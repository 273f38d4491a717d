package cdm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// KeyService drives sessions against a vendor key-extraction API that keeps
// a server-side content-key cache. It speaks both Widevine and PlayReady
// depending on the configured scheme, keeps per-session state locally, and
// can satisfy a request entirely from cache: when the cached keys cover the
// required KIDs the challenge comes back empty and the caller skips the
// license roundtrip.
type KeyService struct {
	host    string
	secret  string
	scheme  string
	service string
	system  pssh.System
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*keyServiceSession
	required []keys.KeyID
}

type keyServiceSession struct {
	remoteID   string
	initData   string
	challenge  []byte
	cert       []byte
	keys       []Key
	triedCache bool
}

// NewKeyService builds a vendor key-service client. The scheme names the
// remote device flavor (e.g. ChromeCDM, L1, SL3); system declares which DRM
// system that scheme speaks.
func NewKeyService(host, secret, scheme, service string, system pssh.System) *KeyService {
	return &KeyService{
		host:     strings.TrimRight(host, "/"),
		secret:   secret,
		scheme:   scheme,
		service:  service,
		system:   system,
		client:   &http.Client{Timeout: remoteRequestTimeout},
		sessions: make(map[string]*keyServiceSession),
	}
}

type keyServiceKey struct {
	KID  string `json:"kid"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

type keyServiceResponse struct {
	Message     string          `json:"message"`
	MessageType string          `json:"message_type"`
	Challenge   string          `json:"challenge"`
	SessionID   string          `json:"session_id"`
	CachedKeys  []keyServiceKey `json:"cached_keys"`
	Keys        []keyServiceKey `json:"keys"`
	Error       string          `json:"error"`
	Details     string          `json:"details"`
}

func (s *KeyService) post(ctx context.Context, path string, body map[string]any) (*keyServiceResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key service: http %d", resp.StatusCode)
	}
	var decoded keyServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode key service response: %w", err)
	}
	if decoded.Message != "success" {
		msg := decoded.Message
		if decoded.Error != "" {
			msg += ": " + decoded.Error
		}
		if decoded.Details != "" {
			msg += ": " + decoded.Details
		}
		return nil, fmt.Errorf("key service: %s", msg)
	}
	return &decoded, nil
}

func (s *KeyService) System() pssh.System {
	return s.system
}

// SetRequiredKIDs implements RequiredKIDsHinter. The hint lets Challenge
// decide whether server-cached keys already satisfy the caller.
func (s *KeyService) SetRequiredKIDs(kids []keys.KeyID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.required = append([]keys.KeyID(nil), kids...)
}

func (s *KeyService) Open(ctx context.Context) ([]byte, error) {
	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[hex.EncodeToString(handle)] = &keyServiceSession{}
	return handle, nil
}

func (s *KeyService) session(handle []byte) (*keyServiceSession, error) {
	sess, ok := s.sessions[hex.EncodeToString(handle)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, hex.EncodeToString(handle))
	}
	return sess, nil
}

// CertificateChallenge implements CertificateCapable.
func (s *KeyService) CertificateChallenge() []byte {
	return ServiceCertificateRequest
}

func (s *KeyService) SetServiceCertificate(ctx context.Context, session, cert []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(session)
	if err != nil {
		return err
	}
	sess.cert = append([]byte(nil), cert...)
	return nil
}

// HasCachedKeys implements CacheAware.
func (s *KeyService) HasCachedKeys(ctx context.Context, session []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(session)
	if err != nil {
		return false
	}
	return len(sess.keys) > 0
}

func (s *KeyService) Challenge(ctx context.Context, session []byte, header *pssh.Header) ([]byte, error) {
	s.mu.Lock()
	sess, err := s.session(session)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess.initData = base64.StdEncoding.EncodeToString(header.Box)
	body := map[string]any{
		"scheme":                    s.scheme,
		"init_data":                 sess.initData,
		"get_cached_keys_if_exists": !sess.triedCache,
	}
	if s.service != "" {
		body["service"] = s.service
	}
	if len(sess.cert) > 0 {
		body["service_certificate"] = base64.StdEncoding.EncodeToString(sess.cert)
	}
	sess.triedCache = true
	required := append([]keys.KeyID(nil), s.required...)
	s.mu.Unlock()

	resp, err := s.post(ctx, "/get-request", body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.MessageType == "cached-keys" || len(resp.CachedKeys) > 0 {
		cached := parseKeyServiceKeys(resp.CachedKeys)
		if coversRequired(cached, required) {
			sess.keys = cached
			return nil, nil
		}
		// Partial cache; keep what was served and fall through to the
		// license roundtrip for the rest.
		sess.keys = nil
		sess.challenge, err = base64.StdEncoding.DecodeString(resp.Challenge)
		if err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
		sess.remoteID = resp.SessionID
		mergeKeyServiceCache(sess, cached)
		return sess.challenge, nil
	}

	sess.challenge, err = base64.StdEncoding.DecodeString(resp.Challenge)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	sess.remoteID = resp.SessionID
	return sess.challenge, nil
}

// Keys served from cache stay on the session while the license roundtrip
// for the remainder is pending; ParseLicense merges the rest in after them.
func mergeKeyServiceCache(sess *keyServiceSession, cached []Key) {
	sess.keys = append(sess.keys, cached...)
}

func (s *KeyService) ParseLicense(ctx context.Context, session, license []byte) error {
	s.mu.Lock()
	sess, err := s.session(session)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(sess.challenge) == 0 {
		s.mu.Unlock()
		if len(sess.keys) > 0 {
			// Fully cache-served session; nothing to parse.
			return nil
		}
		return fmt.Errorf("no challenge available, call Challenge first")
	}
	body := map[string]any{
		"scheme":           s.scheme,
		"session_id":       sess.remoteID,
		"init_data":        sess.initData,
		"license_request":  base64.StdEncoding.EncodeToString(sess.challenge),
		"license_response": base64.StdEncoding.EncodeToString(license),
	}
	s.mu.Unlock()

	resp, err := s.post(ctx, "/decrypt-response", body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	licensed := parseKeyServiceKeys(resp.Keys)
	// Cache-served keys stay ahead of license keys; dedupe by KID.
	merged := append([]Key(nil), sess.keys...)
	for _, key := range licensed {
		exists := false
		for _, have := range merged {
			if have.ID == key.ID {
				exists = true
				break
			}
		}
		if !exists {
			merged = append(merged, key)
		}
	}
	sess.keys = merged
	return nil
}

func (s *KeyService) Keys(ctx context.Context, session []byte) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(session)
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(sess.keys))
	for _, key := range sess.keys {
		if key.Type != "" && key.Type != "CONTENT" {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *KeyService) Close(ctx context.Context, session []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.session(session); err != nil {
		return err
	}
	delete(s.sessions, hex.EncodeToString(session))
	return nil
}

func parseKeyServiceKeys(raw []keyServiceKey) []Key {
	out := make([]Key, 0, len(raw))
	for _, k := range raw {
		kid, err := keys.ParseKeyID(k.KID)
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(k.Key)
		if err != nil {
			continue
		}
		keyType := k.Type
		if keyType == "" {
			keyType = "CONTENT"
		}
		out = append(out, Key{ID: kid, Key: key, Type: keyType})
	}
	return out
}

func coversRequired(have []Key, required []keys.KeyID) bool {
	if len(required) == 0 {
		return len(have) > 0
	}
	for _, kid := range required {
		found := false
		for _, key := range have {
			if key.ID == kid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

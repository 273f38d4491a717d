package cdm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

const remoteRequestTimeout = 30 * time.Second

// Remote drives sessions on a CDM-as-a-service endpoint speaking the
// pywidevine serve protocol. The session state lives server-side; the
// handle returned by Open is the server's session ID.
type Remote struct {
	host   string
	secret string
	device string
	system pssh.System
	client *http.Client
}

// NewRemote builds a client for one named device on a serve endpoint.
func NewRemote(host, secret, device string, system pssh.System) *Remote {
	return &Remote{
		host:   strings.TrimRight(host, "/"),
		secret: secret,
		device: device,
		system: system,
		client: &http.Client{Timeout: remoteRequestTimeout},
	}
}

type serveEnvelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		SessionID    string `json:"session_id"`
		SystemID     int    `json:"system_id"`
		ChallengeB64 string `json:"challenge_b64"`
		Keys         []struct {
			KeyID string `json:"key_id"`
			Key   string `json:"key"`
		} `json:"keys"`
	} `json:"data"`
}

func (r *Remote) call(ctx context.Context, method, path string, body any) (*serveEnvelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.host+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Secret-Key", r.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote cdm request: %w", err)
	}
	defer resp.Body.Close()

	var envelope serveEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode remote cdm response: %w", err)
	}
	if envelope.Status != http.StatusOK {
		return nil, fmt.Errorf("remote cdm: %s (%d)", envelope.Message, envelope.Status)
	}
	return &envelope, nil
}

func (r *Remote) System() pssh.System {
	return r.system
}

func (r *Remote) Open(ctx context.Context) ([]byte, error) {
	envelope, err := r.call(ctx, http.MethodGet, "/"+r.device+"/open", nil)
	if err != nil {
		return nil, err
	}
	session, err := hex.DecodeString(envelope.Data.SessionID)
	if err != nil {
		return nil, fmt.Errorf("decode session id: %w", err)
	}
	return session, nil
}

// CertificateChallenge implements CertificateCapable.
func (r *Remote) CertificateChallenge() []byte {
	return ServiceCertificateRequest
}

func (r *Remote) SetServiceCertificate(ctx context.Context, session, cert []byte) error {
	_, err := r.call(ctx, http.MethodPost, "/"+r.device+"/set_service_certificate", map[string]any{
		"session_id":  hex.EncodeToString(session),
		"certificate": base64.StdEncoding.EncodeToString(cert),
	})
	return err
}

func (r *Remote) Challenge(ctx context.Context, session []byte, header *pssh.Header) ([]byte, error) {
	envelope, err := r.call(ctx, http.MethodPost, "/"+r.device+"/get_license_challenge/streaming", map[string]any{
		"session_id": hex.EncodeToString(session),
		"init_data":  base64.StdEncoding.EncodeToString(header.Box),
	})
	if err != nil {
		return nil, err
	}
	challenge, err := base64.StdEncoding.DecodeString(envelope.Data.ChallengeB64)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return challenge, nil
}

func (r *Remote) ParseLicense(ctx context.Context, session, license []byte) error {
	_, err := r.call(ctx, http.MethodPost, "/"+r.device+"/parse_license", map[string]any{
		"session_id": hex.EncodeToString(session),
		"license":    base64.StdEncoding.EncodeToString(license),
	})
	return err
}

func (r *Remote) Keys(ctx context.Context, session []byte) ([]Key, error) {
	envelope, err := r.call(ctx, http.MethodPost, "/"+r.device+"/get_keys/content", map[string]any{
		"session_id": hex.EncodeToString(session),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(envelope.Data.Keys))
	for _, k := range envelope.Data.Keys {
		kid, err := keys.ParseKeyID(k.KeyID)
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(k.Key)
		if err != nil {
			continue
		}
		out = append(out, Key{ID: kid, Key: key, Type: "CONTENT"})
	}
	return out, nil
}

func (r *Remote) Close(ctx context.Context, session []byte) error {
	_, err := r.call(ctx, http.MethodGet, "/"+r.device+"/close/"+hex.EncodeToString(session), nil)
	return err
}

// Package apivault implements the vendor REST vault backend: bearer-token
// auth, per-service key resources, a numeric error-code envelope, and
// paginated bulk key listing.
package apivault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

const (
	requestTimeout = 30 * time.Second
	pageSize       = 10
)

// Error codes from the vendor envelope. Zero means success.
const (
	codeOK              = 0
	codeAuthRejected    = 1
	codeTooManyRequests = 2
)

// Vault is a client for a vendor key-vault API.
type Vault struct {
	name   string
	uri    string
	token  string
	noPush bool
	client *http.Client
}

func New(name, uri, token string, noPush bool) *Vault {
	return &Vault{
		name:   name,
		uri:    strings.TrimRight(uri, "/"),
		token:  token,
		noPush: noPush,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (v *Vault) Name() string     { return v.name }
func (v *Vault) Kind() vault.Kind { return vault.KindAPI }
func (v *Vault) ReadOnly() bool   { return v.noPush }
func (v *Vault) Close() error     { return nil }

type envelope struct {
	Code        int               `json:"code"`
	Message     string            `json:"message"`
	ContentKey  string            `json:"content_key"`
	ContentKeys map[string]string `json:"content_keys"`
	Services    []string          `json:"services"`
	Pages       int               `json:"pages"`
	Added       flexCount         `json:"added"`
	Updated     flexCount         `json:"updated"`
}

// flexCount tolerates servers answering with a boolean for single-key
// inserts and a number for batches.
type flexCount int

func (f *flexCount) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*f = 1
		return nil
	case "false", "null":
		*f = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexCount(n)
	return nil
}

func (v *Vault) do(ctx context.Context, method, url string, body any) (*envelope, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault api request: %w", err)
	}
	defer resp.Body.Close()
	var decoded envelope
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode vault api response: %w", err)
	}
	if decoded.Code != codeOK {
		if decoded.Code == codeAuthRejected {
			return nil, fmt.Errorf("%w: %s (%d)", vault.ErrWriteDenied, decoded.Message, decoded.Code)
		}
		return nil, fmt.Errorf("vault api error: %s (%d)", decoded.Message, decoded.Code)
	}
	return &decoded, nil
}

func (v *Vault) Key(ctx context.Context, service string, kid keys.KeyID) (keys.ContentKey, error) {
	resp, err := v.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/%s", v.uri, strings.ToLower(service), kid.Hex()), nil)
	if err != nil {
		return "", err
	}
	if resp.ContentKey == "" {
		return "", nil
	}
	key, err := keys.ParseContentKey(resp.ContentKey)
	if err != nil {
		return "", fmt.Errorf("vault api returned malformed key: %w", err)
	}
	if key.IsZero() {
		return "", nil
	}
	return key, nil
}

func (v *Vault) Keys(ctx context.Context, service string) (map[keys.KeyID]keys.ContentKey, error) {
	out := make(map[keys.KeyID]keys.ContentKey)
	for page := 1; ; page++ {
		resp, err := v.do(ctx, http.MethodGet,
			fmt.Sprintf("%s/%s?page=%d&total=%d", v.uri, strings.ToLower(service), page, pageSize), nil)
		if err != nil {
			return nil, err
		}
		for rawKID, rawKey := range resp.ContentKeys {
			kid, err := keys.ParseKeyID(rawKID)
			if err != nil {
				continue
			}
			key, err := keys.ParseContentKey(rawKey)
			if err != nil || key.IsZero() {
				continue
			}
			out[kid] = key
		}
		if resp.Pages <= page {
			return out, nil
		}
	}
}

func (v *Vault) AddKey(ctx context.Context, service string, kid keys.KeyID, key keys.ContentKey) (bool, error) {
	if key.IsZero() {
		return false, vault.ErrZeroKey
	}
	resp, err := v.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/%s", v.uri, strings.ToLower(service), kid.Hex()),
		map[string]string{"content_key": key.String()})
	if err != nil {
		return false, err
	}
	return resp.Added > 0 || resp.Updated > 0, nil
}

func (v *Vault) AddKeys(ctx context.Context, service string, batch map[keys.KeyID]keys.ContentKey) (int, error) {
	contentKeys := make(map[string]string, len(batch))
	for kid, key := range batch {
		if key.IsZero() {
			continue
		}
		contentKeys[kid.Hex()] = key.String()
	}
	if len(contentKeys) == 0 {
		return 0, nil
	}
	resp, err := v.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", v.uri, strings.ToLower(service)),
		map[string]any{"content_keys": contentKeys})
	if err != nil {
		return 0, err
	}
	return int(resp.Added + resp.Updated), nil
}

func (v *Vault) Services(ctx context.Context) ([]string, error) {
	resp, err := v.do(ctx, http.MethodPost, v.uri, nil)
	if err != nil {
		return nil, err
	}
	return resp.Services, nil
}

var _ vault.Vault = (*Vault)(nil)

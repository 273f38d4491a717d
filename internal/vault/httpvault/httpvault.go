// Package httpvault implements the generic HTTP key-server vault backend.
// The server speaks a flat query-parameter protocol: every call is a GET on
// one URL with service/username/password parameters and replies with a JSON
// body carrying a status_code and a keys list. Lookups fail soft; a server
// error reads as a miss.
package httpvault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

const requestTimeout = 30 * time.Second

// Vault is a client for one HTTP key server.
type Vault struct {
	name     string
	endpoint string
	username string
	password string
	noPush   bool
	client   *http.Client
}

func New(name, endpoint, username, password string, noPush bool) *Vault {
	return &Vault{
		name:     name,
		endpoint: endpoint,
		username: username,
		password: password,
		noPush:   noPush,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

func (v *Vault) Name() string     { return v.name }
func (v *Vault) Kind() vault.Kind { return vault.KindHTTP }
func (v *Vault) ReadOnly() bool   { return v.noPush }
func (v *Vault) Close() error     { return nil }

type serverResponse struct {
	StatusCode int    `json:"status_code"`
	Inserted   *bool  `json:"inserted"`
	Message    string `json:"message"`
	Keys       []struct {
		KID string `json:"kid"`
		Key string `json:"key"`
	} `json:"keys"`
	Services []string `json:"services"`
}

func (v *Vault) get(ctx context.Context, params url.Values) (*serverResponse, error) {
	params.Set("username", v.username)
	params.Set("password", v.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key server request: %w", err)
	}
	defer resp.Body.Close()
	var decoded serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode key server response: %w", err)
	}
	return &decoded, nil
}

func (v *Vault) Key(ctx context.Context, service string, kid keys.KeyID) (keys.ContentKey, error) {
	params := url.Values{}
	params.Set("service", strings.ToLower(service))
	params.Set("kid", kid.Hex())
	resp, err := v.get(ctx, params)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK || len(resp.Keys) == 0 {
		return "", nil
	}
	key, err := keys.ParseContentKey(resp.Keys[0].Key)
	if err != nil {
		return "", nil
	}
	if key.IsZero() {
		return "", nil
	}
	return key, nil
}

func (v *Vault) Keys(ctx context.Context, service string) (map[keys.KeyID]keys.ContentKey, error) {
	params := url.Values{}
	params.Set("service", strings.ToLower(service))
	resp, err := v.get(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make(map[keys.KeyID]keys.ContentKey)
	if resp.StatusCode != http.StatusOK {
		return out, nil
	}
	for _, entry := range resp.Keys {
		kid, err := keys.ParseKeyID(entry.KID)
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(entry.Key)
		if err != nil || key.IsZero() {
			continue
		}
		out[kid] = key
	}
	return out, nil
}

func (v *Vault) AddKey(ctx context.Context, service string, kid keys.KeyID, key keys.ContentKey) (bool, error) {
	if key.IsZero() {
		return false, vault.ErrZeroKey
	}
	params := url.Values{}
	params.Set("service", strings.ToLower(service))
	params.Set("kid", kid.Hex())
	params.Set("key", key.String())
	resp, err := v.get(ctx, params)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: key server status %d: %s", vault.ErrWriteDenied, resp.StatusCode, resp.Message)
	}
	if resp.Inserted != nil {
		return *resp.Inserted, nil
	}
	return true, nil
}

func (v *Vault) AddKeys(ctx context.Context, service string, batch map[keys.KeyID]keys.ContentKey) (int, error) {
	inserted := 0
	for kid, key := range batch {
		if key.IsZero() {
			continue
		}
		ok, err := v.AddKey(ctx, service, kid, key)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (v *Vault) Services(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("list_services", "true")
	resp, err := v.get(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	return resp.Services, nil
}

var _ vault.Vault = (*Vault)(nil)

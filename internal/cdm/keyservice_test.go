package cdm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

func testHeader() *pssh.Header {
	return &pssh.Header{
		System: pssh.SystemWidevine,
		Box:    []byte("fake pssh box"),
	}
}

func decodeRequestBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func TestKeyServiceCachedShortCircuit(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-request" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		body := decodeRequestBody(t, r)
		if body["scheme"] != "ChromeCDM" {
			t.Errorf("scheme = %v", body["scheme"])
		}
		if body["get_cached_keys_if_exists"] != true {
			t.Errorf("get_cached_keys_if_exists = %v, want true on first try", body["get_cached_keys_if_exists"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":      "success",
			"message_type": "cached-keys",
			"cached_keys": []map[string]string{
				{"kid": kid.Hex(), "key": "00112233445566778899aabbccddeeff"},
			},
		})
	}))
	defer srv.Close()

	svc := NewKeyService(srv.URL, "sekrit", "ChromeCDM", "TEST", pssh.SystemWidevine)
	svc.SetRequiredKIDs([]keys.KeyID{kid})
	ctx := context.Background()

	session, err := svc.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	challenge, err := svc.Challenge(ctx, session, testHeader())
	if err != nil {
		t.Fatalf("Challenge failed: %v", err)
	}
	if len(challenge) != 0 {
		t.Error("cache-covered session should return an empty challenge")
	}
	if !svc.HasCachedKeys(ctx, session) {
		t.Error("HasCachedKeys = false after cache hit")
	}

	// ParseLicense is a no-op on a fully cache-served session.
	if err := svc.ParseLicense(ctx, session, nil); err != nil {
		t.Fatalf("ParseLicense failed: %v", err)
	}

	resolved, err := svc.Keys(ctx, session)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ID != kid || resolved[0].Key != "00112233445566778899aabbccddeeff" {
		t.Errorf("Keys = %+v", resolved)
	}

	if err := svc.Close(ctx, session); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := svc.Keys(ctx, session); err == nil {
		t.Error("Keys after Close should fail")
	}
}

func TestKeyServiceLicenseRoundtrip(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	challengeBytes := []byte("wv challenge")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-request":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message":    "success",
				"challenge":  base64.StdEncoding.EncodeToString(challengeBytes),
				"session_id": "remote-session-1",
			})
		case "/decrypt-response":
			body := decodeRequestBody(t, r)
			if body["session_id"] != "remote-session-1" {
				t.Errorf("session_id = %v", body["session_id"])
			}
			if body["license_request"] != base64.StdEncoding.EncodeToString(challengeBytes) {
				t.Errorf("license_request = %v", body["license_request"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": "success",
				"keys": []map[string]string{
					{"kid": kid.Hex(), "key": "00112233445566778899aabbccddeeff", "type": "CONTENT"},
					{"kid": "ffffffffffffffffffffffffffffffff", "key": "11111111111111111111111111111111", "type": "SIGNING"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	svc := NewKeyService(srv.URL, "sekrit", "ChromeCDM", "", pssh.SystemWidevine)
	ctx := context.Background()

	session, err := svc.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer svc.Close(ctx, session)

	challenge, err := svc.Challenge(ctx, session, testHeader())
	if err != nil {
		t.Fatalf("Challenge failed: %v", err)
	}
	if string(challenge) != string(challengeBytes) {
		t.Errorf("challenge = %q", challenge)
	}
	if svc.HasCachedKeys(ctx, session) {
		t.Error("HasCachedKeys = true before the license arrived")
	}

	if err := svc.ParseLicense(ctx, session, []byte("license blob")); err != nil {
		t.Fatalf("ParseLicense failed: %v", err)
	}

	resolved, err := svc.Keys(ctx, session)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("Keys = %+v, want the SIGNING key filtered out", resolved)
	}
	if resolved[0].ID != kid {
		t.Errorf("Keys[0].ID = %s", resolved[0].ID)
	}
}

func TestKeyServicePartialCacheMerge(t *testing.T) {
	cachedKID := mustKeyID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	licensedKID := mustKeyID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-request":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message":      "success",
				"message_type": "cached-keys",
				"cached_keys": []map[string]string{
					{"kid": cachedKID.Hex(), "key": "11111111111111111111111111111111"},
				},
				"challenge":  base64.StdEncoding.EncodeToString([]byte("challenge")),
				"session_id": "remote-session-2",
			})
		case "/decrypt-response":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": "success",
				"keys": []map[string]string{
					{"kid": cachedKID.Hex(), "key": "99999999999999999999999999999999"},
					{"kid": licensedKID.Hex(), "key": "22222222222222222222222222222222"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	svc := NewKeyService(srv.URL, "sekrit", "ChromeCDM", "", pssh.SystemWidevine)
	svc.SetRequiredKIDs([]keys.KeyID{cachedKID, licensedKID})
	ctx := context.Background()

	session, err := svc.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer svc.Close(ctx, session)

	challenge, err := svc.Challenge(ctx, session, testHeader())
	if err != nil {
		t.Fatalf("Challenge failed: %v", err)
	}
	if len(challenge) == 0 {
		t.Fatal("partial cache must still produce a challenge")
	}

	if err := svc.ParseLicense(ctx, session, []byte("license blob")); err != nil {
		t.Fatalf("ParseLicense failed: %v", err)
	}

	resolved, err := svc.Keys(ctx, session)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("Keys = %+v, want cached + licensed", resolved)
	}
	byKID := make(map[keys.KeyID]keys.ContentKey)
	for _, key := range resolved {
		byKID[key.ID] = key.Key
	}
	if byKID[cachedKID] != "11111111111111111111111111111111" {
		t.Errorf("cached key should win over the license copy, got %s", byKID[cachedKID])
	}
	if byKID[licensedKID] != "22222222222222222222222222222222" {
		t.Errorf("licensed key = %s", byKID[licensedKID])
	}
}

func TestKeyServiceErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "failure",
			"error":   "invalid scheme",
		})
	}))
	defer srv.Close()

	svc := NewKeyService(srv.URL, "sekrit", "Nope", "", pssh.SystemWidevine)
	ctx := context.Background()

	session, err := svc.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer svc.Close(ctx, session)

	if _, err := svc.Challenge(ctx, session, testHeader()); err == nil {
		t.Error("expected error from failure response")
	}
}

func TestKeyServiceUnknownSession(t *testing.T) {
	svc := NewKeyService("http://unused", "sekrit", "ChromeCDM", "", pssh.SystemWidevine)
	ctx := context.Background()

	if _, err := svc.Keys(ctx, []byte("nope")); err == nil {
		t.Error("Keys on unknown session should fail")
	}
	if err := svc.Close(ctx, []byte("nope")); err == nil {
		t.Error("Close on unknown session should fail")
	}
	if svc.HasCachedKeys(ctx, []byte("nope")) {
		t.Error("HasCachedKeys on unknown session should be false")
	}
}

func mustKeyID(t *testing.T, s string) keys.KeyID {
	t.Helper()
	kid, err := keys.ParseKeyID(s)
	if err != nil {
		t.Fatalf("ParseKeyID(%q) failed: %v", s, err)
	}
	return kid
}

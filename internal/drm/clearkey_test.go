package drm

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func cbcEncrypt(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestClearKeyDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plaintext := []byte("segment payload that is not block aligned")

	path := filepath.Join(t.TempDir(), "segment.ts")
	if err := os.WriteFile(path, cbcEncrypt(t, key, iv, plaintext), 0o644); err != nil {
		t.Fatalf("write encrypted file: %v", err)
	}

	ck, err := NewClearKey(key, iv)
	if err != nil {
		t.Fatalf("NewClearKey failed: %v", err)
	}
	if err := ck.Decrypt(path); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read decrypted file: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestClearKeyDecryptRejectsPartialBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.ts")
	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	ck, err := NewClearKey(make([]byte, 16), nil)
	if err != nil {
		t.Fatalf("NewClearKey failed: %v", err)
	}
	if err := ck.Decrypt(path); err == nil {
		t.Error("expected error for non-block-aligned input")
	}
}

func TestNewClearKeyValidation(t *testing.T) {
	if _, err := NewClearKey([]byte("short"), nil); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewClearKey(make([]byte, 16), []byte("short")); err == nil {
		t.Error("expected error for short iv")
	}
	ck, err := NewClearKey(make([]byte, 16), nil)
	if err != nil {
		t.Fatalf("NewClearKey failed: %v", err)
	}
	if !bytes.Equal(ck.iv, make([]byte, 16)) {
		t.Error("missing iv should default to zeros")
	}
}

func TestClearKeyFromHex(t *testing.T) {
	ck, err := ClearKeyFromHex("0x00112233445566778899aabbccddeeff", "")
	if err != nil {
		t.Fatalf("ClearKeyFromHex failed: %v", err)
	}
	want := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if !bytes.Equal(ck.key, want) {
		t.Errorf("key = %x, want %x", ck.key, want)
	}

	if _, err := ClearKeyFromHex("nothex", ""); err == nil {
		t.Error("expected error for malformed hex")
	}
}

func TestClearKeyFromURI(t *testing.T) {
	key := []byte("0123456789abcdef")

	t.Run("data uri base64", func(t *testing.T) {
		uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString(key)
		ck, err := ClearKeyFromURI(context.Background(), nil, uri, "")
		if err != nil {
			t.Fatalf("ClearKeyFromURI failed: %v", err)
		}
		if !bytes.Equal(ck.key, key) {
			t.Errorf("key = %x, want %x", ck.key, key)
		}
	})

	t.Run("http fetch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(key)
		}))
		defer srv.Close()

		ck, err := ClearKeyFromURI(context.Background(), srv.Client(), srv.URL, "")
		if err != nil {
			t.Fatalf("ClearKeyFromURI failed: %v", err)
		}
		if !bytes.Equal(ck.key, key) {
			t.Errorf("key = %x, want %x", ck.key, key)
		}
	})

	t.Run("http short response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("tiny"))
		}))
		defer srv.Close()

		if _, err := ClearKeyFromURI(context.Background(), srv.Client(), srv.URL, ""); err == nil {
			t.Error("expected error for undersized key response")
		}
	})
}

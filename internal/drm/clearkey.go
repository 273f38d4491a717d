package drm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ClearKey is plain AES-CBC encryption with a directly known key, as used by
// HLS AES playlists. There is no license exchange; the key either comes with
// the playlist or from a key URI.
type ClearKey struct {
	key []byte
	iv  []byte
}

// NewClearKey builds a ClearKey from a 16-byte AES key and an optional IV.
// A missing IV defaults to zeros.
func NewClearKey(key, iv []byte) (*ClearKey, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("clearkey: key must be 16 bytes, got %d", len(key))
	}
	if len(iv) == 0 {
		iv = make([]byte, 16)
	}
	if len(iv) != 16 {
		return nil, fmt.Errorf("clearkey: iv must be 16 bytes, got %d", len(iv))
	}
	return &ClearKey{
		key: append([]byte(nil), key...),
		iv:  append([]byte(nil), iv...),
	}, nil
}

// ClearKeyFromHex builds a ClearKey from hex strings, tolerating a 0x prefix.
func ClearKeyFromHex(key, iv string) (*ClearKey, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("clearkey: decode key: %w", err)
	}
	var ivBytes []byte
	if iv != "" {
		ivBytes, err = hex.DecodeString(strings.TrimPrefix(iv, "0x"))
		if err != nil {
			return nil, fmt.Errorf("clearkey: decode iv: %w", err)
		}
	}
	return NewClearKey(keyBytes, ivBytes)
}

// ClearKeyFromURI resolves an HLS EXT-X-KEY URI to a ClearKey. data: URIs are
// decoded inline; anything else is fetched over the supplied client.
func ClearKeyFromURI(ctx context.Context, client *http.Client, uri, ivHex string) (*ClearKey, error) {
	var key []byte
	if strings.HasPrefix(uri, "data:") {
		mediaTypes, data, ok := strings.Cut(uri[len("data:"):], ",")
		if !ok {
			return nil, errors.New("clearkey: malformed data URI")
		}
		if strings.Contains(mediaTypes, "base64") {
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, fmt.Errorf("clearkey: decode data URI: %w", err)
			}
			key = decoded
		} else {
			key = []byte(data)
		}
	} else {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("clearkey: build key request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("clearkey: fetch key: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("clearkey: key URI returned http %d", resp.StatusCode)
		}
		key, err = io.ReadAll(io.LimitReader(resp.Body, 64))
		if err != nil {
			return nil, fmt.Errorf("clearkey: read key: %w", err)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("clearkey: key URI returned %d bytes", len(key))
		}
		key = key[:16]
	}

	var iv []byte
	if ivHex != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(ivHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("clearkey: decode iv: %w", err)
		}
		iv = decoded
	}
	return NewClearKey(key, iv)
}

// Decrypt decrypts the file at path in place with AES-CBC. PKCS#7 padding is
// stripped when present; content already on a block boundary is left alone.
func (c *ClearKey) Decrypt(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("clearkey: read input: %w", err)
	}
	if len(content)%aes.BlockSize != 0 {
		return fmt.Errorf("clearkey: input length %d not a block multiple", len(content))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return fmt.Errorf("clearkey: %w", err)
	}
	decrypted := make([]byte, len(content))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(decrypted, content)
	decrypted = stripPKCS7(decrypted)

	tmp := path + ".decrypted"
	if err := os.WriteFile(tmp, decrypted, 0o644); err != nil {
		return fmt.Errorf("clearkey: write output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("clearkey: replace input: %w", err)
	}
	return nil
}

func stripPKCS7(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return data
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return data
		}
	}
	return data[:len(data)-pad]
}

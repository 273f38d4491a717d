package drm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capstan/internal/keys"
)

func writeStub(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}

func encryptedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.mp4")
	if err := os.WriteFile(path, []byte("encrypted payload"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func keyedWidevine(t *testing.T) (*Widevine, keys.KeyID) {
	t.Helper()
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	w := testWidevine(t, kid)
	w.SetContentKey(kid, "00112233445566778899aabbccddeeff")
	return w, kid
}

func TestDecryptFileShakaReplacesInput(t *testing.T) {
	w, _ := keyedWidevine(t)
	path := encryptedFile(t)
	t.Setenv("STUB_OUT", decryptedPath(path))
	t.Setenv("STUB_ARGS", "/dev/null")

	stub := writeStub(t, "packager", `
echo "[0101/120000:INFO:demuxer.cc(88)] Demuxer initialized." >&2
echo "decrypted payload" > "$STUB_OUT"
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolShaka, Binary: stub})
	if err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(content)) != "decrypted payload" {
		t.Errorf("input not replaced with decrypted output: %q", content)
	}
	if _, err := os.Stat(decryptedPath(path)); !os.IsNotExist(err) {
		t.Error("intermediate output file should have been renamed away")
	}
}

func TestDecryptFileShakaSkipStream(t *testing.T) {
	w, _ := keyedWidevine(t)
	path := encryptedFile(t)
	t.Setenv("STUB_OUT", decryptedPath(path))
	t.Setenv("STUB_ARGS", "/dev/null")

	stub := writeStub(t, "packager", `
echo "Skip stream 0 because of no data" >&2
echo "partial" > "$STUB_OUT"
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolShaka, Binary: stub})
	if err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(content) != "encrypted payload" {
		t.Error("skipped stream must leave the original file in place")
	}
	if _, err := os.Stat(decryptedPath(path)); !os.IsNotExist(err) {
		t.Error("partial output should be removed when the stream was skipped")
	}
}

func TestDecryptFileShakaReportedError(t *testing.T) {
	w, _ := keyedWidevine(t)
	path := encryptedFile(t)
	t.Setenv("STUB_OUT", decryptedPath(path))
	t.Setenv("STUB_ARGS", "/dev/null")

	stub := writeStub(t, "packager", `
echo "[0101/120000:ERROR:box_reader.cc(12)] bad box" >&2
echo "broken" > "$STUB_OUT"
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolShaka, Binary: stub})
	if !errors.Is(err, ErrToolFailure) {
		t.Errorf("err = %v, want ErrToolFailure", err)
	}
}

func TestDecryptFileShakaExitFailure(t *testing.T) {
	w, _ := keyedWidevine(t)
	path := encryptedFile(t)
	t.Setenv("STUB_OUT", "")
	t.Setenv("STUB_ARGS", "/dev/null")

	stub := writeStub(t, "packager", `exit 3`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolShaka, Binary: stub})
	if !errors.Is(err, ErrToolFailure) {
		t.Errorf("err = %v, want ErrToolFailure", err)
	}
}

func TestDecryptFileShakaZeroKIDWorkaround(t *testing.T) {
	w, kid := keyedWidevine(t)
	path := encryptedFile(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("STUB_OUT", decryptedPath(path))
	t.Setenv("STUB_ARGS", argsFile)

	stub := writeStub(t, "packager", `
printf '%s\n' "$@" > "$STUB_ARGS"
echo "out" > "$STUB_OUT"
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{
		Tool:              ToolShaka,
		Binary:            stub,
		ZeroKIDWorkaround: true,
	})
	if err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	args := string(raw)
	if !strings.Contains(args, "key_id="+kid.Hex()+":key=00112233445566778899aabbccddeeff") {
		t.Errorf("real key ID label missing from args:\n%s", args)
	}
	if !strings.Contains(args, "key_id="+keys.ZeroKeyID.Hex()+":key=00112233445566778899aabbccddeeff") {
		t.Errorf("zero key ID label missing from args:\n%s", args)
	}
	if !strings.Contains(args, "--enable_raw_key_decryption") {
		t.Errorf("raw key decryption flag missing from args:\n%s", args)
	}
}

func TestDecryptFileMP4Decrypt(t *testing.T) {
	w, kid := keyedWidevine(t)
	path := encryptedFile(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("STUB_ARGS", argsFile)

	stub := writeStub(t, "mp4decrypt", `
printf '%s\n' "$@" > "$STUB_ARGS"
for a; do out=$a; done
echo "decrypted payload" > "$out"
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolMP4Decrypt, Binary: stub})
	if err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.TrimSpace(string(content)) != "decrypted payload" {
		t.Errorf("input not replaced with decrypted output: %q", content)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	if !strings.Contains(string(raw), kid.Hex()+":00112233445566778899aabbccddeeff") {
		t.Errorf("--key argument missing from args:\n%s", raw)
	}
}

func TestDecryptFileMP4DecryptFailure(t *testing.T) {
	w, _ := keyedWidevine(t)
	path := encryptedFile(t)
	t.Setenv("STUB_ARGS", "/dev/null")

	stub := writeStub(t, "mp4decrypt", `
echo "invalid key format" >&2
exit 1
`)

	err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: ToolMP4Decrypt, Binary: stub})
	if !errors.Is(err, ErrToolFailure) {
		t.Errorf("err = %v, want ErrToolFailure", err)
	}
}

func TestDecryptFileValidation(t *testing.T) {
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")
	w := testWidevine(t, kid)

	err := DecryptFile(context.Background(), w, "whatever.mp4", DecryptOptions{})
	if !errors.Is(err, ErrContentKeyNotFound) {
		t.Errorf("no keys: err = %v, want ErrContentKeyNotFound", err)
	}

	w.SetContentKey(kid, "00112233445566778899aabbccddeeff")
	if err := DecryptFile(context.Background(), w, filepath.Join(t.TempDir(), "missing.mp4"), DecryptOptions{}); err == nil {
		t.Error("expected error for missing input file")
	}

	path := encryptedFile(t)
	if err := DecryptFile(context.Background(), w, path, DecryptOptions{Tool: "wrong"}); err == nil {
		t.Error("expected error for unknown tool")
	}
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capstan/internal/testsupport"
)

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	content := fmt.Sprintf(`[paths]
data_dir = %q
temp_dir = %q
log_dir = %q
cache_dir = %q
export_dir = %q

[[vaults]]
name = "local"
kind = "sqlite"
path = %q
`,
		filepath.Join(base, "data"),
		filepath.Join(base, "temp"),
		filepath.Join(base, "logs"),
		filepath.Join(base, "cache"),
		filepath.Join(base, "exports"),
		filepath.Join(base, "data", "vault.db"),
	)
	configPath := filepath.Join(base, "capstan.toml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigNewCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err := runCLI(t, "", "config", "new", "--path", target)
	if err != nil {
		t.Fatalf("config new: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	_, _, err = runCLI(t, "", "config", "new", "--path", target)
	if err == nil {
		t.Fatal("expected error when target exists without --overwrite")
	}
}

func TestConfigShowCommand(t *testing.T) {
	configPath := writeCLIConfig(t)
	out, _, err := runCLI(t, configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "Decryption tool")
	requireContains(t, out, "shaka")
	requireContains(t, out, "1 configured")
}

func TestVaultAddAndGet(t *testing.T) {
	configPath := writeCLIConfig(t)
	const kid = "0123456789abcdef0123456789abcdef"
	const key = "00112233445566778899aabbccddeeff"

	out, _, err := runCLI(t, configPath, "vault", "add", "TEST", kid, key)
	if err != nil {
		t.Fatalf("vault add: %v", err)
	}
	requireContains(t, out, "Stored "+kid+" in 1 of 1 vaults")

	out, _, err = runCLI(t, configPath, "vault", "get", "test", kid)
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	requireContains(t, out, kid+":"+key)
	requireContains(t, out, "from local")

	_, _, err = runCLI(t, configPath, "vault", "get", "TEST", "fedcba9876543210fedcba9876543210")
	if err == nil {
		t.Fatal("expected error for a key no vault holds")
	}
}

func TestVaultListCommand(t *testing.T) {
	configPath := writeCLIConfig(t)
	out, _, err := runCLI(t, configPath, "vault", "list")
	if err != nil {
		t.Fatalf("vault list: %v", err)
	}
	requireContains(t, out, "local")
	requireContains(t, out, "sqlite")
}

func TestVaultServicesCommand(t *testing.T) {
	configPath := writeCLIConfig(t)
	const kid = "0123456789abcdef0123456789abcdef"
	const key = "00112233445566778899aabbccddeeff"

	if _, _, err := runCLI(t, configPath, "vault", "add", "AMZN", kid, key); err != nil {
		t.Fatalf("vault add: %v", err)
	}

	out, _, err := runCLI(t, configPath, "vault", "services", "local")
	if err != nil {
		t.Fatalf("vault services: %v", err)
	}
	requireContains(t, out, "AMZN")
}

func TestKeysExportCommand(t *testing.T) {
	configPath := writeCLIConfig(t)
	exportPath := filepath.Join(t.TempDir(), "keys.json")
	payload := `{"Example Show S01": {"video-1": {"0123456789abcdef0123456789abcdef": "00112233445566778899aabbccddeeff"}}}`
	if err := os.WriteFile(exportPath, []byte(payload), 0o644); err != nil {
		t.Fatalf("write export file: %v", err)
	}

	out, _, err := runCLI(t, configPath, "keys", "export", exportPath)
	if err != nil {
		t.Fatalf("keys export: %v", err)
	}
	requireContains(t, out, "Example Show S01")
	requireContains(t, out, "0123456789abcdef0123456789abcdef")
}

func TestCacheSetShowDelete(t *testing.T) {
	configPath := writeCLIConfig(t)

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(`{"title":"example"}`))
	cmd.SetArgs([]string{"--config", configPath, "cache", "set", "AMZN", "B0TITLE"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("cache set: %v", err)
	}
	requireContains(t, stdout.String(), "Cached 19 bytes")

	out, _, err := runCLI(t, configPath, "cache", "show", "AMZN", "B0TITLE")
	if err != nil {
		t.Fatalf("cache show: %v", err)
	}
	requireContains(t, out, `{"title":"example"}`)

	if _, _, err := runCLI(t, configPath, "cache", "delete", "AMZN", "B0TITLE"); err != nil {
		t.Fatalf("cache delete: %v", err)
	}
	if _, _, err := runCLI(t, configPath, "cache", "show", "AMZN", "B0TITLE"); err == nil {
		t.Fatal("expected miss after delete")
	}
}

func TestDepsCommand(t *testing.T) {
	configPath := writeCLIConfig(t)
	testsupport.StubBinaries(t, t.TempDir(), "packager", "mp4decrypt")

	out, _, err := runCLI(t, configPath, "deps")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	requireContains(t, out, "Shaka Packager")
}

func TestUnknownVaultName(t *testing.T) {
	configPath := writeCLIConfig(t)
	_, _, err := runCLI(t, configPath, "vault", "services", "missing")
	if err == nil {
		t.Fatal("expected error for unknown vault name")
	}
}

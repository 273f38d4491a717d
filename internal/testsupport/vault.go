package testsupport

import (
	"path/filepath"
	"testing"

	"capstan/internal/vault/sqlitevault"
)

// MustOpenVault opens a fresh sqlite vault in a temp directory and closes it
// when the test finishes.
func MustOpenVault(t testing.TB, name string) *sqlitevault.Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	v, err := sqlitevault.Open(name, path, false)
	if err != nil {
		t.Fatalf("open sqlite vault: %v", err)
	}
	t.Cleanup(func() {
		_ = v.Close()
	})
	return v
}

package vaults

import (
	"context"
	"path/filepath"
	"testing"

	"capstan/internal/vault"
)

func TestOpenSQLite(t *testing.T) {
	spec := Spec{
		Name: "local",
		Kind: vault.KindSQLite,
		Path: filepath.Join(t.TempDir(), "vault.db"),
	}

	v, err := Open(context.Background(), spec)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer v.Close()

	if v.Name() != "local" {
		t.Errorf("Name = %q", v.Name())
	}
	if v.Kind() != vault.KindSQLite {
		t.Errorf("Kind = %q", v.Kind())
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Spec{Name: "bogus", Kind: vault.Kind("ldap")})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLoadSkipsBrokenSpecs(t *testing.T) {
	specs := []Spec{
		{Name: "bogus", Kind: vault.Kind("ldap")},
		{Name: "local", Kind: vault.KindSQLite, Path: filepath.Join(t.TempDir(), "vault.db")},
	}

	agg, err := Load(context.Background(), "TEST", specs, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer agg.Close()

	if agg.Len() != 1 {
		t.Errorf("Len = %d, want the broken spec skipped", agg.Len())
	}
}

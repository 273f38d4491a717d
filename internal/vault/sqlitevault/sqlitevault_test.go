package sqlitevault

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open("local", filepath.Join(t.TempDir(), "vault.db"), false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := v.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return v
}

func TestAddKeyCreatesTableAndDeduplicates(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")

	added, err := v.AddKey(ctx, "TEST", kid, "00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	if !added {
		t.Error("first insert should report added")
	}

	added, err = v.AddKey(ctx, "TEST", kid, "00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("duplicate AddKey failed: %v", err)
	}
	if added {
		t.Error("duplicate insert should report not added")
	}

	key, err := v.Key(ctx, "TEST", kid)
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	if key != "00112233445566778899aabbccddeeff" {
		t.Errorf("Key = %s", key)
	}
}

func TestKeyMissOnAbsentTable(t *testing.T) {
	v := openTestVault(t)
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")

	key, err := v.Key(context.Background(), "NEVERSEEN", kid)
	if err != nil {
		t.Fatalf("Key on absent service failed: %v", err)
	}
	if key != "" {
		t.Errorf("Key = %s, want miss", key)
	}
}

func TestAddKeyRejectsZero(t *testing.T) {
	v := openTestVault(t)
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")

	if _, err := v.AddKey(context.Background(), "TEST", kid, keys.ZeroContentKey); !errors.Is(err, vault.ErrZeroKey) {
		t.Errorf("err = %v, want ErrZeroKey", err)
	}
}

func TestKeysFiltersZeroRows(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	kidA := mustKeyID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kidB := mustKeyID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	if _, err := v.AddKey(ctx, "TEST", kidA, "11111111111111111111111111111111"); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	// A zero row snuck in through an older writer; it must stay invisible.
	if _, err := v.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO TEST (kid, key_) VALUES (?, ?)`,
		kidB.Hex(), keys.ZeroContentKey.String()); err != nil {
		t.Fatalf("insert zero row: %v", err)
	}

	all, err := v.Keys(ctx, "TEST")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Keys returned %d entries, want 1", len(all))
	}
	if all[kidA] != "11111111111111111111111111111111" {
		t.Errorf("Keys[%s] = %s", kidA, all[kidA])
	}

	if key, err := v.Key(ctx, "TEST", kidB); err != nil || key != "" {
		t.Errorf("zero-keyed kid lookup = (%s, %v), want miss", key, err)
	}
}

func TestAddKeysBatch(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	kidA := mustKeyID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kidB := mustKeyID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	if _, err := v.AddKey(ctx, "TEST", kidA, "11111111111111111111111111111111"); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}

	inserted, err := v.AddKeys(ctx, "TEST", map[keys.KeyID]keys.ContentKey{
		kidA: "11111111111111111111111111111111",
		kidB: "22222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("AddKeys failed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1 (kidA already present)", inserted)
	}
}

func TestServices(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	kid := mustKeyID(t, "0123456789abcdef0123456789abcdef")

	for _, service := range []string{"AMZN", "NF"} {
		if _, err := v.AddKey(ctx, service, kid, "11111111111111111111111111111111"); err != nil {
			t.Fatalf("AddKey(%s) failed: %v", service, err)
		}
	}

	services, err := v.Services(ctx)
	if err != nil {
		t.Fatalf("Services failed: %v", err)
	}
	if len(services) != 2 || services[0] != "AMZN" || services[1] != "NF" {
		t.Errorf("Services = %v, want [AMZN NF]", services)
	}
}

func TestServiceTableSanitization(t *testing.T) {
	if table, err := serviceTable("ALL-4"); err != nil || table != "ALL_4" {
		t.Errorf("serviceTable(ALL-4) = (%s, %v), want ALL_4", table, err)
	}
	if _, err := serviceTable("bad; DROP TABLE x"); err == nil {
		t.Error("expected error for hostile service tag")
	}
	if _, err := serviceTable(""); err == nil {
		t.Error("expected error for empty service tag")
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

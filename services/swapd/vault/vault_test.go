package vault

import (
	"errors"
	"path/filepath"
	"testing"

	"htlcswap/native/coordinator"
)

func TestVaultPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	v, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := v.GetSecret("s1"); !errors.Is(err, coordinator.ErrSecretNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := v.PutSecret("s1", []byte("preimage")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetSecret("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "preimage" {
		t.Fatalf("unexpected secret %q", got)
	}
}

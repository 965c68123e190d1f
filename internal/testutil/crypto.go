package testutil

import (
	"testing"

	"github.com/lunamail/syncd/internal/vault"
)

// NewTestVault returns a vault with a deterministic key so ciphertext
// fixtures decrypt the same way across packages. Never derives via scrypt;
// key derivation is too slow for the test path.
func NewTestVault(t *testing.T) *vault.Vault {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	return v
}

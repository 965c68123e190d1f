package vault

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/lunamail/syncd/internal/models"
)

func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNew(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		v, err := New(testKey(t))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if v == nil {
			t.Fatal("Expected vault, got nil")
		}
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := New(make([]byte, 16))
		if err == nil {
			t.Fatal("Expected error for wrong key length, got nil")
		}
	})
}

func TestEncryptDecrypt(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}

	t.Run("round-trips a login secret", func(t *testing.T) {
		secret := models.LoginSecret{
			Host:     "imap.example.com",
			Port:     993,
			TLS:      true,
			Username: "alice@example.com",
			Password: "P@ssw0rd!#$%^&*()",
		}

		ct, err := v.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		var got models.LoginSecret
		if err := v.Decrypt(ct, &got); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}

		if got != secret {
			t.Errorf("Round trip mismatch: got %+v, want %+v", got, secret)
		}
	})

	t.Run("round-trips arbitrary JSON values", func(t *testing.T) {
		values := []any{
			"пароль密码",
			map[string]any{"nested": []any{"a", "b"}},
			42.5,
		}

		for _, value := range values {
			ct, err := v.Encrypt(value)
			if err != nil {
				t.Fatalf("Encrypt(%v) failed: %v", value, err)
			}

			var got any
			if err := v.Decrypt(ct, &got); err != nil {
				t.Fatalf("Decrypt(%v) failed: %v", value, err)
			}
		}
	})

	t.Run("same plaintext yields different ciphertexts", func(t *testing.T) {
		a, err := v.Encrypt("secret")
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		b, err := v.Encrypt("secret")
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if a == b {
			t.Error("Expected random IVs to produce distinct ciphertexts")
		}
	})
}

func TestDecryptFailures(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		ct, err := v.Encrypt("a perfectly ordinary secret")
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		raw, err := base64.StdEncoding.DecodeString(ct)
		if err != nil {
			t.Fatalf("Failed to decode ciphertext: %v", err)
		}
		raw[len(raw)-1] ^= 0x01
		tampered := base64.StdEncoding.EncodeToString(raw)

		var out string
		err = v.Decrypt(tampered, &out)
		if !errors.Is(err, ErrDecryption) {
			t.Errorf("Expected ErrDecryption, got %v", err)
		}
		if out != "" {
			t.Errorf("Expected no plaintext on failure, got %q", out)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		ct, err := v.Encrypt("secret")
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		other, err := New(make([]byte, 32))
		if err != nil {
			t.Fatalf("Failed to create second vault: %v", err)
		}

		var out string
		if err := other.Decrypt(ct, &out); !errors.Is(err, ErrDecryption) {
			t.Errorf("Expected ErrDecryption with wrong key, got %v", err)
		}
	})

	t.Run("not base64", func(t *testing.T) {
		var out string
		if err := v.Decrypt("%%%not-base64%%%", &out); !errors.Is(err, ErrDecryption) {
			t.Errorf("Expected ErrDecryption, got %v", err)
		}
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(make([]byte, 8))
		var out string
		if err := v.Decrypt(short, &out); !errors.Is(err, ErrDecryption) {
			t.Errorf("Expected ErrDecryption, got %v", err)
		}
	})
}

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic and key-sized", func(t *testing.T) {
		a, err := DeriveKey("hunter2")
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		b, err := DeriveKey("hunter2")
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}

		if len(a) != 32 {
			t.Errorf("Expected 32-byte key, got %d", len(a))
		}
		if string(a) != string(b) {
			t.Error("Expected identical keys for identical passphrases")
		}
	})

	t.Run("different passphrases diverge", func(t *testing.T) {
		a, err := DeriveKey("hunter2")
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		b, err := DeriveKey("hunter3")
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		if string(a) == string(b) {
			t.Error("Expected different keys for different passphrases")
		}
	})
}

func TestDeriveRoundTrip(t *testing.T) {
	key, err := DeriveKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	v, err := New(key)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}

	secret := models.LoginSecret{Host: "mail.example.com", Port: 143, Username: "bob", Password: "pw"}
	ct, err := v.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var got models.LoginSecret
	if err := v.Decrypt(ct, &got); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != secret {
		t.Errorf("Round trip mismatch: got %+v, want %+v", got, secret)
	}
}

// fakeSecretStore is an in-memory SecretStore for adoption tests.
type fakeSecretStore struct {
	values map[string]string
}

func (f *fakeSecretStore) Get(account string) (string, error) {
	v, ok := f.values[account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (f *fakeSecretStore) Set(account, secret string) error {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[account] = secret
	return nil
}

func TestPassphrase(t *testing.T) {
	t.Run("returns stored passphrase", func(t *testing.T) {
		store := &fakeSecretStore{values: map[string]string{passphraseAccount: "stored"}}

		p, adopted, err := Passphrase(store, "login-password")
		if err != nil {
			t.Fatalf("Passphrase failed: %v", err)
		}
		if adopted {
			t.Error("Expected no adoption when a passphrase is stored")
		}
		if p != "stored" {
			t.Errorf("Expected stored passphrase, got %q", p)
		}
	})

	t.Run("nothing stored and nothing to adopt", func(t *testing.T) {
		store := &fakeSecretStore{}

		if _, _, err := Passphrase(store, ""); err == nil {
			t.Error("Expected error when no passphrase exists and none can be adopted")
		}
		if _, ok := store.values[passphraseAccount]; ok {
			t.Error("Expected nothing to be persisted")
		}
	})

	t.Run("adopts login password once", func(t *testing.T) {
		store := &fakeSecretStore{}

		p, adopted, err := Passphrase(store, "login-password")
		if err != nil {
			t.Fatalf("Passphrase failed: %v", err)
		}
		if !adopted {
			t.Error("Expected adoption on first run")
		}
		if p != "login-password" {
			t.Errorf("Expected adopted login password, got %q", p)
		}

		// Second run must find the stored value and not adopt again.
		p, adopted, err = Passphrase(store, "changed-login-password")
		if err != nil {
			t.Fatalf("Passphrase failed: %v", err)
		}
		if adopted {
			t.Error("Expected no second adoption")
		}
		if p != "login-password" {
			t.Errorf("Expected originally adopted passphrase, got %q", p)
		}
	})
}

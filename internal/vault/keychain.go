package vault

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ErrSecretNotFound is returned by a SecretStore when no secret is stored
// under the requested account.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is the OS-level keychain collaborator used to hold the vault
// passphrase between runs.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, secret string) error
}

// KeychainStore is a SecretStore backed by the system keychain via the
// keyring library. Falls back to an encrypted file backend on headless
// systems.
type KeychainStore struct {
	service string
	fileDir string
}

// NewKeychainStore creates a keychain-backed secret store for the given
// service name. fileDir is where the file backend keeps its store when no
// native keychain is available.
func NewKeychainStore(service, fileDir string) *KeychainStore {
	return &KeychainStore{service: service, fileDir: fileDir}
}

func (s *KeychainStore) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: s.service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  s.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(s.service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves the secret stored under account.
func (s *KeychainStore) Get(account string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting secret %q: %w", account, err)
	}

	return string(item.Data), nil
}

// Set stores the secret under account.
func (s *KeychainStore) Set(account, secret string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: account, Data: []byte(secret)}); err != nil {
		return fmt.Errorf("setting secret %q: %w", account, err)
	}

	return nil
}

// passphraseAccount is the keychain entry name for the vault passphrase.
const passphraseAccount = "vault-passphrase"

// Passphrase returns the vault passphrase from the secret store. If none is
// stored yet, the account's own login password is adopted as the passphrase
// and persisted for future runs; this happens at most once per install.
// The second return value reports whether adoption happened.
func Passphrase(store SecretStore, loginPassword string) (string, bool, error) {
	p, err := store.Get(passphraseAccount)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", false, err
	}

	if loginPassword == "" {
		return "", false, fmt.Errorf("no vault passphrase stored and no password to adopt")
	}

	if err := store.Set(passphraseAccount, loginPassword); err != nil {
		return "", false, fmt.Errorf("adopting login password as passphrase: %w", err)
	}

	return loginPassword, true, nil
}

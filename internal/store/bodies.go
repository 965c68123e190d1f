package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBodyNotFound is returned when no body blob has been stored for a key.
var ErrBodyNotFound = errors.New("body not found")

// BodyStore keeps raw message bodies as flat files, one per message,
// addressed by a stable hash of (account, message key). It is independent
// of the metadata store: bodies appear only after an explicit body fetch,
// never during header-only sync.
type BodyStore struct {
	dir     string
	account string
}

// NewBodyStore creates the account's blob directory under root.
func NewBodyStore(root, account string) (*BodyStore, error) {
	// The account itself is hashed into the directory name so an email
	// address never has to be a valid path component.
	sum := sha256.Sum256([]byte(account))
	dir := filepath.Join(root, "bodies", hex.EncodeToString(sum[:8]))

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create body store for %s: %w", account, err)
	}

	return &BodyStore{dir: dir, account: account}, nil
}

// path returns the blob file for a message key.
func (b *BodyStore) path(key string) string {
	sum := sha256.Sum256([]byte(b.account + "\x00" + key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+".eml")
}

// StoreBody writes the raw message for a key, replacing any previous blob.
func (b *BodyStore) StoreBody(key string, blob []byte) error {
	if err := os.WriteFile(b.path(key), blob, 0o600); err != nil {
		return fmt.Errorf("failed to store body for %s: %w", key, err)
	}
	return nil
}

// LoadBody reads the raw message for a key. Absence is reported as
// ErrBodyNotFound, distinct from I/O failures.
func (b *BodyStore) LoadBody(key string) ([]byte, error) {
	blob, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBodyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load body for %s: %w", key, err)
	}
	return blob, nil
}

// RemoveBody deletes the blob for a key. Removing an absent blob is a
// no-op.
func (b *BodyStore) RemoveBody(key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove body for %s: %w", key, err)
	}
	return nil
}

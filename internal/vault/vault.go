package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// ErrDecryption is returned when a ciphertext cannot be decrypted: wrong key,
// truncated data, or tampering. Callers must treat it as fatal for the
// affected account rather than proceed with a garbled secret.
var ErrDecryption = errors.New("decryption failed")

// scrypt parameters for key derivation. Deliberately slow and memory-hard;
// derivation takes on the order of hundreds of milliseconds and must be kept
// off the I/O path (see sync orchestrator).
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
	keySize = 32
)

// appSalt is the fixed application-wide salt. The passphrase is per-install
// (kept in the OS keychain), so a fixed salt still yields per-install keys.
var appSalt = []byte("syncd.credential.vault.v1")

// DeriveKey derives the 32-byte vault key from a passphrase using scrypt.
func DeriveKey(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), appSalt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Vault encrypts and decrypts stored account secrets with AES-256-CBC and
// PKCS#7 padding. A Vault holds no mutable state and is safe for concurrent
// use by multiple accounts.
type Vault struct {
	key []byte
}

// New creates a Vault from a derived key. The key must be 32 bytes.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", keySize, len(key))
	}
	// The key schedule hashes the input so a caller handing us a weaker
	// byte string still yields a full-entropy AES key.
	sum := sha256.Sum256(key)
	return &Vault{key: sum[:]}, nil
}

// Encrypt serializes value as JSON and encrypts it. The returned string is
// self-contained: base64 of the random IV followed by the CBC ciphertext.
func (v *Vault) Encrypt(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to serialize secret: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt into out, which must be a pointer. Any structural
// problem (bad base64, short or misaligned data, invalid padding, or a JSON
// payload that does not parse) reports ErrDecryption instead of handing the
// caller garbage.
func (v *Vault) Decrypt(ciphertext string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}

	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: ciphertext malformed", ErrDecryption)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	plaintext, err = unpad(plaintext, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("%w: invalid padding", ErrDecryption)
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload does not parse", ErrDecryption)
	}

	return nil
}

// pad appends PKCS#7 padding up to the block size.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("data not block aligned")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding byte")
		}
	}
	return data[:len(data)-n], nil
}

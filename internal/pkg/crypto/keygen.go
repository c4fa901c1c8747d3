package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of derived signing keys in bytes.
const KeySize = 32

// TokenLength is the number of random bytes in a generated token.
const TokenLength = 32

// ErrEmptySecret indicates a key derivation was attempted without a secret.
var ErrEmptySecret = errors.New("secret cannot be empty")

// GenerateToken returns a random hex token suitable for callback
// secrets and storage salts.
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeriveKey derives a purpose-bound 32-byte key from a configured secret
// using HKDF-SHA256, so one secret can back several independent keys.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

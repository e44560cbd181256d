// Package crypto seals stored payment authorizations with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "v1:"

var (
	// ErrNoKey is returned when no encryption key is configured. Card
	// tokenization is unavailable without one.
	ErrNoKey = errors.New("encryption key not configured")

	ErrMalformed = errors.New("sealed value is malformed")
	ErrOpen      = errors.New("sealed value failed authentication")
)

// Sealer encrypts secrets bound to the record they belong to. A value
// sealed for one reference cannot be opened under another.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a hex-encoded 32-byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, ErrNoKey
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext with reference as associated data. The result is
// "v1:" followed by base64url(nonce || ciphertext).
func (s *Sealer) Seal(reference, plaintext string) (string, error) {
	if s == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(reference))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for the same reference.
func (s *Sealer) Open(reference, sealed string) (string, error) {
	if s == nil {
		return "", ErrNoKey
	}
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrMalformed
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n := s.aead.NonceSize()
	if len(data) < n+s.aead.Overhead() {
		return "", ErrMalformed
	}
	plaintext, err := s.aead.Open(nil, data[:n], data[n:], []byte(reference))
	if err != nil {
		return "", ErrOpen
	}
	return string(plaintext), nil
}

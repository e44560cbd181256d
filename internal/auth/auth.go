package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Tenant represents an authenticated API tenant.
type Tenant struct {
	ID        string
	Name      string
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 16 characters of the plaintext key
}

// TenantLookup is the interface for retrieving tenants by their key hash.
type TenantLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Tenant, error)
}

// Service provides authentication operations backed by a tenant store.
type Service struct {
	store TenantLookup
}

// NewService creates a new authentication service.
func NewService(store TenantLookup) *Service {
	return &Service{store: store}
}

// GenerateAPIKey creates a new API key with the "prepaid_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "prepaid_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:16],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashAdminKey returns the bcrypt hash stored in auth.admin_key_hash.
func HashAdminKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(hash), nil
}

// CheckAdminKey reports whether plaintext matches the bcrypt hash.
func CheckAdminKey(hash, plaintext string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

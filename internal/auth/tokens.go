// Package auth guards the control API. Three modes: disabled (local
// sidecar), bearer tokens minted by taskwatch itself, or OIDC-issued JWTs
// verified against an external issuer.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	TokenPrefix   = "twk_"
	tokenRawBytes = 32 // 32 bytes of randomness
	tokenIDBytes  = 8  // 8 bytes = 16 hex chars
)

// APIToken is a stored control-API credential. Only the SHA-256 digest of
// the plaintext is kept.
type APIToken struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// TokenStore is the persistence interface for API tokens.
type TokenStore interface {
	CreateAPIToken(token APIToken) error
	GetAPITokenByHash(hash string) (*APIToken, error)
	DeleteAPIToken(id string) error
	ListAPITokens() ([]APIToken, error)
	TouchAPIToken(id string, when time.Time) error
}

// GenerateAPIToken creates a new API token with the twk_ prefix.
// Returns the full plaintext token (shown once) and the SHA-256 hash for
// storage.
func GenerateAPIToken() (plaintext string, hash string, err error) {
	raw := make([]byte, tokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash = HashToken(plaintext)
	return plaintext, hash, nil
}

// GenerateTokenID creates a random 16-char hex ID for API token records.
func GenerateTokenID() (string, error) {
	b := make([]byte, tokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// Mint creates and persists a named API token, returning the plaintext
// exactly once.
func (s *Service) Mint(name string) (plaintext string, token APIToken, err error) {
	if s.Tokens == nil {
		return "", APIToken{}, fmt.Errorf("token storage not configured")
	}
	plaintext, hash, err := GenerateAPIToken()
	if err != nil {
		return "", APIToken{}, fmt.Errorf("generate token: %w", err)
	}
	id, err := GenerateTokenID()
	if err != nil {
		return "", APIToken{}, fmt.Errorf("generate token id: %w", err)
	}
	token = APIToken{
		ID:        id,
		Name:      name,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Tokens.CreateAPIToken(token); err != nil {
		return "", APIToken{}, fmt.Errorf("persist token: %w", err)
	}
	return plaintext, token, nil
}

// Revoke deletes a stored token by ID. Idempotent.
func (s *Service) Revoke(id string) error {
	if s.Tokens == nil {
		return fmt.Errorf("token storage not configured")
	}
	return s.Tokens.DeleteAPIToken(id)
}

// List returns all stored tokens (digests only, never plaintext).
func (s *Service) List() ([]APIToken, error) {
	if s.Tokens == nil {
		return nil, nil
	}
	return s.Tokens.ListAPITokens()
}

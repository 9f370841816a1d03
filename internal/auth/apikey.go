package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the default bcrypt cost factor
	DefaultCost = 12

	// MinAPIKeyLength rejects keys too short to resist guessing.
	MinAPIKeyLength = 24
)

// HashAPIKey creates a bcrypt hash of an API key for API_CLIENTS.
func HashAPIKey(key string) (string, error) {
	if !ValidateAPIKeyStrength(key) {
		return "", fmt.Errorf("api key must be at least %d characters", MinAPIKeyLength)
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckAPIKey compares a presented key with a stored hash
func CheckAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ValidateAPIKeyStrength checks the key meets the minimum length
func ValidateAPIKeyStrength(key string) bool {
	return len(key) >= MinAPIKeyLength
}

// GenerateAPIKey returns a random hex key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

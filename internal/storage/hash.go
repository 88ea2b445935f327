package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost 10 costs roughly 60ms per hash.
	bcryptCost = 10
	// bcryptLimit is the longest input bcrypt accepts.
	bcryptLimit = 72
)

// HashAPIKey returns the bcrypt hash stored in place of the plaintext key. Each call salts
// independently, so hashing the same key twice gives different strings.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether apiKey matches hash. Any malformed input is a mismatch.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// LookupHash is the unsalted SHA-256 of a key. It indexes api_keys so a lookup needs one
// bcrypt comparison instead of one per stored key.
func LookupHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))

	return hex.EncodeToString(sum[:])
}

// bcryptInput pre-hashes keys longer than bcrypt's 72 byte limit.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) <= bcryptLimit {
		return []byte(apiKey)
	}

	sum := sha256.Sum256([]byte(apiKey))

	return sum[:]
}

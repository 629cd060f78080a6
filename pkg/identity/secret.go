package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateCreatorSecret mints the opaque capability handed to a poll's
// creator. It is not a user identity; holding it is what grants creator
// access.
func GenerateCreatorSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate creator secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashCreatorSecret hashes a creator secret for storage.
func HashCreatorSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), 10)
	if err != nil {
		return "", fmt.Errorf("hash creator secret: %w", err)
	}
	return string(hash), nil
}

// VerifyCreatorSecret reports whether the presented secret matches the stored
// hash.
func VerifyCreatorSecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidHash   = errors.New("credential: invalid or unsupported hash")
	ErrEmptyPassword = errors.New("credential: password is empty")
)

// PasswordHasher produces hashes for newly set forum passwords.
type PasswordHasher interface {
	Hash(pw string) (string, error)
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	if pw == "" {
		return "", ErrEmptyPassword
	}
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(h), nil
}

// NeedsRehash reports stored hashes that predate the adaptive formats.
func NeedsRehash(storedHash string) bool {
	switch defaultChain.Format(storedHash) {
	case "portable", "md5":
		return true
	default:
		return false
	}
}

// RandomSecret returns n random bytes as URL-safe base64. It is used for
// passwords nobody will ever type (shadow accounts, tombstoned users).
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

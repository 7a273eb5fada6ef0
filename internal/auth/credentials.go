// Package auth provides lease token generation and password hashing used by
// the pool initializer, the allocator, and the host signup flow.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// unusablePrefix marks a password hash that no password can match.
const unusablePrefix = "!"

// ErrEmptyPassword is returned when hashing an empty password.
var ErrEmptyPassword = errors.New("password is required")

// GenerateToken returns a cryptographically random, URL-safe token string.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UnusablePassword returns a credential placeholder for accounts that must
// never log in by password, such as pooled guests.
func UnusablePassword() (string, error) {
	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}
	return unusablePrefix + tok, nil
}

// isUsablePassword reports whether hash can ever match a password.
func isUsablePassword(hash string) bool {
	return hash != "" && !strings.HasPrefix(hash, unusablePrefix)
}

// CheckPassword reports whether password matches hash. Unusable hashes never
// match.
func CheckPassword(hash, password string) bool {
	if !isUsablePassword(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ConstantTimeEquals compares two tokens in constant time.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

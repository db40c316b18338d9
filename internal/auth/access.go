// Package auth issues and checks collection access credentials.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// AccessTokenBytes is the entropy of a generated collection credential.
	AccessTokenBytes = 32
	// HashCost is the bcrypt work factor for stored credentials.
	HashCost = 12
)

var (
	// ErrTokenRequired is returned when no credential was presented.
	ErrTokenRequired = errors.New("access token required")
	// ErrInvalidToken is returned when a credential does not match its hash.
	ErrInvalidToken = errors.New("invalid access token")
)

// GenerateAccessToken returns a random URL-safe credential. Only its hash is
// ever stored.
func GenerateAccessToken() (string, error) {
	buf := make([]byte, AccessTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAccessToken derives the stored form of a credential.
func HashAccessToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), HashCost)
	if err != nil {
		return "", fmt.Errorf("hash access token: %w", err)
	}
	return string(hashed), nil
}

// GenerateHashedAccessToken returns a fresh credential and its hash.
func GenerateHashedAccessToken() (string, string, error) {
	token, err := GenerateAccessToken()
	if err != nil {
		return "", "", err
	}
	hashed, err := HashAccessToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hashed, nil
}

// CompareAccessToken checks a presented credential against its stored hash.
func CompareAccessToken(hash, token string) error {
	if token == "" {
		return ErrTokenRequired
	}
	if hash == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidToken
		}
		return fmt.Errorf("compare access token: %w", err)
	}
	return nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrTokenRequired
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrTokenRequired
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenRequired
	}
	return token, nil
}

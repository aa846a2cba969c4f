package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

const resetSecretSize = 32

// ErrMalformedToken is returned for reset tokens that are not 32 bytes of
// unpadded base64url.
var ErrMalformedToken = errors.New("malformed token")

// NewResetToken draws a reset secret and returns its transport form and the
// hex SHA-256 digest that is stored instead of it.
func NewResetToken() (raw string, hash string, err error) {
	var secret [resetSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(secret[:])
	return raw, hashBytes(secret[:]), nil
}

// HashResetToken validates the shape of raw and returns its stored digest.
func HashResetToken(raw string) (string, error) {
	secret, err := DecodeResetToken(raw)
	if err != nil {
		return "", err
	}
	return hashBytes(secret[:]), nil
}

// DecodeResetToken parses the transport form of a reset token.
func DecodeResetToken(raw string) ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil || len(decoded) != resetSecretSize {
		return secret, ErrMalformedToken
	}
	copy(secret[:], decoded)
	return secret, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

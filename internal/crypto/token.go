package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var ErrInvalidToken = errors.New("invalid API token")

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// NewToken generates a random API token. The raw token is returned to the
// client exactly once; only its digest is stored.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenDigest returns the hex-encoded sha256 digest of a raw token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a raw token against a stored digest in constant time.
func VerifyToken(token, digest string) error {
	if subtle.ConstantTimeCompare([]byte(TokenDigest(token)), []byte(digest)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

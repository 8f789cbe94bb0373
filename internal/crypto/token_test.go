package crypto

import (
	"strings"
	"testing"
)

func TestNewToken(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	if len(token) < 40 {
		t.Errorf("token too short: %d chars", len(token))
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token not URL-safe: %s", token)
	}

	other, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	if token == other {
		t.Error("two tokens should not collide")
	}
}

func TestTokenDigest(t *testing.T) {
	token := "test-token-value"

	d1 := TokenDigest(token)
	d2 := TokenDigest(token)
	if d1 != d2 {
		t.Error("digest should be deterministic")
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d1))
	}
	if TokenDigest("other-token") == d1 {
		t.Error("different tokens should have different digests")
	}
}

func TestVerifyToken(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}
	digest := TokenDigest(token)

	if err := VerifyToken(token, digest); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := VerifyToken("wrong-token", digest); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if err := VerifyToken("", digest); err != ErrInvalidToken {
		t.Errorf("empty token should be rejected, got %v", err)
	}
}

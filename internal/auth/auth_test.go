package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/primal-host/session-backend/internal/apperror"
)

func signToken(t *testing.T, secret, subject string, expiresAt time.Time, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyAccessTokenAcceptsValidToken(t *testing.T) {
	v := NewVerifier("shared-secret")
	tok := signToken(t, "shared-secret", "user-1", time.Now().Add(time.Hour), jwt.SigningMethodHS256)

	sub, err := v.VerifyAccessToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "user-1" {
		t.Fatalf("subject = %q, want %q", sub, "user-1")
	}
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	v := NewVerifier("shared-secret")
	tok := signToken(t, "shared-secret", "user-1", time.Now().Add(-time.Hour), jwt.SigningMethodHS256)

	_, err := v.VerifyAccessToken(tok)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
	if !apperror.Is(err, apperror.KindAuth) {
		t.Fatalf("expected KindAuth, got %v", err)
	}
}

func TestVerifyAccessTokenRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("shared-secret")
	tok := signToken(t, "wrong-secret", "user-1", time.Now().Add(time.Hour), jwt.SigningMethodHS256)

	if _, err := v.VerifyAccessToken(tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyAccessTokenRejectsNonHS256Algorithm(t *testing.T) {
	v := NewVerifier("shared-secret")
	tok := signToken(t, "shared-secret", "user-1", time.Now().Add(time.Hour), jwt.SigningMethodHS512)

	_, err := v.VerifyAccessToken(tok)
	if err == nil {
		t.Fatal("expected error for HS512 token")
	}
	if !apperror.Is(err, apperror.KindProtocol) {
		t.Fatalf("expected KindProtocol, got %v", err)
	}
}

func TestParseBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"", ""},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
	}
	for _, c := range cases {
		got := ParseBearer(c.header)
		if got != c.want {
			t.Errorf("ParseBearer(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

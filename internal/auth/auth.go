// Package auth verifies HS256 bearer tokens for duplex session connections.
// Authentication itself (issuing tokens, passwords) is an external
// collaborator per scope; this package only validates tokens someone else
// issued, grounded on primal-pds's JWTManager with the signing half
// dropped.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/primal-host/session-backend/internal/apperror"
)

// Claims is the minimal claim set a session-backend bearer token carries:
// sub (user id) and exp, per the registered JWT claims.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier with the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" if the header is absent or malformed.
func ParseBearer(authorization string) string {
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	scheme, token := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if !strings.EqualFold(scheme, "bearer") || token == "" {
		return ""
	}
	return token
}

// errWrongAlgorithm marks a token signed with anything other than HS256, so
// VerifyAccessToken can classify it as a protocol violation rather than a
// plain auth rejection.
var errWrongAlgorithm = fmt.Errorf("wrong signing algorithm")

// VerifyAccessToken validates tokenStr's signature and expiry and returns
// its subject (user id). A wrong signing algorithm is returned as an
// apperror.KindProtocol error; any other failure — bad signature, expired,
// empty subject — is returned as an apperror.KindAuth error.
func (v *Verifier) VerifyAccessToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, errWrongAlgorithm
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, errWrongAlgorithm) {
			return "", apperror.New(apperror.KindProtocol, "auth: verify access token", err)
		}
		return "", apperror.New(apperror.KindAuth, "auth: verify access token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", apperror.New(apperror.KindAuth, "auth: verify access token", fmt.Errorf("invalid token claims"))
	}
	if claims.Subject == "" {
		return "", apperror.New(apperror.KindAuth, "auth: verify access token", fmt.Errorf("missing subject"))
	}
	return claims.Subject, nil
}

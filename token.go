package taskroom

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo holds the claims the client cares about from a bearer token.
// The token is not verified here — signature verification belongs to the
// server that issued it. The client only inspects claims to avoid dialing
// with a credential the server is guaranteed to reject.
type TokenInfo struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// ParseToken extracts claims from a JWT without verifying its signature.
// Tokens that are not JWTs (opaque API keys) return an error; callers
// should treat that as "no claims available", not as an invalid credential.
func ParseToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	info := &TokenInfo{}
	if sub, err := claims.GetSubject(); err == nil {
		info.UserID = sub
	}
	if v, ok := claims["username"].(string); ok {
		info.Username = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// Expired reports whether the token carries an exp claim that has passed.
func (t *TokenInfo) Expired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

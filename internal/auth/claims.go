package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims reads sub and exp from a JWT access token without verifying
// its signature; the server verifies, the client only needs the hints.
// Opaque tokens yield zero values.
func tokenClaims(token string) (subject string, expiresAt time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}
	}
	if sub, err := claims.GetSubject(); err == nil {
		subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time.UTC()
	}
	return subject, expiresAt
}

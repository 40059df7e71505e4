package ws

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds how long an issued observer token stays valid.
const TokenTTL = 12 * time.Hour

// IssueToken signs an observer token for an entity. The token is presented
// in the auth frame when the observer dials in.
func IssueToken(secret []byte, entityID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   entityID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign observer token: %w", err)
	}
	return token, nil
}

// verifyToken checks an observer token and returns the entity it names.
func verifyToken(secret []byte, raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse observer token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("observer token has no subject")
	}
	return claims.Subject, nil
}

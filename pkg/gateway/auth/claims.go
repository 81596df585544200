package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered claims read from an access token. The rules API
// signs its tokens; this side only needs the expiry and never verifies them.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseClaims reads the claims of a JWT without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("token empty")
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var registered jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(token, &registered); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	claims := &Claims{Subject: registered.Subject}
	exp, err := registered.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("reading token expiry: %w", err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	return c.ExpiresAt
}

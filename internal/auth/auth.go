// Package auth resolves the caller's wallet identity from a bearer token.
//
// Tokens are HS256 JWTs whose subject is the caller's address. A request
// with no token, or with one that fails verification, is served as an
// anonymous viewer.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/escrowmirror/internal/validation"
)

const (
	// DefaultTTL is the lifetime of issued tokens.
	DefaultTTL = 24 * time.Hour

	issuer = "escrowmirror"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidAddress = errors.New("invalid address")
)

// Claims carries the caller address in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier issues and verifies identity tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier signing with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
}

// WithTTL overrides the token lifetime.
func (v *Verifier) WithTTL(ttl time.Duration) *Verifier {
	v.ttl = ttl
	return v
}

// WithClock overrides the clock used for issuing and expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Issue signs a token for address. The subject is stored lowercase.
func (v *Verifier) Issue(address string) (string, time.Time, error) {
	address = validation.SanitizeAddress(address)
	if !validation.IsValidEthAddress(address) {
		return "", time.Time{}, ErrInvalidAddress
	}

	now := v.now()
	expires := now.Add(v.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expires.Truncate(time.Second), nil
}

// Resolve verifies token and returns the address it was issued for.
func (v *Verifier) Resolve(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	if !validation.IsValidEthAddress(claims.Subject) {
		return "", fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	return strings.ToLower(claims.Subject), nil
}

// ABOUTME: Join token verification gating agent registration on the hub.
// ABOUTME: HS256 JWTs carrying the invited agent id as the subject.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier checks a join token and returns the agent id it was issued to.
type TokenVerifier interface {
	Verify(tokenString string) (agentID string, err error)
}

// JoinVerifier implements TokenVerifier using HS256 signed JWTs. The hub
// hands out a token per invited agent; registration presents it back.
type JoinVerifier struct {
	secret []byte
}

// NewJoinVerifier creates a verifier keyed with the session join secret.
func NewJoinVerifier(secret []byte) *JoinVerifier {
	return &JoinVerifier{secret: secret}
}

// Verify validates signature and expiry, then returns the subject claim.
// Only HS256 is accepted; alg confusion fails before the key is consulted.
func (v *JoinVerifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate issues a join token for one agent, valid for expiresIn.
func (v *JoinVerifier) Generate(agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

package application

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bnema/sessionkeeper/internal/domain"
)

type TokenClaims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseTokenClaims decodes the registered claims of a JWT access token
// without verifying its signature. Tokens lacking an exp claim are rejected.
func ParseTokenClaims(token string) (TokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: decode token claims: %w", domain.ErrInvalidCredential, err)
	}
	if claims.ExpiresAt == nil {
		return TokenClaims{}, fmt.Errorf("%w: token has no exp claim", domain.ErrInvalidCredential)
	}

	parsed := TokenClaims{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	return parsed, nil
}

// withTokenClaims fills missing timestamps from the access token claims.
func withTokenClaims(cred domain.Credential) domain.Credential {
	claims, err := ParseTokenClaims(cred.AccessToken)
	if err != nil {
		return cred
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = claims.IssuedAt
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = claims.ExpiresAt
	}
	return cred
}

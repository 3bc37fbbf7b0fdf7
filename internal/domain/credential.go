package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is the authentication state mirrored across every credential
// backend. The synchronizer owns the authoritative in-memory copy.
type Credential struct {
	AccessToken    string          `json:"access_token"`
	RefreshToken   string          `json:"refresh_token,omitempty"`
	IssuedAt       time.Time       `json:"issued_at,omitzero"`
	ExpiresAt      time.Time       `json:"expires_at,omitzero"`
	AbsoluteExpiry time.Time       `json:"absolute_expiry,omitzero"`
	User           json.RawMessage `json:"user,omitempty"`
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return ErrEmptyToken
	}
	if !c.IssuedAt.IsZero() && !c.ExpiresAt.IsZero() && c.IssuedAt.After(c.ExpiresAt) {
		return fmt.Errorf("%w: issued_at after expires_at", ErrInvalidCredential)
	}
	if !c.ExpiresAt.IsZero() && !c.AbsoluteExpiry.IsZero() && c.ExpiresAt.After(c.AbsoluteExpiry) {
		return fmt.Errorf("%w: expires_at after absolute_expiry", ErrInvalidCredential)
	}
	if len(c.User) > 0 && !json.Valid(c.User) {
		return fmt.Errorf("%w: user record is not valid JSON", ErrInvalidCredential)
	}

	return nil
}

// Expired reports whether the access token expiry has passed. A credential
// without a known expiry is never considered expired by this check.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Refreshable reports whether a refresh attempt is still possible.
func (c Credential) Refreshable(now time.Time) bool {
	if strings.TrimSpace(c.RefreshToken) == "" {
		return false
	}
	if c.AbsoluteExpiry.IsZero() {
		return true
	}
	return now.Before(c.AbsoluteExpiry)
}

func (c Credential) SameToken(other Credential) bool {
	return c.AccessToken == other.AccessToken && c.RefreshToken == other.RefreshToken
}

// Redacted returns a short, loggable form of the access token.
func (c Credential) Redacted() string {
	token := c.AccessToken
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

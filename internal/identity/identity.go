// Package identity wraps the external identity provider. The core never
// issues tokens; it only verifies bearer tokens minted elsewhere and extracts
// the caller's identity from the claims.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is the single opaque failure returned by Verify. Provider
// internals (expiry, signature, malformed claims) are never exposed to
// callers.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	UserID       string
	TenantID     *string
	TenantRole   *string
	PlatformRole *string
	Email        *string
	DisplayName  *string
}

// SameTenant reports whether both identities carry the same non-empty tenant.
func (i Identity) SameTenant(other Identity) bool {
	return i.TenantID != nil && other.TenantID != nil && *i.TenantID == *other.TenantID
}

// claims is the JWT claim set the identity provider issues.
type claims struct {
	jwt.RegisteredClaims
	TenantID     *string `json:"tenantId,omitempty"`
	TenantRole   *string `json:"tenantRole,omitempty"`
	PlatformRole *string `json:"platformRole,omitempty"`
	Email        *string `json:"email,omitempty"`
	DisplayName  *string `json:"displayName,omitempty"`
}

// Verifier validates bearer tokens against the shared provider secret.
type Verifier struct {
	secret string
	issuer string
}

// NewVerifier creates a Verifier. The issuer check is skipped when issuer is
// empty.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity verifier secret must not be empty")
	}
	return &Verifier{secret: secret, issuer: issuer}, nil
}

// Verify parses and validates a bearer token, returning the caller identity.
// All failures collapse to ErrInvalidToken.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	c := &claims{}

	var parserOpts []jwt.ParserOption
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	}, parserOpts...)
	if err != nil || !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:       c.Subject,
		TenantID:     c.TenantID,
		TenantRole:   c.TenantRole,
		PlatformRole: c.PlatformRole,
		Email:        c.Email,
		DisplayName:  c.DisplayName,
	}, nil
}

// SignForTest mints a token with the given identity and TTL. It exists so
// tests and local tooling can produce tokens compatible with Verify without
// depending on the real provider.
func SignForTest(id Identity, secret, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:     id.TenantID,
		TenantRole:   id.TenantRole,
		PlatformRole: id.PlatformRole,
		Email:        id.Email,
		DisplayName:  id.DisplayName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the identity fields the portal reads from a backend token.
type TokenClaims struct {
	Subject   string
	Email     string
	Role      Role
	ExpiresAt *time.Time
}

// portalClaims matches the claim names used by the backend. Some responses
// carry the role as "rol", others as "role".
type portalClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Rol   string `json:"rol,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ParseTokenClaims decodes a JWT without verifying its signature. The client
// never holds the signing key; the backend stays the authority on validity.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	var c portalClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	out := &TokenClaims{
		Subject: c.Subject,
		Email:   c.Email,
	}
	if c.Rol != "" {
		out.Role = NormalizeRole(c.Rol)
	} else if c.Role != "" {
		out.Role = NormalizeRole(c.Role)
	}
	if c.ExpiresAt != nil {
		t := c.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

// UserID returns the numeric subject, or 0 when the subject is not numeric.
func (c *TokenClaims) UserID() int64 {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

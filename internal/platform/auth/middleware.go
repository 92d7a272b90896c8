package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/portal/internal/platform/session"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	UserEmailKey contextKey = "user_email"
	TokenIDKey   contextKey = "token_id"
	TokenExpKey  contextKey = "token_exp"
)

// Claims is the token payload issued by the sandbox backend. The claim
// names match what the real backend returns, so the client reads both the
// same way.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Rol   string `json:"rol"`
}

// ErrRevokedToken is returned when a logged-out token is presented.
var ErrRevokedToken = errors.New("token has been revoked")

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	key     []byte
	issuer  string
	ttl     time.Duration
	revoked *TokenRevocationStore
	now     func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. revoked may be nil.
func NewTokenIssuer(key []byte, issuer string, ttl time.Duration, revoked *TokenRevocationStore) *TokenIssuer {
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl, revoked: revoked, now: time.Now}
}

// Issue signs a token for a user.
func (i *TokenIssuer) Issue(userID int64, email string, role session.Role) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Email: email,
		Rol:   string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, including revocation.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if i.revoked != nil && i.revoked.IsRevoked(claims.ID) {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Revoke records the token as logged out until its expiry.
func (i *TokenIssuer) Revoke(jti string, expiresAt time.Time) {
	if i.revoked != nil {
		i.revoked.Revoke(jti, expiresAt)
	}
}

// JWTMiddleware authenticates bearer tokens with issuer and stores the
// caller's identity on the request context. Requests for which skipper
// returns true pass through untouched.
func JWTMiddleware(issuer *TokenIssuer, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := issuer.Verify(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, []string{string(session.NormalizeRole(claims.Rol))})
			ctx = context.WithValue(ctx, UserEmailKey, claims.Email)
			ctx = context.WithValue(ctx, TokenIDKey, claims.ID)
			if claims.ExpiresAt != nil {
				ctx = context.WithValue(ctx, TokenExpKey, claims.ExpiresAt.Time)
			}
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(UserEmailKey).(string)
	return email
}

// TokenFromContext returns the JTI and expiry of the token that
// authenticated the request.
func TokenFromContext(ctx context.Context) (jti string, expiresAt time.Time) {
	jti, _ = ctx.Value(TokenIDKey).(string)
	expiresAt, _ = ctx.Value(TokenExpKey).(time.Time)
	return jti, expiresAt
}

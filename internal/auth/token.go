// ABOUTME: JWT issuing and verification for API and socket authentication
// ABOUTME: HS256 with sub + role claims, short-lived by default

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

// Role is the two-valued authorization level carried by every token.
// The gateway's join checks and the notification policy both branch on
// it, never on raw strings.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity is the authenticated principal attached to a request or
// socket session.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// TokenVerifier validates a bearer token and returns the identity it
// asserts.
type TokenVerifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs. Tokens
// are server-signed; clients never construct their own.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token signature and expiry and extracts the
// identity from the "sub" and "role" claims.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	roleClaim, ok := claims["role"].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	role := Role(roleClaim)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleClaim)
	}

	return Identity{UserID: sub, Role: role}, nil
}

// Generate issues a signed token for the identity with the given TTL.
func (v *JWTVerifier) Generate(id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if !id.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, id.Role)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

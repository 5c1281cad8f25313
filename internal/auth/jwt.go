package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token roles.
const (
	RoleChild = "child"
	RoleAdmin = "admin"
)

// ErrInvalidToken is returned for malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("invalid token")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	IdentityID string `json:"identity_id,omitempty"`
	Role       string `json:"role"` // "child" or "admin"
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token was issued after an admin PIN check.
func (c *JWTClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Issuer signs and validates tokens with a shared HMAC secret.
type Issuer struct {
	secret   []byte
	childTTL time.Duration
	adminTTL time.Duration
	now      func() time.Time
}

// NewIssuer creates a token issuer
func NewIssuer(secret string, childTTL, adminTTL time.Duration) *Issuer {
	return &Issuer{
		secret:   []byte(secret),
		childTTL: childTTL,
		adminTTL: adminTTL,
		now:      time.Now,
	}
}

// GenerateChildToken generates a JWT token for a household member
func (i *Issuer) GenerateChildToken(identityID string) (string, time.Time, error) {
	return i.sign(&JWTClaims{IdentityID: identityID, Role: RoleChild}, i.childTTL)
}

// GenerateAdminToken generates a JWT token for the administrator
func (i *Issuer) GenerateAdminToken() (string, time.Time, error) {
	return i.sign(&JWTClaims{Role: RoleAdmin}, i.adminTTL)
}

func (i *Issuer) sign(claims *JWTClaims, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.IdentityID,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case RoleAdmin:
	case RoleChild:
		if claims.IdentityID == "" {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

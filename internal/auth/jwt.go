// Package auth issues and verifies the bearer tokens that carry the principal
// (user id, email and role) into the API. Identity itself is established elsewhere;
// the server only trusts tokens signed with its configured secret.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/filevault/filevault/internal/db/models"
)

const (
	issuer          = "filevault"
	defaultTokenTTL = time.Hour
	minSecretLength = 32
)

// ErrMissingSecret is returned by NewIssuer when no secret is configured outside
// development mode.
var ErrMissingSecret = errors.New("auth.jwt_secret (FV_AUTH_JWT_SECRET) is required; generate one with: openssl rand -hex 32")

// Claims represents the JWT claims structure
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token grants administrator rights.
func (c *Claims) IsAdmin() bool {
	return c.Role == models.RoleAdmin
}

// Issuer signs and verifies HS256 tokens with one shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. An empty secret is an error unless devMode is set,
// in which case a random secret is generated and tokens do not survive a restart.
func NewIssuer(secret string, ttl time.Duration, devMode bool) (*Issuer, error) {
	if secret == "" {
		if !devMode {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("auth.jwt_secret not set; using an auto-generated secret for development")
	} else if len(secret) < minSecretLength {
		slog.Warn("auth.jwt_secret is shorter than recommended", "min_length", minSecretLength)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// GenerateJWT creates a token for user. A zero expiresIn uses the issuer's TTL.
func (i *Issuer) GenerateJWT(user *models.User, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = i.ttl
	}
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   user.ID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ValidateJWT parses and validates a JWT token
func (i *Issuer) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

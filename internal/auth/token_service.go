package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token
type TokenType string

const AccessTokenType TokenType = "access"

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or type checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret is returned when minting tokens without a configured secret.
	ErrNoSecret = errors.New("token secret not configured")
)

// Claims represents the JWT claims structure
type Claims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Principal returns the principal from the Subject claim
func (c *Claims) Principal() string {
	return c.Subject
}

// TokenService handles JWT token generation and validation
type TokenService struct {
	secret string
	expiry time.Duration
	issuer string
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	return &TokenService{
		secret: cfg.Secret,
		expiry: cfg.Expiry,
		issuer: cfg.Issuer,
	}
}

// Enabled reports whether a secret is configured. Without one every caller is anonymous.
func (s *TokenService) Enabled() bool {
	return s != nil && s.secret != ""
}

// GenerateAccessToken generates a new access token for principal
func (s *TokenService) GenerateAccessToken(principal string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	now := time.Now()

	claims := Claims{
		Type: AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != AccessTokenType {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Expiry returns the access token lifetime
func (s *TokenService) Expiry() time.Duration {
	return s.expiry
}

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Token codec errors
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrExpiredToken   = errors.New("expired token")
)

// Claims represents the JWT claims structure. Subject carries the user
// ID and SessionID binds both token kinds to one session.
type Claims struct {
	SessionID string    `json:"sid"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenCodec signs and validates the access and refresh JWTs.
type TokenCodec struct {
	accessSecret  string
	refreshSecret string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
}

// TokenCodecConfig holds configuration for TokenCodec
type TokenCodecConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// NewTokenCodec creates a new TokenCodec instance
func NewTokenCodec(cfg TokenCodecConfig) *TokenCodec {
	return &TokenCodec{
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
	}
}

// GenerateAccessToken mints a short-lived access token bound to the
// session.
func (c *TokenCodec) GenerateAccessToken(userID, sessionID uuid.UUID) (string, error) {
	now := time.Now()

	claims := Claims{
		SessionID: sessionID.String(),
		Type:      AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.accessSecret))
}

// GenerateRefreshToken mints a longer-lived refresh token with a unique
// JTI so each rotation link is distinguishable.
func (c *TokenCodec) GenerateRefreshToken(userID, sessionID uuid.UUID) (string, error) {
	now := time.Now()

	claims := Claims{
		SessionID: sessionID.String(),
		Type:      RefreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.refreshTTL)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.refreshSecret))
}

// ValidateAccessToken validates an access token and returns the claims
func (c *TokenCodec) ValidateAccessToken(tokenString string) (*Claims, error) {
	return c.validateToken(tokenString, c.accessSecret, AccessTokenType)
}

// ValidateRefreshToken validates a refresh token and returns the claims
func (c *TokenCodec) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return c.validateToken(tokenString, c.refreshSecret, RefreshTokenType)
}

// validateToken validates a JWT with the given secret and expected type.
// Expiry is reported distinctly so callers can surface TOKEN_EXPIRED
// separately from TOKEN_INVALID.
func (c *TokenCodec) validateToken(tokenString, secret string, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrMalformedToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformedToken
	}

	if claims.Type != expectedType {
		return nil, ErrMalformedToken
	}
	if _, err := uuid.Parse(claims.SessionID); err != nil {
		return nil, ErrMalformedToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrMalformedToken
	}

	return claims, nil
}

// HashToken creates a SHA-256 hash of a refresh token for storage.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// AccessTTL returns the access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for malformed, unsigned or foreign tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the claims cannot be read back
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims identifies the calling client.
type Claims struct {
	jwt.RegisteredClaims
	ClientName string `json:"client_name,omitempty"`
}

// JWTConfig holds configuration for JWT token generation and validation
type JWTConfig struct {
	Secret        string
	Expiry        time.Duration
	Issuer        string
	SigningMethod jwt.SigningMethod
	// Leeway tolerates clock skew between the issuer and this service.
	Leeway time.Duration
}

// DefaultJWTConfig returns HS256 settings with a 24h expiry.
func DefaultJWTConfig(secret string) *JWTConfig {
	return &JWTConfig{
		Secret:        secret,
		Expiry:        24 * time.Hour,
		Issuer:        "local-rerank",
		SigningMethod: jwt.SigningMethodHS256,
		Leeway:        30 * time.Second,
	}
}

// JWTManager issues and verifies bearer tokens for /rerank callers.
type JWTManager struct {
	key    []byte
	method jwt.SigningMethod
	issuer string
	expiry time.Duration
	parser *jwt.Parser
}

// NewJWTManager builds a manager whose parser accepts only the configured
// algorithm and issuer and requires an expiry.
func NewJWTManager(config *JWTConfig) *JWTManager {
	method := config.SigningMethod
	if method == nil {
		method = jwt.SigningMethodHS256
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &JWTManager{
		key:    []byte(config.Secret),
		method: method,
		issuer: config.Issuer,
		expiry: config.Expiry,
		parser: jwt.NewParser(opts...),
	}
}

// GenerateToken issues a token with the configured expiry. Operators use it
// to mint client credentials.
func (m *JWTManager) GenerateToken(subject, clientName string) (string, error) {
	return m.GenerateTokenWithExpiry(subject, clientName, m.expiry)
}

// GenerateTokenWithExpiry issues a token that expires after expiry.
func (m *JWTManager) GenerateTokenWithExpiry(subject, clientName string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		ClientName: clientName,
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm, issuer and expiry.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !token.Valid:
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret     []byte
	expiration time.Duration
	issuer     string
	signingAlg jwt.SigningMethod
}

func NewTokenManager(secret string, expiration time.Duration, issuer string) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     issuer,
		signingAlg: jwt.SigningMethodHS256,
	}
}

func (tm *TokenManager) GenerateToken(userID, role, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tm.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(tm.signingAlg, claims)
	return token.SignedString(tm.secret)
}

func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("token parsing failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.Issuer != tm.issuer {
		return nil, fmt.Errorf("invalid token issuer")
	}

	return claims, nil
}

func GenerateJWT(userID, role, secret string) (string, error) {
	tm := NewTokenManager(secret, 24*time.Hour, "certforge")
	return tm.GenerateToken(userID, role, "api:access")
}

func ValidateJWT(tokenString, secret string) (*Claims, error) {
	tm := NewTokenManager(secret, 24*time.Hour, "certforge")
	return tm.ValidateToken(tokenString)
}

func HashPrefix(value string, length int) string {
	sum := sha256.Sum256([]byte(value))
	encoded := hex.EncodeToString(sum[:])
	if length > len(encoded) {
		length = len(encoded)
	}
	return encoded[:length]
}

// NewSlug returns a random URL-safe identifier for ACME entities. Slugs
// are the only identifier exposed on the wire, never the row id.
func NewSlug() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewToken returns a random ACME challenge token.
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInactiveUser = errors.New("user is inactive or no longer exists")
)

// Claims represents the JWT claims
type Claims struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	SystemRole string `json:"system_role"`
	jwt.RegisteredClaims
}

var (
	settingsMu    sync.RWMutex
	jwtSecret     = []byte("jumpd-dev-secret-change-in-production")
	tokenDuration = 24 * time.Hour
)

// Configure sets the signing secret and token lifetime. Empty or zero values
// leave the current setting in place.
func Configure(secret string, expiry time.Duration) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if expiry > 0 {
		tokenDuration = expiry
	}
}

func getJWTSecret() []byte {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return jwtSecret
}

func getTokenDuration() time.Duration {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return tokenDuration
}

// GenerateToken creates a new JWT token for a user
func GenerateToken(userID uint, username string, systemRole string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:     userID,
		Username:   username,
		SystemRole: systemRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(getTokenDuration())),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "jumpd",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(getJWTSecret())
}

// ValidateToken validates a JWT token and returns the claims
func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return getJWTSecret(), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

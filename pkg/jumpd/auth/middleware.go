package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

const (
	// ContextKeyUserID is the key for user ID in gin context
	ContextKeyUserID = "user_id"
	// ContextKeyUsername is the key for the username in gin context
	ContextKeyUsername = "username"
	// ContextKeySystemRole is the key for system role in gin context
	ContextKeySystemRole = "system_role"

	// TokenCookie carries the JWT for browser navigation, where no
	// Authorization header is sent.
	TokenCookie = "jumpd_token"
)

// BearerToken extracts the token from "Authorization: Bearer <token>". ok is
// false when the header is present but malformed.
func BearerToken(c *gin.Context) (token string, ok bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", true
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// SetIdentity stores the authenticated user in the gin context
func SetIdentity(c *gin.Context, userID uint, username, systemRole string) {
	c.Set(ContextKeyUserID, userID)
	c.Set(ContextKeyUsername, username)
	c.Set(ContextKeySystemRole, systemRole)
}

// ActiveUser loads the user a credential was issued to. Deleted and
// deactivated users yield ErrInactiveUser, so revocation takes effect before
// the credential expires.
func ActiveUser(db *gorm.DB, userID uint) (*models.User, error) {
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInactiveUser
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	return &user, nil
}

// Authenticate validates a JWT and returns its user as currently stored.
// The stored username and system role win over the token's claims.
func Authenticate(db *gorm.DB, token string) (*models.User, error) {
	claims, err := ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return ActiveUser(db, claims.UserID)
}

// SetUser stores user as the authenticated identity
func SetUser(c *gin.Context, user *models.User) {
	SetIdentity(c, user.ID, user.Username, string(user.SystemRole))
}

// AuthMiddleware validates JWT tokens and sets user info in context
func AuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		user, err := Authenticate(db, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": FailureMessage(err)})
			return
		}

		SetUser(c, user)
		c.Next()
	}
}

// FailureMessage is the client-facing text for an authentication error
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "Token has expired"
	case errors.Is(err, ErrInactiveUser):
		return "Account is disabled or no longer exists"
	default:
		return "Invalid token"
	}
}

// OptionalAuth identifies the requester from the Authorization header or the
// token cookie when either is valid and belongs to an active user, and
// otherwise lets the request through anonymously.
func OptionalAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, _ := BearerToken(c)
		if tokenString == "" {
			tokenString, _ = c.Cookie(TokenCookie)
		}
		if tokenString != "" {
			if user, err := Authenticate(db, tokenString); err == nil {
				SetUser(c, user)
			}
		}
		c.Next()
	}
}

// RequireAdmin middleware checks if the user has admin system role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(ContextKeySystemRole)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		if role != string(models.SystemRoleAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserID returns the user ID from the gin context
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return 0, false
	}
	id, ok := userID.(uint)
	return id, ok
}

// Requester returns the authenticated user ID, or nil for anonymous requests
func Requester(c *gin.Context) *uint {
	id, ok := GetUserID(c)
	if !ok {
		return nil
	}
	return &id
}

// GetSystemRole returns the system role from the gin context
func GetSystemRole(c *gin.Context) (string, bool) {
	role, exists := c.Get(ContextKeySystemRole)
	if !exists {
		return "", false
	}
	s, ok := role.(string)
	return s, ok
}

// IsAdmin reports whether the requester holds the admin system role
func IsAdmin(c *gin.Context) bool {
	role, _ := GetSystemRole(c)
	return role == string(models.SystemRoleAdmin)
}

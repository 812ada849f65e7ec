// Package apikeys issues per-user API keys and authenticates requests that
// carry either a key or a session JWT.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// KeyPrefix marks jumpd keys so they are recognisable in config files
	KeyPrefix = "jmp_"
	// keyBytes of randomness, hex encoded after KeyPrefix
	keyBytes = 32
	// KeyPrefixLength characters of the key are stored for display
	KeyPrefixLength = len(KeyPrefix) + 8
	// MaxKeysPerUser bounds how many live keys one user may hold
	MaxKeysPerUser = 20
)

var (
	ErrInvalidKey = errors.New("invalid API key")
	ErrKeyExpired = errors.New("API key has expired")
)

// Handler manages the caller's API keys
type Handler struct {
	db  *gorm.DB
	now func() time.Time
}

// NewHandler creates a new API keys handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db, now: time.Now}
}

// KeyResponse describes a key without its secret
type KeyResponse struct {
	ID          uint       `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Expired     bool       `json:"expired"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateAPIKeyRequest names a key and optionally limits its lifetime
type CreateAPIKeyRequest struct {
	Description   string `json:"description" binding:"max=200"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1,max=3650"`
}

// CreateAPIKeyResponse carries the full key; it is never shown again
type CreateAPIKeyResponse struct {
	KeyResponse
	Key string `json:"key"`
}

func (h *Handler) toResponse(k models.APIKey) KeyResponse {
	return KeyResponse{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		Description: k.Description,
		LastUsedAt:  k.LastUsedAt,
		ExpiresAt:   k.ExpiresAt,
		Expired:     k.Expired(h.now()),
		CreatedAt:   k.CreatedAt,
	}
}

func newKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create issues a key for the caller. An empty body is accepted.
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateAPIKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	now := h.now()
	var live int64
	h.db.Model(&models.APIKey{}).
		Where("user_id = ? AND (expires_at IS NULL OR expires_at > ?)", userID, now).
		Count(&live)
	if live >= MaxKeysPerUser {
		c.JSON(http.StatusConflict, gin.H{"error": "Too many API keys; revoke one first"})
		return
	}

	key, err := newKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
		return
	}

	record := models.APIKey{
		UserID:      userID,
		KeyHash:     hashAPIKey(key),
		KeyPrefix:   key[:KeyPrefixLength],
		Description: strings.TrimSpace(req.Description),
	}
	if req.ExpiresInDays > 0 {
		expires := now.Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
		record.ExpiresAt = &expires
	}
	if err := h.db.Create(&record).Error; err != nil {
		log.WithError(err).WithField("user_id", userID).Error("apikeys: create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{KeyResponse: h.toResponse(record), Key: key})
}

// List returns the caller's keys, newest first
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var keys []models.APIKey
	if err := h.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&keys).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch API keys"})
		return
	}

	out := make([]KeyResponse, len(keys))
	for i, k := range keys {
		out[i] = h.toResponse(k)
	}
	c.JSON(http.StatusOK, out)
}

// Revoke deletes one of the caller's keys. Other users' keys answer 404.
func (h *Handler) Revoke(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid API key ID"})
		return
	}

	res := h.db.Where("id = ? AND user_id = ?", id, userID).Delete(&models.APIKey{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete API key"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted"})
}

// ValidateAPIKey finds a live key by its hash
func ValidateAPIKey(db *gorm.DB, key string) (*models.APIKey, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrInvalidKey
	}
	var record models.APIKey
	if err := db.Where("key_hash = ?", hashAPIKey(key)).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if record.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	return &record, nil
}

// UpdateLastUsed stamps a key's last use; failures are only logged
func UpdateLastUsed(db *gorm.DB, apiKeyID uint) {
	if err := db.Model(&models.APIKey{}).Where("id = ?", apiKeyID).Update("last_used_at", time.Now()).Error; err != nil {
		log.WithError(err).WithField("api_key_id", apiKeyID).Warn("apikeys: recording last use failed")
	}
}

// authenticate resolves a bearer JWT or API key into the gin context and
// returns the message to show when it fails.
func authenticate(c *gin.Context, db *gorm.DB, token string) (string, error) {
	if !strings.HasPrefix(token, KeyPrefix) {
		user, err := auth.Authenticate(db, token)
		if err != nil {
			return auth.FailureMessage(err), err
		}
		auth.SetUser(c, user)
		return "", nil
	}

	record, err := ValidateAPIKey(db, token)
	if err != nil {
		if errors.Is(err, ErrKeyExpired) {
			return "API key has expired", err
		}
		return "Invalid API key", err
	}

	user, err := auth.ActiveUser(db, record.UserID)
	if err != nil {
		return "User not found", err
	}

	UpdateLastUsed(db, record.ID)
	auth.SetUser(c, user)
	return "", nil
}

// CombinedAuthMiddleware requires a JWT or API key, both passed as
// "Authorization: Bearer <token>".
func CombinedAuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c)
		switch {
		case !ok:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		case token == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		if msg, err := authenticate(c, db, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Next()
	}
}

// OptionalCombinedAuth identifies the caller when a valid credential is
// present and otherwise leaves the request anonymous.
func OptionalCombinedAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, _ := auth.BearerToken(c); token != "" {
			authenticate(c, db, token)
		}
		c.Next()
	}
}

// RegisterRoutes registers API key routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/api-keys", h.Create)
	rg.GET("/api-keys", h.List)
	rg.DELETE("/api-keys/:id", h.Revoke)
}

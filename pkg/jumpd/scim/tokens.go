package scim

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
	// TokenPrefix marks SCIM bearer tokens; API keys use a different prefix
	TokenPrefix = "jmpscim_"
	// ContextKeySCIMTokenID holds the id of the token that authenticated the request
	ContextKeySCIMTokenID = "scim_token_id"

	tokenBytes    = 32
	displayPrefix = len(TokenPrefix) + 6
)

// ErrUnknownToken is returned for tokens that were never issued or were revoked
var ErrUnknownToken = errors.New("unknown SCIM token")

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken issues a SCIM bearer token. The plaintext is returned once.
func GenerateToken(db *gorm.DB, description string) (string, *models.SCIMToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := TokenPrefix + hex.EncodeToString(raw)

	record := &models.SCIMToken{
		TokenHash:   digest(token),
		TokenPrefix: token[:displayPrefix],
		Description: strings.TrimSpace(description),
	}
	if err := db.Create(record).Error; err != nil {
		return "", nil, err
	}
	log.WithFields(log.Fields{"token_id": record.ID, "description": record.Description}).Info("scim: token issued")
	return token, record, nil
}

// ValidateToken resolves a presented token and stamps its last use
func ValidateToken(db *gorm.DB, token string) (*models.SCIMToken, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrUnknownToken
	}
	var record models.SCIMToken
	if err := db.Where("token_hash = ?", digest(token)).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, err
	}

	if err := db.Model(&record).Update("last_used_at", time.Now()).Error; err != nil {
		log.WithError(err).WithField("token_id", record.ID).Warn("scim: recording token use failed")
	}
	return &record, nil
}

func unauthorized(c *gin.Context, detail string) {
	writeError(c, http.StatusUnauthorized, detail, "")
	c.Abort()
}

// AuthMiddleware admits requests bearing an issued SCIM token. Failures use
// the SCIM error envelope.
func AuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c)
		switch {
		case !ok:
			unauthorized(c, "Invalid authorization header format")
			return
		case token == "":
			unauthorized(c, "Authorization header required")
			return
		}

		record, err := ValidateToken(db, token)
		if err != nil {
			if !errors.Is(err, ErrUnknownToken) {
				log.WithError(err).Error("scim: token lookup failed")
			}
			unauthorized(c, "Invalid token")
			return
		}

		c.Set(ContextKeySCIMTokenID, record.ID)
		c.Next()
	}
}

// TokenResponse describes an issued token without its secret
type TokenResponse struct {
	ID          uint       `json:"id"`
	TokenPrefix string     `json:"token_prefix"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateTokenResponse carries the plaintext token, shown only here
type CreateTokenResponse struct {
	TokenResponse
	Token string `json:"token"`
}

// CreateTokenRequest optionally labels the token
type CreateTokenRequest struct {
	Description string `json:"description" binding:"max=200"`
}

// TokenHandler is the admin surface for SCIM tokens
type TokenHandler struct {
	db *gorm.DB
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(db *gorm.DB) *TokenHandler {
	return &TokenHandler{db: db}
}

func describe(t models.SCIMToken) TokenResponse {
	return TokenResponse{
		ID:          t.ID,
		TokenPrefix: t.TokenPrefix,
		Description: t.Description,
		LastUsedAt:  t.LastUsedAt,
		CreatedAt:   t.CreatedAt,
	}
}

// ListTokens returns every issued token, oldest first
func (h *TokenHandler) ListTokens(c *gin.Context) {
	var records []models.SCIMToken
	if err := h.db.Order("id").Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch tokens"})
		return
	}

	out := make([]TokenResponse, 0, len(records))
	for _, t := range records {
		out = append(out, describe(t))
	}
	c.JSON(http.StatusOK, out)
}

// CreateToken issues a token. An empty body is accepted.
func (h *TokenHandler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	token, record, err := GenerateToken(h.db, req.Description)
	if err != nil {
		log.WithError(err).Error("scim: issuing token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	c.JSON(http.StatusCreated, CreateTokenResponse{TokenResponse: describe(*record), Token: token})
}

// DeleteToken revokes a token immediately
func (h *TokenHandler) DeleteToken(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token ID"})
		return
	}

	res := h.db.Delete(&models.SCIMToken{}, id)
	switch {
	case res.Error != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete token"})
	case res.RowsAffected == 0:
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
	default:
		log.WithField("token_id", id).Info("scim: token revoked")
		c.JSON(http.StatusOK, gin.H{"message": "Token deleted"})
	}
}

// RegisterAdminRoutes registers SCIM token admin routes
func (h *TokenHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/scim-tokens", h.ListTokens)
	rg.POST("/scim-tokens", h.CreateToken)
	rg.DELETE("/scim-tokens/:id", h.DeleteToken)
}

package oidc

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// AdminProviderResponse includes all provider details for admins
type AdminProviderResponse struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Source        string `json:"source"`
	Issuer        string `json:"issuer"`
	ClientID      string `json:"client_id"`
	Scopes        string `json:"scopes"`
	Enabled       bool   `json:"enabled"`
	AutoProvision bool   `json:"auto_provision"`
	CreatedAt     string `json:"created_at"`
	Warning       string `json:"warning,omitempty"`
}

func toAdminResponse(p models.OIDCProvider) AdminProviderResponse {
	return AdminProviderResponse{
		ID:            p.ID,
		Name:          p.Name,
		Slug:          p.Slug,
		Source:        models.OAuth2Source(p.Slug),
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		Scopes:        p.Scopes,
		Enabled:       p.Enabled,
		AutoProvision: p.AutoProvision,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

// CreateProviderRequest represents a request to create an OIDC provider
type CreateProviderRequest struct {
	Name          string `json:"name" binding:"required"`
	Slug          string `json:"slug" binding:"required"`
	Issuer        string `json:"issuer" binding:"required,url"`
	ClientID      string `json:"client_id" binding:"required"`
	ClientSecret  string `json:"client_secret" binding:"required"`
	Scopes        string `json:"scopes"`
	Enabled       *bool  `json:"enabled"`
	AutoProvision *bool  `json:"auto_provision"`
}

// UpdateProviderRequest represents a request to update an OIDC provider.
// The slug is fixed once created because it is part of users' source tag.
type UpdateProviderRequest struct {
	Name          *string `json:"name"`
	Issuer        *string `json:"issuer"`
	ClientID      *string `json:"client_id"`
	ClientSecret  *string `json:"client_secret"`
	Scopes        *string `json:"scopes"`
	Enabled       *bool   `json:"enabled"`
	AutoProvision *bool   `json:"auto_provision"`
}

// activate (re)discovers an enabled provider and returns a warning on failure
func (h *Handler) activate(p models.OIDCProvider) string {
	h.forget(p.ID)
	if !p.Enabled {
		return ""
	}
	if err := h.initProvider(p); err != nil {
		log.WithError(err).WithField("provider", p.Slug).Warn("oidc: provider discovery failed")
		return "Provider saved but failed to initialize: " + err.Error()
	}
	return ""
}

// ListProvidersAdmin returns all OIDC providers for admin
func (h *Handler) ListProvidersAdmin(c *gin.Context) {
	var providers []models.OIDCProvider
	if err := h.db.Order("id").Find(&providers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch providers"})
		return
	}

	responses := make([]AdminProviderResponse, len(providers))
	for i, p := range providers {
		responses[i] = toAdminResponse(p)
	}
	c.JSON(http.StatusOK, responses)
}

// CreateProvider creates a new OIDC provider
func (h *Handler) CreateProvider(c *gin.Context) {
	var req CreateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !slugRegex.MatchString(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Slug must be lowercase letters, digits and dashes"})
		return
	}

	var existing int64
	h.db.Model(&models.OIDCProvider{}).Where("slug = ? OR name = ?", req.Slug, req.Name).Count(&existing)
	if existing > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Provider name or slug already exists"})
		return
	}

	provider := models.OIDCProvider{
		Name:         req.Name,
		Slug:         req.Slug,
		Issuer:       req.Issuer,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Scopes:       req.Scopes,
	}
	if provider.Scopes == "" {
		provider.Scopes = "openid profile email"
	}
	enabled := req.Enabled == nil || *req.Enabled
	autoProvision := req.AutoProvision == nil || *req.AutoProvision

	// Boolean columns default to true, so false has to be written explicitly.
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&provider).Error; err != nil {
			return err
		}
		return tx.Model(&provider).Updates(map[string]interface{}{
			"enabled":        enabled,
			"auto_provision": autoProvision,
		}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create provider"})
		return
	}
	provider.Enabled = enabled
	provider.AutoProvision = autoProvision

	resp := toAdminResponse(provider)
	resp.Warning = h.activate(provider)
	c.JSON(http.StatusCreated, resp)
}

// UpdateProvider updates an OIDC provider
func (h *Handler) UpdateProvider(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid provider ID"})
		return
	}

	var provider models.OIDCProvider
	if err := h.db.First(&provider, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	var req UpdateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Issuer != nil {
		updates["issuer"] = *req.Issuer
	}
	if req.ClientID != nil {
		updates["client_id"] = *req.ClientID
	}
	if req.ClientSecret != nil {
		updates["client_secret"] = *req.ClientSecret
	}
	if req.Scopes != nil {
		updates["scopes"] = *req.Scopes
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.AutoProvision != nil {
		updates["auto_provision"] = *req.AutoProvision
	}

	if len(updates) > 0 {
		if err := h.db.Model(&models.OIDCProvider{}).Where("id = ?", provider.ID).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update provider"})
			return
		}
	}

	h.db.First(&provider, id)
	resp := toAdminResponse(provider)
	resp.Warning = h.activate(provider)
	c.JSON(http.StatusOK, resp)
}

// DeleteProvider deletes an OIDC provider and its identity links.
// Users it provisioned are kept.
func (h *Handler) DeleteProvider(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid provider ID"})
		return
	}

	var provider models.OIDCProvider
	if err := h.db.First(&provider, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	h.forget(provider.ID)

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_id = ?", provider.ID).Delete(&models.OIDCIdentity{}).Error; err != nil {
			return err
		}
		return tx.Delete(&provider).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete provider"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}

// RegisterAdminRoutes registers admin OIDC routes
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/providers", h.ListProvidersAdmin)
	rg.POST("/providers", h.CreateProvider)
	rg.PUT("/providers/:id", h.UpdateProvider)
	rg.DELETE("/providers/:id", h.DeleteProvider)
}

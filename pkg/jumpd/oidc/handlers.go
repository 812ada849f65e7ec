package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	stateTTL        = 10 * time.Minute
	discoverTimeout = 10 * time.Second
)

// Handler handles OIDC login and provider administration
type Handler struct {
	db      *gorm.DB
	hub     *events.Hub
	baseURL string

	mu        sync.RWMutex
	providers map[uint]*providerConfig

	pendingMu sync.Mutex
	pending   map[string]pendingLogin
}

type providerConfig struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// pendingLogin is the server-side half of an authorization request, keyed by
// the state parameter.
type pendingLogin struct {
	ProviderID uint
	ReturnURL  string
	Nonce      string
	Expires    time.Time
}

// NewHandler creates a new OIDC handler and discovers every enabled provider
func NewHandler(db *gorm.DB, hub *events.Hub, baseURL string) *Handler {
	h := &Handler{
		db:        db,
		hub:       hub,
		baseURL:   strings.TrimRight(baseURL, "/"),
		providers: make(map[uint]*providerConfig),
		pending:   make(map[string]pendingLogin),
	}
	h.loadProviders()
	return h
}

// loadProviders initialises all enabled providers; failures are logged and skipped
func (h *Handler) loadProviders() {
	var providers []models.OIDCProvider
	if err := h.db.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		log.WithError(err).Error("oidc: loading providers failed")
		return
	}
	for _, p := range providers {
		if err := h.initProvider(p); err != nil {
			log.WithError(err).WithField("provider", p.Slug).Warn("oidc: provider discovery failed")
		}
	}
}

// initProvider discovers the issuer and caches the oauth2 config
func (h *Handler) initProvider(p models.OIDCProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return err
	}

	scopes := strings.Fields(p.Scopes)
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	pc := &providerConfig{
		config: oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  h.baseURL + "/api/oidc/callback",
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: p.ClientID}),
	}

	h.mu.Lock()
	h.providers[p.ID] = pc
	h.mu.Unlock()
	return nil
}

func (h *Handler) forget(providerID uint) {
	h.mu.Lock()
	delete(h.providers, providerID)
	h.mu.Unlock()
}

func (h *Handler) config(providerID uint) (*providerConfig, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.providers[providerID]
	return pc, ok
}

func (h *Handler) remember(state string, p pendingLogin) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	now := time.Now()
	for k, v := range h.pending {
		if now.After(v.Expires) {
			delete(h.pending, k)
		}
	}
	h.pending[state] = p
}

// take consumes a pending login; each state is usable once
func (h *Handler) take(state string) (pendingLogin, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	p, ok := h.pending[state]
	delete(h.pending, state)
	if !ok || time.Now().After(p.Expires) {
		return pendingLogin{}, false
	}
	return p, true
}

// safeReturnURL accepts local paths and URLs under the base URL
func (h *Handler) safeReturnURL(u string) string {
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//"):
		return u
	case h.baseURL != "" && (u == h.baseURL || strings.HasPrefix(u, h.baseURL+"/")):
		return u
	}
	return ""
}

// ProviderResponse represents an OIDC provider in API responses
type ProviderResponse struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// ListProviders returns all enabled OIDC providers (public endpoint)
func (h *Handler) ListProviders(c *gin.Context) {
	var providers []models.OIDCProvider
	h.db.Where("enabled = ?", true).Order("name").Find(&providers)

	responses := make([]ProviderResponse, len(providers))
	for i, p := range providers {
		responses[i] = ProviderResponse{ID: p.ID, Name: p.Name, Slug: p.Slug}
	}
	c.JSON(http.StatusOK, responses)
}

// AuthURLRequest represents a request for an auth URL
type AuthURLRequest struct {
	ReturnURL string `json:"return_url"`
}

// GetAuthURL returns the authorization URL for an OIDC provider
func (h *Handler) GetAuthURL(c *gin.Context) {
	var provider models.OIDCProvider
	if err := h.db.Where("slug = ? AND enabled = ?", c.Param("slug"), true).First(&provider).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	pc, ok := h.config(provider.ID)
	if !ok {
		if err := h.initProvider(provider); err != nil {
			log.WithError(err).WithField("provider", provider.Slug).Warn("oidc: provider discovery failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provider not available"})
			return
		}
		pc, _ = h.config(provider.ID)
	}

	var req AuthURLRequest
	_ = c.ShouldBindJSON(&req)

	state := randomString(32)
	nonce := randomString(32)
	h.remember(state, pendingLogin{
		ProviderID: provider.ID,
		ReturnURL:  h.safeReturnURL(req.ReturnURL),
		Nonce:      nonce,
		Expires:    time.Now().Add(stateTTL),
	})

	c.JSON(http.StatusOK, gin.H{"auth_url": pc.config.AuthCodeURL(state, oidc.Nonce(nonce))})
}

// Callback completes the authorization code flow, provisions the user and
// issues a session token.
func (h *Handler) Callback(c *gin.Context) {
	login, ok := h.take(c.Query("state"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		errorDesc := c.Query("error_description")
		if errorDesc == "" {
			errorDesc = c.Query("error")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed: " + errorDesc})
		return
	}

	pc, ok := h.config(login.ProviderID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider"})
		return
	}
	var provider models.OIDCProvider
	if err := h.db.First(&provider, login.ProviderID).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider"})
		return
	}

	ctx := c.Request.Context()
	oauth2Token, err := pc.config.Exchange(ctx, code)
	if err != nil {
		log.WithError(err).WithField("provider", provider.Slug).Warn("oidc: code exchange failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to exchange token"})
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		c.JSON(http.StatusBadGateway, gin.H{"error": "No ID token in response"})
		return
	}

	idToken, err := pc.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		log.WithError(err).WithField("provider", provider.Slug).Warn("oidc: id token rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Failed to verify ID token"})
		return
	}
	if idToken.Nonce != login.Nonce {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid nonce"})
		return
	}

	var identity Identity
	if err := idToken.Claims(&identity); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to parse claims"})
		return
	}
	identity.Subject = idToken.Subject

	user, err := Provision(h.db, h.hub, &provider, identity)
	if errors.Is(err, ErrNotProvisioned) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.WithError(err).WithField("provider", provider.Slug).Error("oidc: provisioning failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process user"})
		return
	}
	if !user.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "User account is deactivated"})
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username, string(user.SystemRole))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	auth.SetTokenCookie(c, token)

	if login.ReturnURL != "" {
		c.Redirect(http.StatusFound, login.ReturnURL)
		return
	}
	c.JSON(http.StatusOK, auth.AuthResponse{Token: token, User: auth.ToUserResponse(*user)})
}

// RegisterRoutes registers public OIDC routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/providers", h.ListProviders)
	rg.POST("/providers/:slug/auth", h.GetAuthURL)
	rg.GET("/callback", h.Callback)
}

func randomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

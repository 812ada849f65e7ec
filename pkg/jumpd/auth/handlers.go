package auth

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

var (
	// ErrUsernameTaken is returned when registering an existing username
	ErrUsernameTaken   = errors.New("username already registered")
	ErrInvalidUsername = errors.New("username can only contain letters, numbers, dots, hyphens, underscores and @")
)

// Handler handles authentication requests
type Handler struct {
	db  *gorm.DB
	hub *events.Hub
}

// NewHandler creates a new auth handler. New users are announced on hub.
func NewHandler(db *gorm.DB, hub *events.Hub) *Handler {
	return &Handler{db: db, hub: hub}
}

// RegisterRequest represents the registration request body
type RegisterRequest struct {
	Username string `json:"username" binding:"required,max=64"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"omitempty,email"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID         uint   `json:"id"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Source     string `json:"source"`
	SystemRole string `json:"system_role"`
}

// ToUserResponse renders a user for API responses
func ToUserResponse(u models.User) UserResponse {
	return UserResponse{
		ID:         u.ID,
		Username:   u.Username,
		Name:       u.Name,
		Email:      u.Email,
		Source:     u.Source,
		SystemRole: string(u.SystemRole),
	}
}

// CreateLocalUser stores a password user and announces it on hub.
func CreateLocalUser(db *gorm.DB, hub *events.Hub, username, password, name, email string, role models.SystemRole) (*models.User, error) {
	username = strings.TrimSpace(username)
	if !usernameRegex.MatchString(username) {
		return nil, ErrInvalidUsername
	}

	var existing int64
	if err := db.Model(&models.User{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrUsernameTaken
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:     username,
		Name:         strings.TrimSpace(name),
		Email:        strings.TrimSpace(email),
		PasswordHash: hash,
		Source:       models.SourceLocal,
		Active:       true,
		SystemRole:   role,
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, err
	}
	hub.UserCreated(user)
	return &user, nil
}

// SetTokenCookie stores the JWT in an HttpOnly cookie so browser navigation
// to /:name is authenticated.
func SetTokenCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TokenCookie, token, int(getTokenDuration().Seconds()), "/", "", false, true)
}

// ValidUsername reports whether s is an acceptable username
func ValidUsername(s string) bool {
	return usernameRegex.MatchString(s)
}

func (h *Handler) issue(c *gin.Context, status int, user models.User) {
	token, err := GenerateToken(user.ID, user.Username, string(user.SystemRole))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	SetTokenCookie(c, token)
	c.JSON(status, AuthResponse{Token: token, User: ToUserResponse(user)})
}

// Register handles user registration
// @Summary Register a user
// @Description Create a local account and return a session token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Request body"
// @Success 201 {object} AuthResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 409 {object} map[string]string "Username already registered"
// @Router /auth/register [post]
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := CreateLocalUser(h.db, h.hub, req.Username, req.Password, req.Name, req.Email, models.SystemRoleUser)
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "Username already registered"})
			return
		}
		if errors.Is(err, ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.WithError(err).Error("register: creating user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	h.issue(c, http.StatusCreated, *user)
}

// Login handles user login
// @Summary Log in
// @Description Authenticate with username and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Request body"
// @Success 200 {object} AuthResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 401 {object} map[string]string "Invalid credentials"
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := h.db.Where("username = ?", strings.TrimSpace(req.Username)).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	if !user.Active || !CheckPassword(req.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	h.issue(c, http.StatusOK, user)
}

// Me returns the current authenticated user
// @Summary Current user
// @Description Get the authenticated user
// @Tags auth
// @Produce json
// @Success 200 {object} UserResponse
// @Failure 401 {object} map[string]string "Not authenticated"
// @Security BearerAuth
// @Router /auth/me [get]
func (h *Handler) Me(c *gin.Context) {
	userID, exists := GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	c.JSON(http.StatusOK, ToUserResponse(user))
}

// Logout clears the token cookie; bearer tokens are discarded client-side
// @Summary Log out
// @Description Clear the session cookie
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string
// @Router /auth/logout [post]
func (h *Handler) Logout(c *gin.Context) {
	c.SetCookie(TokenCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// RegisterRoutes registers auth routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/register", h.Register)
	rg.POST("/login", h.Login)
	rg.POST("/logout", h.Logout)
	rg.GET("/me", AuthMiddleware(h.db), h.Me)
}

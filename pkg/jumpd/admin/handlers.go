package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/reconcile"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler handles admin requests
type Handler struct {
	db         *gorm.DB
	reconciler *reconcile.Reconciler
}

// NewHandler creates a new admin handler
func NewHandler(db *gorm.DB, reconciler *reconcile.Reconciler) *Handler {
	return &Handler{db: db, reconciler: reconciler}
}

// UserResponse represents user data in admin responses
type UserResponse struct {
	ID         uint   `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name"`
	Source     string `json:"source"`
	Active     bool   `json:"active"`
	SystemRole string `json:"system_role"`
	CreatedAt  string `json:"created_at"`
	JumpCount  int64  `json:"jump_count"`
	GroupCount int64  `json:"group_count"`
}

// UpdateUserRequest represents the request to update a user
type UpdateUserRequest struct {
	Name       *string `json:"name"`
	SystemRole *string `json:"system_role"`
	Active     *bool   `json:"active"`
}

// StatsResponse represents system statistics
type StatsResponse struct {
	TotalUsers       int64 `json:"total_users"`
	AdminUsers       int64 `json:"admin_users"`
	TotalGroups      int64 `json:"total_groups"`
	PublicGroups     int64 `json:"public_groups"`
	DefaultGroups    int64 `json:"default_groups"`
	TotalJumps       int64 `json:"total_jumps"`
	GlobalJumps      int64 `json:"global_jumps"`
	PersonalJumps    int64 `json:"personal_jumps"`
	GroupJumps       int64 `json:"group_jumps"`
	TotalAliases     int64 `json:"total_aliases"`
	TotalHits        int64 `json:"total_hits"`
	ActiveAPIKeys    int64 `json:"active_api_keys"`
	ReconcileRunning bool  `json:"reconcile_running"`
}

func (h *Handler) toResponse(user models.User) UserResponse {
	var jumpCount, groupCount int64
	h.db.Model(&models.Jump{}).Where("owner_id = ?", user.ID).Count(&jumpCount)
	h.db.Model(&models.GroupMembership{}).Where("user_id = ?", user.ID).Count(&groupCount)

	return UserResponse{
		ID:         user.ID,
		Username:   user.Username,
		Email:      user.Email,
		Name:       user.Name,
		Source:     user.Source,
		Active:     user.Active,
		SystemRole: string(user.SystemRole),
		CreatedAt:  user.CreatedAt.Format("2006-01-02T15:04:05Z"),
		JumpCount:  jumpCount,
		GroupCount: groupCount,
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return 0, false
	}
	return uint(id), true
}

// ListUsers returns all users (admin only)
func (h *Handler) ListUsers(c *gin.Context) {
	var users []models.User

	query := h.db.Order("created_at DESC").Order("id DESC")

	// Optional search by username, email or name
	if search := c.Query("q"); search != "" {
		like := "%" + search + "%"
		query = query.Where("username LIKE ? OR email LIKE ? OR name LIKE ?", like, like, like)
	}
	if role := c.Query("role"); role != "" {
		query = query.Where("system_role = ?", role)
	}
	if source := c.Query("source"); source != "" {
		query = query.Where("source = ?", source)
	}

	if err := query.Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}

	responses := make([]UserResponse, len(users))
	for i, user := range users {
		responses[i] = h.toResponse(user)
	}
	c.JSON(http.StatusOK, responses)
}

// GetUser returns a single user by ID (admin only)
func (h *Handler) GetUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, h.toResponse(user))
}

// UpdateUser updates a user's profile (admin only)
func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if id == currentUserID {
		if req.SystemRole != nil && *req.SystemRole != string(models.SystemRoleAdmin) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote yourself"})
			return
		}
		if req.Active != nil && !*req.Active {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot deactivate yourself"})
			return
		}
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.SystemRole != nil {
		role := models.SystemRole(*req.SystemRole)
		if role != models.SystemRoleAdmin && role != models.SystemRoleUser {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid system role"})
			return
		}
		updates["system_role"] = role
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	if len(updates) > 0 {
		if err := h.db.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
			return
		}
	}

	h.db.First(&user, id)
	c.JSON(http.StatusOK, h.toResponse(user))
}

// RemoveUser removes a user with their personal jumps, API keys, memberships
// and external identities. The row is hard-deleted so the username can be
// provisioned again.
func RemoveUser(db *gorm.DB, userID uint) error {
	return db.Transaction(func(tx *gorm.DB) error {
		personal := tx.Model(&models.Jump{}).Select("id").Where("owner_id = ?", userID)
		if err := tx.Where("jump_id IN (?)", personal).Delete(&models.Alias{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_id = ?", userID).Delete(&models.Jump{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Jump{}).Where("created_by_id = ?", userID).Update("created_by_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.APIKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.OIDCIdentity{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.User{}, userID).Error
	})
}

// DeleteUser handles DELETE /users/:id (admin only)
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if id == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete yourself"})
		return
	}

	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if err := RemoveUser(h.db, user.ID); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Error("admin: delete user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

// GetStats returns system-wide statistics (admin only)
func (h *Handler) GetStats(c *gin.Context) {
	var stats StatsResponse

	h.db.Model(&models.User{}).Count(&stats.TotalUsers)
	h.db.Model(&models.User{}).Where("system_role = ?", models.SystemRoleAdmin).Count(&stats.AdminUsers)
	h.db.Model(&models.Group{}).Count(&stats.TotalGroups)
	h.db.Model(&models.Group{}).Where("public = ?", true).Count(&stats.PublicGroups)
	h.db.Model(&models.Group{}).Where("default_for IS NOT NULL").Count(&stats.DefaultGroups)
	h.db.Model(&models.Jump{}).Count(&stats.TotalJumps)
	h.db.Model(&models.Jump{}).Where("owner_id IS NULL AND owner_group_id IS NULL").Count(&stats.GlobalJumps)
	h.db.Model(&models.Jump{}).Where("owner_id IS NOT NULL").Count(&stats.PersonalJumps)
	h.db.Model(&models.Jump{}).Where("owner_group_id IS NOT NULL").Count(&stats.GroupJumps)
	h.db.Model(&models.Alias{}).Count(&stats.TotalAliases)
	h.db.Model(&models.APIKey{}).Where("expires_at IS NULL OR expires_at > ?", time.Now()).Count(&stats.ActiveAPIKeys)

	// Sum of all hit counters
	h.db.Model(&models.Jump{}).Select("COALESCE(SUM(hits), 0)").Scan(&stats.TotalHits)

	if h.reconciler != nil {
		stats.ReconcileRunning = h.reconciler.Running()
	}
	c.JSON(http.StatusOK, stats)
}

// Reconcile runs a membership reconciliation pass and reports its result.
// A pass already in progress answers 409 with skipped=true.
func (h *Handler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reconciler not configured"})
		return
	}
	result := h.reconciler.Run(c.Request.Context())
	if result.Skipped {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers admin routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.POST("/reconcile", h.Reconcile)
	rg.GET("/users", h.ListUsers)
	rg.GET("/users/:id", h.GetUser)
	rg.PUT("/users/:id", h.UpdateUser)
	rg.DELETE("/users/:id", h.DeleteUser)
}

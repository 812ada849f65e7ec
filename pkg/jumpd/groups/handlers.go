package groups

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Trigger schedules a membership reconciliation
type Trigger interface {
	Trigger()
}

// Handler handles group-related requests
type Handler struct {
	db         *gorm.DB
	reconciler Trigger
}

// NewHandler creates a new groups handler. reconciler may be nil.
func NewHandler(db *gorm.DB, reconciler Trigger) *Handler {
	return &Handler{db: db, reconciler: reconciler}
}

// CreateGroupRequest represents the request to create a group
type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	DefaultFor  string `json:"default_for"`
}

// UpdateGroupRequest represents the request to update a group.
// An empty default_for clears the default flag.
type UpdateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Public      *bool   `json:"public"`
	DefaultFor  *string `json:"default_for"`
}

// GroupResponse represents a group in API responses
type GroupResponse struct {
	ID          uint    `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
	Public      bool    `json:"public"`
	DefaultFor  *string `json:"default_for,omitempty"`
	Role        string  `json:"role,omitempty"` // User's role in this group
	MemberCount int     `json:"member_count"`
}

func (h *Handler) toResponse(g models.Group, role models.GroupRole) GroupResponse {
	var memberCount int64
	h.db.Model(&models.GroupMembership{}).Where("group_id = ?", g.ID).Count(&memberCount)
	return GroupResponse{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Source:      g.Source,
		Public:      g.Public,
		DefaultFor:  g.DefaultFor,
		Role:        string(role),
		MemberCount: int(memberCount),
	}
}

func (h *Handler) trigger() {
	if h.reconciler != nil {
		h.reconciler.Trigger()
	}
}

func parseID(c *gin.Context, param, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return 0, false
	}
	return uint(id), true
}

// membership returns the caller's membership of a group, or nil
func (h *Handler) membership(userID, groupID uint) *models.GroupMembership {
	var m models.GroupMembership
	if err := h.db.Where("user_id = ? AND group_id = ?", userID, groupID).First(&m).Error; err != nil {
		return nil
	}
	return &m
}

// canManage reports whether the caller may edit the group: a group admin or a
// system admin.
func (h *Handler) canManage(c *gin.Context, groupID uint) bool {
	if auth.IsAdmin(c) {
		return true
	}
	userID, _ := auth.GetUserID(c)
	m := h.membership(userID, groupID)
	return m != nil && m.Role == models.GroupRoleAdmin
}

// load fetches a group the caller can see: members, system admins and
// everyone for public groups.
func (h *Handler) load(c *gin.Context) (*models.Group, *models.GroupMembership, bool) {
	groupID, ok := parseID(c, "id", "group")
	if !ok {
		return nil, nil, false
	}
	var group models.Group
	if err := h.db.First(&group, groupID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return nil, nil, false
	}
	userID, _ := auth.GetUserID(c)
	m := h.membership(userID, groupID)
	if m == nil && !group.Public && !auth.IsAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return nil, nil, false
	}
	return &group, m, true
}

func roleOf(m *models.GroupMembership) models.GroupRole {
	if m == nil {
		return ""
	}
	return m.Role
}

// List returns the groups the current user is a member of.
// System admins may pass all=true to list every group.
// @Summary List groups
// @Description List the groups the current user belongs to
// @Tags groups
// @Produce json
// @Param all query bool false "List every group (system admins only)"
// @Success 200 {array} GroupResponse
// @Failure 500 {object} map[string]string "Failed to fetch groups"
// @Security BearerAuth
// @Router /groups [get]
func (h *Handler) List(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	if c.Query("all") == "true" && auth.IsAdmin(c) {
		var groups []models.Group
		if err := h.db.Order("name").Find(&groups).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch groups"})
			return
		}
		out := make([]GroupResponse, len(groups))
		for i, g := range groups {
			out[i] = h.toResponse(g, roleOf(h.membership(userID, g.ID)))
		}
		c.JSON(http.StatusOK, out)
		return
	}

	var memberships []models.GroupMembership
	err := h.db.Joins("Group").Where("group_memberships.user_id = ?", userID).
		Order("group_memberships.group_id").Find(&memberships).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch groups"})
		return
	}

	out := make([]GroupResponse, 0, len(memberships))
	for _, m := range memberships {
		if m.Group.ID == 0 {
			continue
		}
		out = append(out, h.toResponse(m.Group, m.Role))
	}
	c.JSON(http.StatusOK, out)
}

// Create creates a new group and adds the creator as admin.
// Public and default groups can only be created by system admins.
// @Summary Create a group
// @Description Create a group with the caller as its admin
// @Tags groups
// @Accept json
// @Produce json
// @Param request body CreateGroupRequest true "Request body"
// @Success 201 {object} GroupResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 403 {object} map[string]string "Admin access required"
// @Failure 409 {object} map[string]string "Group name already exists"
// @Security BearerAuth
// @Router /groups [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, err := models.NewGroup(req.Name, models.SourceLocal, req.Public, req.DefaultFor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group.Description = req.Description
	if group.Managed() && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required for public or default groups"})
		return
	}

	var existing int64
	h.db.Model(&models.Group{}).Where("name = ?", group.Name).Count(&existing)
	if existing > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Group name already exists"})
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		return tx.Create(&models.GroupMembership{
			UserID:  userID,
			GroupID: group.ID,
			Role:    models.GroupRoleAdmin,
		}).Error
	})
	if err != nil {
		log.WithError(err).Error("groups: create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create group"})
		return
	}

	if group.Managed() {
		h.trigger()
	}
	c.JSON(http.StatusCreated, h.toResponse(*group, models.GroupRoleAdmin))
}

// Get returns a specific group
// @Summary Get a group
// @Description Get a group by ID
// @Tags groups
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {object} GroupResponse
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /groups/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	group, m, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.toResponse(*group, roleOf(m)))
}

// Update updates a group (group admin or system admin).
// Changing the public or default flags requires a system admin.
// @Summary Update a group
// @Description Update a group (group admin or system admin)
// @Tags groups
// @Accept json
// @Produce json
// @Param id path int true "Group ID"
// @Param request body UpdateGroupRequest true "Request body"
// @Success 200 {object} GroupResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 403 {object} map[string]string "Admin access required"
// @Failure 404 {object} map[string]string "Group not found"
// @Failure 409 {object} map[string]string "Group name already exists"
// @Security BearerAuth
// @Router /groups/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	group, m, ok := h.load(c)
	if !ok {
		return
	}
	if !h.canManage(c, group.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}

	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Public != nil || req.DefaultFor != nil) && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required for public or default groups"})
		return
	}

	if req.Name != nil {
		group.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		group.Description = *req.Description
	}
	if req.Public != nil {
		group.Public = *req.Public
	}
	if req.DefaultFor != nil {
		if v := strings.TrimSpace(*req.DefaultFor); v != "" {
			group.DefaultFor = &v
		} else {
			group.DefaultFor = nil
		}
	}
	if err := group.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var clash int64
	h.db.Model(&models.Group{}).Where("name = ? AND id <> ?", group.Name, group.ID).Count(&clash)
	if clash > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Group name already exists"})
		return
	}

	// Select lists the columns so zero values (public=false, default_for=NULL) are written.
	err := h.db.Model(group).Select("name", "description", "public", "default_for").Updates(group).Error
	if err != nil {
		if errors.Is(err, models.ErrPublicDefaultConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update group"})
		return
	}

	if group.Managed() && (req.Public != nil || req.DefaultFor != nil) {
		h.trigger()
	}
	c.JSON(http.StatusOK, h.toResponse(*group, roleOf(m)))
}

// Delete deletes a group together with its memberships and group jumps
// @Summary Delete a group
// @Description Delete a group, its memberships and its jumps
// @Tags groups
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string "Admin access required"
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /groups/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	group, _, ok := h.load(c)
	if !ok {
		return
	}
	if !h.canManage(c, group.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&models.Jump{}).Select("id").Where("owner_group_id = ?", group.ID)
		if err := tx.Where("jump_id IN (?)", owned).Delete(&models.Alias{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_group_id = ?", group.ID).Delete(&models.Jump{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", group.ID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.Group{}, group.ID).Error
	})
	if err != nil {
		log.WithError(err).WithField("group_id", group.ID).Error("groups: delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete group"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Group deleted"})
}

// RegisterRoutes registers group routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.GET("/:id", h.Get)
	rg.PUT("/:id", h.Update)
	rg.DELETE("/:id", h.Delete)
}

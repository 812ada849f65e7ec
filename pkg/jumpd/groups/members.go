package groups

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
)

// MemberResponse represents a group member in API responses
type MemberResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

// AddMemberRequest represents a request to add a member
type AddMemberRequest struct {
	Username string `json:"username" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=admin member"`
}

// UpdateMemberRequest represents a request to update a member's role
type UpdateMemberRequest struct {
	Role string `json:"role" binding:"required,oneof=admin member"`
}

func toMemberResponse(u models.User, role models.GroupRole) MemberResponse {
	return MemberResponse{ID: u.ID, Username: u.Username, Name: u.Name, Email: u.Email, Role: string(role)}
}

// editable loads a group whose membership the caller may change by hand.
// Public and default groups are maintained by the reconciler only.
func (h *Handler) editable(c *gin.Context) (*models.Group, bool) {
	group, _, ok := h.load(c)
	if !ok {
		return nil, false
	}
	if !h.canManage(c, group.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return nil, false
	}
	if group.Managed() {
		c.JSON(http.StatusConflict, gin.H{"error": "Membership of public and default groups is managed automatically"})
		return nil, false
	}
	return group, true
}

// ListMembers returns all members of a group
func (h *Handler) ListMembers(c *gin.Context) {
	group, _, ok := h.load(c)
	if !ok {
		return
	}

	var memberships []models.GroupMembership
	if err := h.db.Preload("User").Where("group_id = ?", group.ID).Order("user_id").Find(&memberships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch members"})
		return
	}

	members := make([]MemberResponse, len(memberships))
	for i, m := range memberships {
		members[i] = toMemberResponse(m.User, m.Role)
	}
	c.JSON(http.StatusOK, members)
}

// AddMember adds a user to a group (group admin only)
func (h *Handler) AddMember(c *gin.Context) {
	group, ok := h.editable(c)
	if !ok {
		return
	}

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var target models.User
	if err := h.db.Where("username = ?", req.Username).First(&target).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if h.membership(target.ID, group.ID) != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User is already a member"})
		return
	}

	membership := models.GroupMembership{
		UserID:  target.ID,
		GroupID: group.ID,
		Role:    models.GroupRole(req.Role),
	}
	if err := h.db.Create(&membership).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member"})
		return
	}

	c.JSON(http.StatusCreated, toMemberResponse(target, membership.Role))
}

// UpdateMember updates a member's role (group admin only)
func (h *Handler) UpdateMember(c *gin.Context) {
	group, ok := h.editable(c)
	if !ok {
		return
	}
	memberID, ok := parseID(c, "userId", "user")
	if !ok {
		return
	}

	var req UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var membership models.GroupMembership
	if err := h.db.Preload("User").Where("user_id = ? AND group_id = ?", memberID, group.ID).First(&membership).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}

	if membership.Role == models.GroupRoleAdmin && req.Role != string(models.GroupRoleAdmin) && h.adminCount(group.ID) <= 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote the last admin"})
		return
	}

	if err := h.db.Model(&membership).Update("role", req.Role).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update member"})
		return
	}

	c.JSON(http.StatusOK, toMemberResponse(membership.User, models.GroupRole(req.Role)))
}

// RemoveMember removes a user from a group (group admin only)
func (h *Handler) RemoveMember(c *gin.Context) {
	group, ok := h.editable(c)
	if !ok {
		return
	}
	memberID, ok := parseID(c, "userId", "user")
	if !ok {
		return
	}

	m := h.membership(memberID, group.ID)
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}
	if m.Role == models.GroupRoleAdmin && h.adminCount(group.ID) <= 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot remove the last admin"})
		return
	}

	if err := h.db.Delete(m).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove member"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Member removed"})
}

func (h *Handler) adminCount(groupID uint) int64 {
	var n int64
	h.db.Model(&models.GroupMembership{}).Where("group_id = ? AND role = ?", groupID, models.GroupRoleAdmin).Count(&n)
	return n
}

// RegisterMemberRoutes registers member management routes
func (h *Handler) RegisterMemberRoutes(rg *gin.RouterGroup) {
	rg.GET("/:id/members", h.ListMembers)
	rg.POST("/:id/members", h.AddMember)
	rg.PUT("/:id/members/:userId", h.UpdateMember)
	rg.DELETE("/:id/members/:userId", h.RemoveMember)
}

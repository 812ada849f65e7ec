package jumps

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/lookup"
	"github.com/mikepea/jumpd/pkg/jumpd/matcher"
	"github.com/mikepea/jumpd/pkg/jumpd/metadata"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/visibility"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var nameRegex = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)

// Names that would shadow server routes.
var reserved = []string{"api", "health", "admin", "login", "logout", "register", "auth", "jump", "scim", "swagger"}

const (
	OwnerGlobal = "global"
	OwnerMe     = "me"
)

// Handler handles jump-related requests
type Handler struct {
	db        *gorm.DB
	svc       *lookup.Service
	refresher *metadata.Refresher
}

// NewHandler creates a new jumps handler. refresher may be nil.
func NewHandler(db *gorm.DB, svc *lookup.Service, refresher *metadata.Refresher) *Handler {
	return &Handler{db: db, svc: svc, refresher: refresher}
}

// CreateJumpRequest represents the request to create a jump.
// Owner is "me" (default) or "global"; GroupID makes it a group jump.
type CreateJumpRequest struct {
	Name     string   `json:"name" binding:"required,max=100"`
	Location string   `json:"location" binding:"required,url"`
	Title    string   `json:"title"`
	Owner    string   `json:"owner" binding:"omitempty,oneof=global me"`
	GroupID  *uint    `json:"group_id"`
	Aliases  []string `json:"aliases"`
}

// UpdateJumpRequest represents the request to update a jump
type UpdateJumpRequest struct {
	Name     string  `json:"name" binding:"omitempty,max=100"`
	Location string  `json:"location" binding:"omitempty,url"`
	Title    *string `json:"title"`
}

// AliasRequest names an alias to add
type AliasRequest struct {
	Name string `json:"name" binding:"required,max=100"`
}

// AliasResponse is an alias in API responses
type AliasResponse struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// JumpResponse represents a jump in API responses
type JumpResponse struct {
	ID           uint            `json:"id"`
	Name         string          `json:"name"`
	Location     string          `json:"location"`
	Title        string          `json:"title"`
	Icon         string          `json:"icon"`
	Scope        string          `json:"scope"`
	OwnerID      *uint           `json:"owner_id"`
	OwnerGroupID *uint           `json:"owner_group_id"`
	Hits         uint64          `json:"hits"`
	Aliases      []AliasResponse `json:"aliases"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// ToResponse renders a jump with whatever aliases are loaded
func ToResponse(j models.Jump) JumpResponse {
	aliases := make([]AliasResponse, len(j.Aliases))
	for i, a := range j.Aliases {
		aliases[i] = AliasResponse{ID: a.ID, Name: a.Name}
	}
	return JumpResponse{
		ID:           j.ID,
		Name:         j.Name,
		Location:     j.Location,
		Title:        j.Title,
		Icon:         j.Icon,
		Scope:        string(j.Scope()),
		OwnerID:      j.OwnerID,
		OwnerGroupID: j.OwnerGroupID,
		Hits:         j.Hits,
		Aliases:      aliases,
		CreatedAt:    j.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:    j.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateName normalises a jump or alias name and checks it is usable.
// Names are not unique: the same name in several visible scopes is resolved
// by disambiguation.
func ValidateName(name string) (string, error) {
	name = matcher.Normalize(name)
	if name == "" {
		return "", &ValidationError{"Name is required"}
	}
	if !nameRegex.MatchString(name) {
		return "", &ValidationError{"Name must contain only letters, numbers, dots, hyphens, and underscores"}
	}
	if _, err := strconv.ParseUint(name, 10, 64); err == nil {
		return "", &ValidationError{"Name cannot be purely numeric"}
	}
	for _, r := range reserved {
		if strings.EqualFold(name, r) {
			return "", &ValidationError{"This name is reserved"}
		}
	}
	return name, nil
}

// CanEdit reports whether the requester may change a jump they can see:
// its personal owner, a member of its owning group, or a system admin.
func CanEdit(access visibility.Access, j *models.Jump, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	if access.UserID == nil {
		return false
	}
	switch j.Scope() {
	case models.ScopePersonal:
		return *j.OwnerID == *access.UserID
	case models.ScopeGroup:
		return access.IsMember(*j.OwnerGroupID)
	default:
		return false
	}
}

func (h *Handler) snapshot(c *gin.Context) (visibility.Access, bool) {
	access, err := h.svc.Resolver().Snapshot(c.Request.Context(), auth.Requester(c))
	if err != nil {
		log.WithError(err).Error("jumps: reading membership failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jumps"})
		return visibility.Access{}, false
	}
	return access, true
}

// load finds a visible jump by the :id param, answering 404 otherwise
func (h *Handler) load(c *gin.Context, access visibility.Access) (*models.Jump, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid jump ID"})
		return nil, false
	}
	var jump models.Jump
	if err := h.db.Preload("Aliases").First(&jump, id).Error; err != nil || !access.CanSee(&jump) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Jump not found"})
		return nil, false
	}
	return &jump, true
}

// List returns the requester's visible jumps
// @Summary List jumps
// @Description List jumps visible to the requester
// @Tags jumps
// @Produce json
// @Param q query string false "Substring filter on name or location"
// @Param scope query string false "global, personal or group"
// @Param group_id query int false "Owning group ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} JumpResponse
// @Failure 500 {object} map[string]string "Failed to fetch jumps"
// @Security BearerAuth
// @Router /jumps [get]
func (h *Handler) List(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}

	query := h.svc.Resolver().Query(c.Request.Context(), access).Preload("Aliases").Order("jumps.name, jumps.id")

	if q := c.Query("q"); q != "" {
		term := "%" + q + "%"
		query = query.Where("jumps.name LIKE ? OR jumps.title LIKE ? OR jumps.location LIKE ?", term, term, term)
	}
	switch models.JumpScope(c.Query("scope")) {
	case models.ScopeGlobal:
		query = query.Where("jumps.owner_id IS NULL AND jumps.owner_group_id IS NULL")
	case models.ScopePersonal:
		query = query.Where("jumps.owner_id IS NOT NULL")
	case models.ScopeGroup:
		query = query.Where("jumps.owner_group_id IS NOT NULL")
	}
	if groupID := c.Query("group_id"); groupID != "" {
		query = query.Where("jumps.owner_group_id = ?", groupID)
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	var jumps []models.Jump
	if err := query.Limit(limit).Offset(offset).Find(&jumps).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jumps"})
		return
	}

	responses := make([]JumpResponse, len(jumps))
	for i, j := range jumps {
		responses[i] = ToResponse(j)
	}
	c.JSON(http.StatusOK, responses)
}

// Create creates a new jump
// @Summary Create a jump
// @Description Create a global, personal or group jump
// @Tags jumps
// @Accept json
// @Produce json
// @Param request body CreateJumpRequest true "Request body"
// @Success 201 {object} JumpResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 403 {object} map[string]string "Not allowed"
// @Failure 404 {object} map[string]string "Group not found"
// @Security BearerAuth
// @Router /jumps [post]
func (h *Handler) Create(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req CreateJumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name, err := ValidateName(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	aliases, err := validateAliases(req.Aliases)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jump := models.Jump{
		Name:        name,
		Location:    strings.TrimSpace(req.Location),
		Title:       strings.TrimSpace(req.Title),
		CreatedByID: &userID,
		Aliases:     aliases,
	}

	switch {
	case req.GroupID != nil:
		access, ok := h.snapshot(c)
		if !ok {
			return
		}
		if !access.IsMember(*req.GroupID) && !auth.IsAdmin(c) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		var group models.Group
		if err := h.db.First(&group, *req.GroupID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		jump.OwnerGroupID = &group.ID
	case req.Owner == OwnerGlobal:
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only administrators can create global jumps"})
			return
		}
	default:
		jump.OwnerID = &userID
	}

	if err := h.db.Create(&jump).Error; err != nil {
		log.WithError(err).Error("jumps: create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create jump"})
		return
	}

	h.refresher.Refresh(jump.ID, jump.Location)
	c.JSON(http.StatusCreated, ToResponse(jump))
}

func validateAliases(names []string) ([]models.Alias, error) {
	aliases := make([]models.Alias, 0, len(names))
	for _, n := range names {
		name, err := ValidateName(n)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, models.Alias{Name: name})
	}
	return aliases, nil
}

// Get returns a visible jump
// @Summary Get a jump
// @Description Get a visible jump by ID
// @Tags jumps
// @Produce json
// @Param id path int true "Jump ID"
// @Success 200 {object} JumpResponse
// @Failure 400 {object} map[string]string "Invalid jump ID"
// @Failure 404 {object} map[string]string "Jump not found"
// @Security BearerAuth
// @Router /jumps/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}
	jump, ok := h.load(c, access)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ToResponse(*jump))
}

// Update updates a jump
// @Summary Update a jump
// @Description Change the name, location or title of a jump
// @Tags jumps
// @Accept json
// @Produce json
// @Param id path int true "Jump ID"
// @Param request body UpdateJumpRequest true "Request body"
// @Success 200 {object} JumpResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 403 {object} map[string]string "Not allowed"
// @Failure 404 {object} map[string]string "Jump not found"
// @Security BearerAuth
// @Router /jumps/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}
	jump, ok := h.load(c, access)
	if !ok {
		return
	}
	if !CanEdit(access, jump, auth.IsAdmin(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You cannot edit this jump"})
		return
	}

	var req UpdateJumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		name, err := ValidateName(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["name"] = name
	}
	locationChanged := false
	if loc := strings.TrimSpace(req.Location); loc != "" && loc != jump.Location {
		updates["location"] = loc
		// A new location gets fresh metadata.
		updates["icon"] = ""
		if req.Title == nil {
			updates["title"] = ""
		}
		locationChanged = true
	}
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}

	if len(updates) > 0 {
		if err := h.db.Model(&models.Jump{}).Where("id = ?", jump.ID).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update jump"})
			return
		}
	}
	if err := h.db.Preload("Aliases").First(jump, jump.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update jump"})
		return
	}
	if locationChanged {
		h.refresher.Refresh(jump.ID, jump.Location)
	}
	c.JSON(http.StatusOK, ToResponse(*jump))
}

// DeleteJump removes a jump and its aliases in one transaction
func DeleteJump(db *gorm.DB, id uint) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("jump_id = ?", id).Delete(&models.Alias{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Jump{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// Delete deletes a jump
// @Summary Delete a jump
// @Description Delete a jump and its aliases
// @Tags jumps
// @Produce json
// @Param id path int true "Jump ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string "Not allowed"
// @Failure 404 {object} map[string]string "Jump not found"
// @Security BearerAuth
// @Router /jumps/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}
	jump, ok := h.load(c, access)
	if !ok {
		return
	}
	if !CanEdit(access, jump, auth.IsAdmin(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You cannot delete this jump"})
		return
	}

	if err := DeleteJump(h.db, jump.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Jump not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete jump"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Jump deleted"})
}

// AddAlias adds an alternate name to a jump
// @Summary Add an alias
// @Description Add an alternate name to a jump
// @Tags jumps
// @Accept json
// @Produce json
// @Param id path int true "Jump ID"
// @Param request body AliasRequest true "Request body"
// @Success 201 {object} AliasResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 403 {object} map[string]string "Not allowed"
// @Failure 409 {object} map[string]string "Alias already exists"
// @Security BearerAuth
// @Router /jumps/{id}/aliases [post]
func (h *Handler) AddAlias(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}
	jump, ok := h.load(c, access)
	if !ok {
		return
	}
	if !CanEdit(access, jump, auth.IsAdmin(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You cannot edit this jump"})
		return
	}

	var req AliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name, err := ValidateName(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	equal := h.svc.Matcher().Equal
	for _, a := range jump.Aliases {
		if equal(a.Name, name) {
			c.JSON(http.StatusConflict, gin.H{"error": "Alias already exists"})
			return
		}
	}

	alias := models.Alias{Name: name, JumpID: jump.ID}
	if err := h.db.Create(&alias).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add alias"})
		return
	}
	c.JSON(http.StatusCreated, AliasResponse{ID: alias.ID, Name: alias.Name})
}

// RemoveAlias deletes an alias from a jump
// @Summary Remove an alias
// @Description Delete an alias from a jump
// @Tags jumps
// @Produce json
// @Param id path int true "Jump ID"
// @Param aliasId path int true "Alias ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string "Not allowed"
// @Failure 404 {object} map[string]string "Alias not found"
// @Security BearerAuth
// @Router /jumps/{id}/aliases/{aliasId} [delete]
func (h *Handler) RemoveAlias(c *gin.Context) {
	access, ok := h.snapshot(c)
	if !ok {
		return
	}
	jump, ok := h.load(c, access)
	if !ok {
		return
	}
	if !CanEdit(access, jump, auth.IsAdmin(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You cannot edit this jump"})
		return
	}

	aliasID, err := strconv.ParseUint(c.Param("aliasId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alias ID"})
		return
	}
	res := h.db.Where("id = ? AND jump_id = ?", aliasID, jump.ID).Delete(&models.Alias{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove alias"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alias not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alias removed"})
}

// ListByGroup returns the jumps a group owns, when the requester can see them
// @Summary List jumps in a group
// @Description List the jumps a group owns
// @Tags jumps
// @Produce json
// @Param id path int true "Group ID"
// @Success 200 {array} JumpResponse
// @Failure 400 {object} map[string]string "Invalid group ID"
// @Security BearerAuth
// @Router /groups/{id}/jumps [get]
func (h *Handler) ListByGroup(c *gin.Context) {
	groupID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
		return
	}
	access, ok := h.snapshot(c)
	if !ok {
		return
	}

	var jumps []models.Jump
	if err := h.svc.Resolver().Query(c.Request.Context(), access).
		Preload("Aliases").
		Where("jumps.owner_group_id = ?", groupID).
		Order("jumps.name, jumps.id").
		Find(&jumps).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jumps"})
		return
	}

	responses := make([]JumpResponse, len(jumps))
	for i, j := range jumps {
		responses[i] = ToResponse(j)
	}
	c.JSON(http.StatusOK, responses)
}

// RegisterRoutes registers jump routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/jumps", h.List)
	rg.POST("/jumps", h.Create)
	rg.GET("/jumps/:id", h.Get)
	rg.PUT("/jumps/:id", h.Update)
	rg.DELETE("/jumps/:id", h.Delete)
	rg.POST("/jumps/:id/aliases", h.AddAlias)
	rg.DELETE("/jumps/:id/aliases/:aliasId", h.RemoveAlias)
	rg.GET("/groups/:id/jumps", h.ListByGroup)
}

package scim

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/admin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxResults = 1000

// filterRegex matches the single-attribute equality filters IdPs send
// before provisioning, e.g. userName eq "alice".
var filterRegex = regexp.MustCompile(`(?i)^\s*(userName|externalId)\s+eq\s+"([^"]*)"\s*$`)

// UserHandler handles SCIM User operations
type UserHandler struct {
	db      *gorm.DB
	hub     *events.Hub
	baseURL string
}

// NewUserHandler creates a new SCIM User handler
func NewUserHandler(db *gorm.DB, hub *events.Hub, baseURL string) *UserHandler {
	return &UserHandler{db: db, hub: hub, baseURL: strings.TrimRight(baseURL, "/")}
}

func writeError(c *gin.Context, status int, detail, scimType string) {
	c.JSON(status, ErrorResponse{
		Schemas:  []string{SchemaError},
		Detail:   detail,
		Status:   strconv.Itoa(status),
		ScimType: scimType,
	})
}

// userToSCIM converts a models.User to a SCIM User
func (h *UserHandler) userToSCIM(user *models.User) User {
	emails := []Email{}
	if user.Email != "" {
		emails = append(emails, Email{Value: user.Email, Type: "work", Primary: true})
	}

	created := user.CreatedAt
	updated := user.UpdatedAt

	return User{
		Schemas:    []string{SchemaUser},
		ID:         strconv.FormatUint(uint64(user.ID), 10),
		ExternalID: user.ExternalID,
		Meta: Meta{
			ResourceType: "User",
			Created:      &created,
			LastModified: &updated,
			Location:     fmt.Sprintf("%s/scim/v2/Users/%d", h.baseURL, user.ID),
		},
		UserName:    user.Username,
		DisplayName: user.Name,
		Name:        Name{Formatted: user.Name},
		Emails:      emails,
		Active:      user.Active,
	}
}

// load finds a user by the :id path parameter, answering SCIM errors itself
func (h *UserHandler) load(c *gin.Context) (*models.User, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		writeError(c, http.StatusNotFound, "User not found", "")
		return nil, false
	}
	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		writeError(c, http.StatusNotFound, "User not found", "")
		return nil, false
	}
	return &user, true
}

// ListUsers returns users (GET /scim/v2/Users)
func (h *UserHandler) ListUsers(c *gin.Context) {
	startIndex, _ := strconv.Atoi(c.DefaultQuery("startIndex", "1"))
	count, _ := strconv.Atoi(c.DefaultQuery("count", "100"))
	if startIndex < 1 {
		startIndex = 1
	}
	if count < 0 {
		count = 0
	}
	if count > maxResults {
		count = maxResults
	}

	query := h.db.Model(&models.User{})
	if filter := c.Query("filter"); filter != "" {
		m := filterRegex.FindStringSubmatch(filter)
		if m == nil {
			writeError(c, http.StatusBadRequest, "Unsupported filter", "invalidFilter")
			return
		}
		if strings.EqualFold(m[1], "userName") {
			query = query.Where("username = ?", m[2])
		} else {
			query = query.Where("external_id = ?", m[2])
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to list users", "")
		return
	}

	var users []models.User
	if count > 0 {
		if err := query.Order("id").Offset(startIndex - 1).Limit(count).Find(&users).Error; err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to list users", "")
			return
		}
	}

	resources := make([]User, len(users))
	for i := range users {
		resources[i] = h.userToSCIM(&users[i])
	}

	c.JSON(http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: int(total),
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// GetUser returns a single user (GET /scim/v2/Users/:id)
func (h *UserHandler) GetUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.userToSCIM(user))
}

// CreateUserRequest represents a SCIM user creation request
type CreateUserRequest struct {
	Schemas     []string `json:"schemas"`
	ExternalID  string   `json:"externalId"`
	UserName    string   `json:"userName"`
	Name        Name     `json:"name"`
	DisplayName string   `json:"displayName"`
	Emails      []Email  `json:"emails"`
	Active      *bool    `json:"active"`
}

func (r CreateUserRequest) email() string {
	email := ""
	for _, e := range r.Emails {
		if e.Primary || email == "" {
			email = e.Value
		}
	}
	if email == "" && strings.Contains(r.UserName, "@") {
		email = r.UserName
	}
	return strings.TrimSpace(email)
}

func (r CreateUserRequest) displayName() string {
	for _, name := range []string{r.DisplayName, r.Name.Formatted, r.Name.GivenName + " " + r.Name.FamilyName} {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return strings.Split(r.UserName, "@")[0]
}

// CreateUser provisions a user with source scim (POST /scim/v2/Users)
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "invalidSyntax")
		return
	}

	req.UserName = strings.TrimSpace(req.UserName)
	if req.UserName == "" {
		writeError(c, http.StatusBadRequest, "userName is required", "invalidValue")
		return
	}
	if !auth.ValidUsername(req.UserName) {
		writeError(c, http.StatusBadRequest, auth.ErrInvalidUsername.Error(), "invalidValue")
		return
	}

	var existing int64
	h.db.Model(&models.User{}).Where("username = ?", req.UserName).Count(&existing)
	if existing > 0 {
		writeError(c, http.StatusConflict, "User with this userName already exists", "uniqueness")
		return
	}

	active := req.Active == nil || *req.Active
	user := models.User{
		Username:   req.UserName,
		ExternalID: req.ExternalID,
		Email:      req.email(),
		Name:       req.displayName(),
		Source:     models.SourceSCIM,
		Active:     true,
		SystemRole: models.SystemRoleUser,
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if !active {
			// active defaults to true in the schema, so false is written separately
			user.Active = false
			return tx.Model(&user).Update("active", false).Error
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("username", req.UserName).Error("scim: create user failed")
		writeError(c, http.StatusInternalServerError, "Failed to create user", "")
		return
	}

	log.WithFields(log.Fields{"user_id": user.ID, "username": user.Username}).Info("scim: provisioned user")
	h.hub.UserCreated(user)
	c.JSON(http.StatusCreated, h.userToSCIM(&user))
}

// errImmutable is returned when a PATCH tries to change userName
var errImmutable = errors.New("userName cannot be changed")

// applyPatch folds one PATCH operation into a column update map.
// Only active, displayName, externalId and emails are mutable.
func applyPatch(updates map[string]interface{}, op PatchOperation) error {
	path := strings.ToLower(op.Path)
	remove := strings.EqualFold(op.Op, "remove")

	if path == "" {
		attrs, ok := op.Value.(map[string]interface{})
		if !ok {
			return errors.New("value must be an object when path is omitted")
		}
		for k, v := range attrs {
			if err := applyPatch(updates, PatchOperation{Op: op.Op, Path: k, Value: v}); err != nil {
				return err
			}
		}
		return nil
	}

	switch path {
	case "active":
		v, ok := op.Value.(bool)
		if !ok {
			// Some IdPs send "False" as a string.
			s, isString := op.Value.(string)
			b, err := strconv.ParseBool(s)
			if !isString || err != nil {
				return errors.New("active must be a boolean")
			}
			v = b
		}
		updates["active"] = v
	case "displayname", "name.formatted":
		v, _ := op.Value.(string)
		if remove || v == "" {
			return nil
		}
		updates["name"] = v
	case "externalid":
		v, _ := op.Value.(string)
		if remove {
			v = ""
		}
		updates["external_id"] = v
	case "emails", `emails[type eq "work"].value`:
		if remove {
			updates["email"] = ""
			return nil
		}
		switch v := op.Value.(type) {
		case string:
			updates["email"] = v
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					if value, ok := m["value"].(string); ok {
						updates["email"] = value
						if primary, _ := m["primary"].(bool); primary {
							break
						}
					}
				}
			}
		}
	case "username":
		return errImmutable
	}
	return nil
}

// PatchUser updates mutable attributes, most often active=false to
// deprovision (PATCH /scim/v2/Users/:id)
func (h *UserHandler) PatchUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}

	var patch PatchOp
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "invalidSyntax")
		return
	}

	updates := make(map[string]interface{})
	for _, op := range patch.Operations {
		if err := applyPatch(updates, op); err != nil {
			scimType := "invalidValue"
			if errors.Is(err, errImmutable) {
				scimType = "mutability"
			}
			writeError(c, http.StatusBadRequest, err.Error(), scimType)
			return
		}
	}

	if len(updates) > 0 {
		if err := h.db.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update user", "")
			return
		}
		h.db.First(user, user.ID)
	}

	c.JSON(http.StatusOK, h.userToSCIM(user))
}

// DeleteUser deletes a user and everything they own (DELETE /scim/v2/Users/:id)
func (h *UserHandler) DeleteUser(c *gin.Context) {
	user, ok := h.load(c)
	if !ok {
		return
	}

	if err := admin.RemoveUser(h.db, user.ID); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Error("scim: delete user failed")
		writeError(c, http.StatusInternalServerError, "Failed to delete user", "")
		return
	}

	c.Status(http.StatusNoContent)
}

// GetServiceProviderConfig describes what this SCIM endpoint supports
func (h *UserHandler) GetServiceProviderConfig(c *gin.Context) {
	c.JSON(http.StatusOK, ServiceProviderConfig{
		Schemas:        []string{SchemaServiceProvider},
		Patch:          SupportedConfig{Supported: true},
		Bulk:           BulkConfig{},
		Filter:         FilterConfig{Supported: true, MaxResults: maxResults},
		ChangePassword: SupportedConfig{},
		Sort:           SupportedConfig{},
		Etag:           SupportedConfig{},
		AuthenticationSchemes: []AuthenticationScheme{{
			Type:        "oauthbearertoken",
			Name:        "OAuth Bearer Token",
			Description: "Authentication scheme using the OAuth Bearer Token Standard",
			SpecURI:     "https://www.rfc-editor.org/info/rfc6750",
			Primary:     true,
		}},
		Meta: Meta{
			ResourceType: "ServiceProviderConfig",
			Location:     h.baseURL + "/scim/v2/ServiceProviderConfig",
		},
	})
}

// GetResourceTypes lists the supported resource types
func (h *UserHandler) GetResourceTypes(c *gin.Context) {
	c.JSON(http.StatusOK, []ResourceType{{
		Schemas:     []string{SchemaResourceType},
		ID:          "User",
		Name:        "User",
		Endpoint:    "/Users",
		Description: "User Account",
		Schema:      SchemaUser,
		Meta: Meta{
			ResourceType: "ResourceType",
			Location:     h.baseURL + "/scim/v2/ResourceTypes/User",
		},
	}})
}

// RegisterRoutes registers SCIM routes
func (h *UserHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ServiceProviderConfig", h.GetServiceProviderConfig)
	rg.GET("/ResourceTypes", h.GetResourceTypes)
	rg.GET("/Users", h.ListUsers)
	rg.GET("/Users/:id", h.GetUser)
	rg.POST("/Users", h.CreateUser)
	rg.PATCH("/Users/:id", h.PatchUser)
	rg.DELETE("/Users/:id", h.DeleteUser)
}

package importexport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/jumps"
	"github.com/mikepea/jumpd/pkg/jumpd/lookup"
	"github.com/mikepea/jumpd/pkg/jumpd/metadata"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler handles import/export requests
type Handler struct {
	db        *gorm.DB
	svc       *lookup.Service
	refresher *metadata.Refresher
}

// NewHandler creates a new import/export handler. refresher may be nil.
func NewHandler(db *gorm.DB, svc *lookup.Service, refresher *metadata.Refresher) *Handler {
	return &Handler{db: db, svc: svc, refresher: refresher}
}

// ExportJump is one jump in an export document
type ExportJump struct {
	Name     string   `json:"name"`
	Location string   `json:"location"`
	Title    string   `json:"title,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	Scope    string   `json:"scope"`
	Group    string   `json:"group,omitempty"`
	Hits     uint64   `json:"hits"`
	Time     string   `json:"time"`
}

// ImportJump is one jump to import. Scope, group and hits from an export
// document are ignored: every entry lands in the import target.
type ImportJump struct {
	Name     string   `json:"name" binding:"required,max=100"`
	Location string   `json:"location" binding:"required,url"`
	Title    string   `json:"title"`
	Aliases  []string `json:"aliases"`
}

// ImportRequest represents an import request. Without GroupID the jumps
// become personal jumps of the caller.
type ImportRequest struct {
	GroupID *uint        `json:"group_id"`
	Jumps   []ImportJump `json:"jumps" binding:"required"`
}

// ImportResult represents the result of an import operation
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func toExport(j models.Jump, groupNames map[uint]string) ExportJump {
	aliases := make([]string, len(j.Aliases))
	for i, a := range j.Aliases {
		aliases[i] = a.Name
	}
	e := ExportJump{
		Name:     j.Name,
		Location: j.Location,
		Title:    j.Title,
		Aliases:  aliases,
		Scope:    string(j.Scope()),
		Hits:     j.Hits,
		Time:     j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.OwnerGroupID != nil {
		e.Group = groupNames[*j.OwnerGroupID]
	}
	return e
}

// Export returns every jump the caller can see, optionally narrowed by
// scope or owning group.
func (h *Handler) Export(c *gin.Context) {
	ctx := c.Request.Context()
	access, err := h.svc.Resolver().Snapshot(ctx, auth.Requester(c))
	if err != nil {
		log.WithError(err).Error("export: reading membership failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jumps"})
		return
	}

	query := h.svc.Resolver().Query(ctx, access).Preload("Aliases").Order("jumps.name, jumps.id")
	switch scope := models.JumpScope(c.Query("scope")); scope {
	case "":
	case models.ScopeGlobal:
		query = query.Where("jumps.owner_id IS NULL AND jumps.owner_group_id IS NULL")
	case models.ScopePersonal:
		query = query.Where("jumps.owner_id IS NOT NULL")
	case models.ScopeGroup:
		query = query.Where("jumps.owner_group_id IS NOT NULL")
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scope"})
		return
	}
	if s := c.Query("group_id"); s != "" {
		groupID, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group ID"})
			return
		}
		query = query.Where("jumps.owner_group_id = ?", groupID)
	}

	var found []models.Jump
	if err := query.Find(&found).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch jumps"})
		return
	}

	groupNames := map[uint]string{}
	if ids := access.GroupIDs(); len(ids) > 0 {
		var groups []models.Group
		h.db.Select("id", "name").Where("id IN ?", ids).Find(&groups)
		for _, g := range groups {
			groupNames[g.ID] = g.Name
		}
	}

	out := make([]ExportJump, len(found))
	for i, j := range found {
		out[i] = toExport(j, groupNames)
	}

	if c.Query("download") == "true" {
		c.Header("Content-Disposition", "attachment; filename=jumpd-export.json")
	}
	c.JSON(http.StatusOK, out)
}

// Import creates jumps in the caller's personal scope or in a group they
// belong to. Entries that fail validation or whose name already exists in
// the target scope are skipped and reported.
func (h *Handler) Import(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scoped := h.db.Model(&models.Jump{})
	if req.GroupID != nil {
		access, err := h.svc.Resolver().Snapshot(c.Request.Context(), &userID)
		if err != nil {
			log.WithError(err).Error("import: reading membership failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import"})
			return
		}
		var group models.Group
		if (!access.IsMember(*req.GroupID) && !auth.IsAdmin(c)) || h.db.First(&group, *req.GroupID).Error != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
			return
		}
		scoped = scoped.Where("owner_group_id = ?", group.ID)
	} else {
		scoped = scoped.Where("owner_id = ?", userID)
	}

	var existing []string
	if err := scoped.Pluck("name", &existing).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import"})
		return
	}
	key := h.svc.Matcher().Key
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[key(n)] = true
	}

	result := ImportResult{Errors: []string{}}
	skip := func(i int, msg string) {
		result.Errors = append(result.Errors, "jump "+strconv.Itoa(i)+": "+msg)
		result.Skipped++
	}

	for i, item := range req.Jumps {
		if err := binding.Validator.ValidateStruct(&item); err != nil {
			skip(i, err.Error())
			continue
		}
		name, err := jumps.ValidateName(item.Name)
		if err != nil {
			skip(i, err.Error())
			continue
		}
		if taken[key(name)] {
			skip(i, name+" already exists")
			continue
		}
		aliases := make([]models.Alias, 0, len(item.Aliases))
		for _, a := range item.Aliases {
			aliasName, err := jumps.ValidateName(a)
			if err != nil {
				result.Errors = append(result.Errors, "jump "+strconv.Itoa(i)+": alias "+strconv.Quote(a)+" dropped: "+err.Error())
				continue
			}
			aliases = append(aliases, models.Alias{Name: aliasName})
		}

		jump := models.Jump{
			Name:        name,
			Location:    strings.TrimSpace(item.Location),
			Title:       strings.TrimSpace(item.Title),
			CreatedByID: &userID,
			Aliases:     aliases,
		}
		if req.GroupID != nil {
			jump.OwnerGroupID = req.GroupID
		} else {
			jump.OwnerID = &userID
		}
		if err := h.db.Create(&jump).Error; err != nil {
			skip(i, err.Error())
			continue
		}
		taken[key(name)] = true
		result.Imported++
		if jump.Title == "" {
			h.refresher.Refresh(jump.ID, jump.Location)
		}
	}

	log.WithFields(log.Fields{
		"user_id":  userID,
		"imported": result.Imported,
		"skipped":  result.Skipped,
	}).Info("import finished")
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers import/export routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/import", h.Import)
	rg.GET("/export", h.Export)
}

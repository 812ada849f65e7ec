package redirect

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/lookup"
	"github.com/mikepea/jumpd/pkg/jumpd/matcher"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
)

// Handler serves jump redirects and the resolve/search API
type Handler struct {
	svc *lookup.Service
}

// NewHandler creates a new redirect handler
func NewHandler(svc *lookup.Service) *Handler {
	return &Handler{svc: svc}
}

// Suggestion is a candidate offered when a name does not resolve
type Suggestion struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Title    string `json:"title,omitempty"`
	Scope    string `json:"scope"`
}

// ResolveResponse is the JSON form of a resolution
type ResolveResponse struct {
	Outcome     string       `json:"outcome"`
	Location    string       `json:"location,omitempty"`
	JumpID      uint         `json:"jump_id,omitempty"`
	Hits        uint64       `json:"hits,omitempty"`
	Query       string       `json:"query,omitempty"`
	Candidates  int          `json:"candidates"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// SearchResponse carries results for search and jump modes, and bare
// tokens for suggest mode.
type SearchResponse struct {
	Query       string       `json:"query"`
	Results     []Suggestion `json:"results,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

func toSuggestions(jumps []models.Jump) []Suggestion {
	out := make([]Suggestion, len(jumps))
	for i, j := range jumps {
		out[i] = Suggestion{ID: j.ID, Name: j.Name, Location: j.Location, Title: j.Title, Scope: string(j.Scope())}
	}
	return out
}

// resolve runs a resolution and, when it is ambiguous, the matcher fallback.
// The returned status is 302 for a unique hit, 300 for several candidates and
// 404 for none.
func (h *Handler) resolve(c *gin.Context, target string, explicitID *uint) (ResolveResponse, int, error) {
	ctx := c.Request.Context()
	requester := auth.Requester(c)

	out, err := h.svc.Resolve(ctx, target, requester, explicitID)
	if err != nil {
		return ResolveResponse{}, 0, err
	}
	if out.Kind == lookup.Found {
		return ResolveResponse{
			Outcome:    out.Kind.String(),
			Location:   out.Location,
			JumpID:     out.Jump.ID,
			Hits:       out.Hits,
			Candidates: 1,
		}, http.StatusFound, nil
	}

	suggestions, err := h.svc.Suggest(ctx, out.SuggestionQuery, requester, matcher.Jumping)
	if err != nil {
		return ResolveResponse{}, 0, err
	}
	status := http.StatusNotFound
	if out.Candidates > 1 {
		status = http.StatusMultipleChoices
	}
	return ResolveResponse{
		Outcome:     out.Kind.String(),
		Query:       out.SuggestionQuery,
		Candidates:  out.Candidates,
		Suggestions: toSuggestions(suggestions),
	}, status, nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lookup.ErrInvalidTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": "A jump name is required"})
	case errors.Is(err, lookup.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Jump not found"})
	default:
		log.WithError(err).Error("redirect: resolution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve jump"})
	}
}

func (h *Handler) respond(c *gin.Context, resp ResolveResponse, status int) {
	if status == http.StatusFound {
		c.Redirect(http.StatusFound, resp.Location)
		return
	}
	c.JSON(status, resp)
}

// Redirect resolves /:name for the (possibly anonymous) requester.
// A unique visible match redirects; otherwise the body lists suggestions.
func (h *Handler) Redirect(c *gin.Context) {
	resp, status, err := h.resolve(c, c.Param("name"), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, resp, status)
}

// RedirectByID resolves /jump/:id, used to pick one of several candidates
func (h *Handler) RedirectByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid jump ID"})
		return
	}
	jumpID := uint(id)
	resp, status, err := h.resolve(c, "", &jumpID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, resp, status)
}

// Resolve is the JSON form of Redirect: GET /api/resolve?name= or ?id=
// @Summary Resolve a name
// @Description Resolve a name or jump ID for the requester without redirecting
// @Tags resolve
// @Produce json
// @Param name query string false "Jump name or alias"
// @Param id query int false "Jump ID"
// @Success 200 {object} ResolveResponse
// @Failure 400 {object} map[string]string "Invalid jump ID"
// @Router /resolve [get]
func (h *Handler) Resolve(c *gin.Context) {
	var explicitID *uint
	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid jump ID"})
			return
		}
		v := uint(id)
		explicitID = &v
	}
	resp, _, err := h.resolve(c, c.Query("name"), explicitID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Search runs the matcher over the requester's visible jumps.
// mode=suggest answers compact host&id tokens.
// @Summary Search jumps
// @Description Match a query against the requester's visible jumps
// @Tags resolve
// @Produce json
// @Param q query string false "Query"
// @Param mode query string false "search (default), jump or suggest"
// @Success 200 {object} SearchResponse
// @Failure 400 {object} map[string]string "Invalid mode"
// @Router /search [get]
func (h *Handler) Search(c *gin.Context) {
	mode, err := matcher.ParseMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	query := c.Query("q")
	requester := auth.Requester(c)

	if mode == matcher.Suggesting {
		tokens, err := h.svc.SuggestTokens(c.Request.Context(), query, requester)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SearchResponse{Query: query, Suggestions: tokens})
		return
	}

	jumps, err := h.svc.Suggest(c.Request.Context(), query, requester, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SearchResponse{Query: query, Results: toSuggestions(jumps)})
}

// RegisterRoutes registers redirect routes on the root router.
// Call it after all other routes so /:name does not shadow them.
func (h *Handler) RegisterRoutes(r *gin.Engine, middleware ...gin.HandlerFunc) {
	chain := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, middleware...), handler)
	}
	r.GET("/jump/:id", chain(h.RedirectByID)...)
	r.GET("/:name", chain(h.Redirect)...)
}

// RegisterAPIRoutes registers the JSON resolve and search endpoints
func (h *Handler) RegisterAPIRoutes(rg *gin.RouterGroup) {
	rg.GET("/resolve", h.Resolve)
	rg.GET("/search", h.Search)
}

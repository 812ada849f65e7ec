package importexport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/database"
	"github.com/mikepea/jumpd/pkg/jumpd/lookup"
	"github.com/mikepea/jumpd/pkg/jumpd/matcher"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func setupTestRouter(db *gorm.DB) *gin.Engine {
	return setupRouterWithMatcher(db, nil)
}

func setupRouterWithMatcher(db *gorm.DB, m *matcher.Matcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api")
	api.Use(auth.AuthMiddleware(db))
	NewHandler(db, lookup.NewService(db, nil, m), nil).RegisterRoutes(api)
	return r
}

func createTestUser(t *testing.T, db *gorm.DB, username string) models.User {
	user := models.User{Username: username, Name: username, SystemRole: models.SystemRoleUser}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func createTestGroup(t *testing.T, db *gorm.DB, name string, members ...models.User) models.Group {
	group := models.Group{Name: name, Source: models.SourceLocal}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("Failed to create test group: %v", err)
	}
	for _, m := range members {
		db.Create(&models.GroupMembership{UserID: m.ID, GroupID: group.ID, Role: models.GroupRoleMember})
	}
	return group
}

func createTestJump(t *testing.T, db *gorm.DB, jump models.Jump) models.Jump {
	if err := db.Create(&jump).Error; err != nil {
		t.Fatalf("Failed to create test jump: %v", err)
	}
	return jump
}

func request(router *gin.Engine, user models.User, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, _ := auth.GenerateToken(user.ID, user.Username, string(user.SystemRole))
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeExport(t *testing.T, resp *httptest.ResponseRecorder) []ExportJump {
	var out []ExportJump
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode export: %v: %s", err, resp.Body.String())
	}
	return out
}

func uintPtr(v uint) *uint { return &v }

func TestExportVisibleJumps(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	eng := createTestGroup(t, db, "eng", alice)
	createTestGroup(t, db, "ops", bob)

	createTestJump(t, db, models.Jump{Name: "wiki", Location: "https://wiki.example.com", Aliases: []models.Alias{{Name: "kb"}}})
	createTestJump(t, db, models.Jump{Name: "cal", Location: "https://cal.example.com", OwnerID: &alice.ID})
	createTestJump(t, db, models.Jump{Name: "ci", Location: "https://ci.example.com", OwnerGroupID: &eng.ID})
	createTestJump(t, db, models.Jump{Name: "mail", Location: "https://mail.example.com", OwnerID: &bob.ID})

	resp := request(router, alice, "GET", "/api/export", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	out := decodeExport(t, resp)
	if len(out) != 3 {
		t.Fatalf("Expected 3 jumps, got %d: %+v", len(out), out)
	}
	byName := map[string]ExportJump{}
	for _, e := range out {
		byName[e.Name] = e
	}
	if _, ok := byName["mail"]; ok {
		t.Error("Expected bob's personal jump to be excluded")
	}
	if got := byName["ci"]; got.Scope != "group" || got.Group != "eng" {
		t.Errorf("Expected ci to be a group jump of eng, got %+v", got)
	}
	if got := byName["wiki"]; got.Scope != "global" || len(got.Aliases) != 1 || got.Aliases[0] != "kb" {
		t.Errorf("Expected wiki to be global with alias kb, got %+v", got)
	}
	if got := byName["cal"]; got.Scope != "personal" {
		t.Errorf("Expected cal to be personal, got %+v", got)
	}
}

func TestExportFilters(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")
	eng := createTestGroup(t, db, "eng", alice)

	createTestJump(t, db, models.Jump{Name: "wiki", Location: "https://wiki.example.com"})
	createTestJump(t, db, models.Jump{Name: "ci", Location: "https://ci.example.com", OwnerGroupID: &eng.ID})

	out := decodeExport(t, request(router, alice, "GET", "/api/export?scope=global", nil))
	if len(out) != 1 || out[0].Name != "wiki" {
		t.Errorf("Expected only wiki, got %+v", out)
	}

	resp := request(router, alice, "GET", "/api/export?group_id=1&download=true", nil)
	out = decodeExport(t, resp)
	if len(out) != 1 || out[0].Name != "ci" {
		t.Errorf("Expected only ci, got %+v", out)
	}
	if resp.Header().Get("Content-Disposition") == "" {
		t.Error("Expected Content-Disposition header for download")
	}

	resp = request(router, alice, "GET", "/api/export?scope=everything", nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestImportPersonal(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")
	createTestJump(t, db, models.Jump{Name: "cal", Location: "https://cal.example.com", OwnerID: &alice.ID})

	resp := request(router, alice, "POST", "/api/import", ImportRequest{
		Jumps: []ImportJump{
			{Name: "docs", Location: "https://docs.example.com", Title: "Docs", Aliases: []string{"documentation", "bad alias"}},
			{Name: "cal", Location: "https://other.example.com"},
			{Name: "api", Location: "https://api.example.com"},
			{Name: "broken", Location: "not a url"},
			{Name: "docs", Location: "https://dup.example.com"},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var result ImportResult
	json.Unmarshal(resp.Body.Bytes(), &result)
	if result.Imported != 1 || result.Skipped != 4 {
		t.Errorf("Expected 1 imported and 4 skipped, got %+v", result)
	}
	if len(result.Errors) != 5 {
		t.Fatalf("Expected 4 skipped entries and 1 dropped alias reported, got %v", result.Errors)
	}
	if !strings.Contains(result.Errors[0], `alias "bad alias" dropped`) {
		t.Errorf("Expected the dropped alias to be reported first, got %q", result.Errors[0])
	}

	var jump models.Jump
	if err := db.Preload("Aliases").Where("name = ?", "docs").First(&jump).Error; err != nil {
		t.Fatalf("Expected docs to be imported: %v", err)
	}
	if jump.OwnerID == nil || *jump.OwnerID != alice.ID {
		t.Error("Expected imported jump to be personal to the caller")
	}
	if len(jump.Aliases) != 1 || jump.Aliases[0].Name != "documentation" {
		t.Errorf("Expected only the valid alias, got %+v", jump.Aliases)
	}
}

func TestImportHonoursCaseInsensitiveNames(t *testing.T) {
	db := setupTestDB(t)
	m := matcher.New(matcher.Options{CaseSensitive: false})
	router := setupRouterWithMatcher(db, m)
	alice := createTestUser(t, db, "alice")
	createTestJump(t, db, models.Jump{Name: "Docs", Location: "https://docs.example.com", OwnerID: &alice.ID})

	resp := request(router, alice, "POST", "/api/import", ImportRequest{
		Jumps: []ImportJump{
			{Name: "docs", Location: "https://other.example.com"},
			{Name: "Wiki", Location: "https://wiki.example.com"},
			{Name: "WIKI", Location: "https://wiki2.example.com"},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var result ImportResult
	json.Unmarshal(resp.Body.Bytes(), &result)
	if result.Imported != 1 || result.Skipped != 2 {
		t.Errorf("Expected 1 imported and 2 skipped, got %+v", result)
	}

	out, err := lookup.NewService(db, nil, m).Resolve(context.Background(), "DOCS", &alice.ID, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Kind != lookup.Found || out.Location != "https://docs.example.com" {
		t.Errorf("Expected a unique match on the original jump, got %+v", out)
	}
}

func TestImportIntoGroup(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	eng := createTestGroup(t, db, "eng", alice)

	body := ImportRequest{
		GroupID: uintPtr(eng.ID),
		Jumps:   []ImportJump{{Name: "ci", Location: "https://ci.example.com"}},
	}

	resp := request(router, bob, "POST", "/api/import", body)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for non-member, got %d", resp.Code)
	}

	resp = request(router, alice, "POST", "/api/import", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var jump models.Jump
	if err := db.Where("name = ?", "ci").First(&jump).Error; err != nil {
		t.Fatalf("Expected ci to be imported: %v", err)
	}
	if jump.OwnerGroupID == nil || *jump.OwnerGroupID != eng.ID || jump.OwnerID != nil {
		t.Errorf("Expected group jump owned by eng, got %+v", jump)
	}

	resp = request(router, alice, "POST", "/api/import", ImportRequest{
		GroupID: uintPtr(999),
		Jumps:   []ImportJump{{Name: "x", Location: "https://x.example.com"}},
	})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown group, got %d", resp.Code)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	createTestJump(t, db, models.Jump{Name: "cal", Location: "https://cal.example.com", Title: "Calendar", OwnerID: &alice.ID, Aliases: []models.Alias{{Name: "agenda"}}})

	exported := decodeExport(t, request(router, alice, "GET", "/api/export?scope=personal", nil))
	raw, _ := json.Marshal(exported)
	var items []ImportJump
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatalf("Failed to reuse export as import: %v", err)
	}

	resp := request(router, bob, "POST", "/api/import", ImportRequest{Jumps: items})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var copied models.Jump
	if err := db.Preload("Aliases").Where("owner_id = ?", bob.ID).First(&copied).Error; err != nil {
		t.Fatalf("Expected bob's copy: %v", err)
	}
	if copied.Name != "cal" || copied.Title != "Calendar" || len(copied.Aliases) != 1 {
		t.Errorf("Unexpected copy: %+v", copied)
	}
}

func TestImportRequiresJumps(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db)
	alice := createTestUser(t, db, "alice")

	resp := request(router, alice, "POST", "/api/import", map[string]interface{}{})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

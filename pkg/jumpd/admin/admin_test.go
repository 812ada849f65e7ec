package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/database"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/reconcile"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	return db
}

// setupTestRouter mounts the admin routes with the given user as the caller
func setupTestRouter(h *Handler, caller *models.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rg := r.Group("/admin", func(c *gin.Context) {
		auth.SetIdentity(c, caller.ID, caller.Username, string(caller.SystemRole))
	})
	h.RegisterRoutes(rg)
	return r
}

func createTestUser(t *testing.T, db *gorm.DB, username, name string, role models.SystemRole) *models.User {
	user := &models.User{
		Username:   username,
		Name:       name,
		Email:      username + "@test.com",
		Source:     models.SourceLocal,
		Active:     true,
		SystemRole: role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func do(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListUsers(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	createTestUser(t, db, "user1", "User One", models.SystemRoleUser)
	createTestUser(t, db, "user2", "User Two", models.SystemRoleUser)
	r := setupTestRouter(NewHandler(db, nil), admin)

	w := do(r, "GET", "/admin/users", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var users []UserResponse
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(users) != 3 {
		t.Errorf("Expected 3 users, got %d", len(users))
	}
}

func TestListUsersWithFilters(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	createTestUser(t, db, "john", "John Doe", models.SystemRoleUser)
	jane := createTestUser(t, db, "jane", "Jane Doe", models.SystemRoleUser)
	db.Model(jane).Update("source", models.SourceSCIM)
	r := setupTestRouter(NewHandler(db, nil), admin)

	var users []UserResponse
	json.Unmarshal(do(r, "GET", "/admin/users?q=Doe", nil).Body.Bytes(), &users)
	if len(users) != 2 {
		t.Errorf("Expected 2 users matching 'Doe', got %d", len(users))
	}

	json.Unmarshal(do(r, "GET", "/admin/users?role=admin", nil).Body.Bytes(), &users)
	if len(users) != 1 || users[0].Username != "admin" {
		t.Errorf("Expected only admin, got %+v", users)
	}

	json.Unmarshal(do(r, "GET", "/admin/users?source=scim", nil).Body.Bytes(), &users)
	if len(users) != 1 || users[0].Username != "jane" {
		t.Errorf("Expected only jane, got %+v", users)
	}
}

func TestGetUser(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	user := createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
	db.Create(&models.Jump{Name: "mine", Location: "https://example.com", OwnerID: &user.ID})
	r := setupTestRouter(NewHandler(db, nil), admin)

	w := do(r, "GET", fmt.Sprintf("/admin/users/%d", user.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp UserResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Username != "user" || resp.JumpCount != 1 {
		t.Errorf("Unexpected user response: %+v", resp)
	}

	if w := do(r, "GET", "/admin/users/999", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(r, "GET", "/admin/users/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUpdateUser(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	user := createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
	r := setupTestRouter(NewHandler(db, nil), admin)

	name := "Renamed"
	role := "admin"
	inactive := false
	w := do(r, "PUT", fmt.Sprintf("/admin/users/%d", user.ID), UpdateUserRequest{Name: &name, SystemRole: &role, Active: &inactive})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var stored models.User
	db.First(&stored, user.ID)
	if stored.Name != "Renamed" || stored.SystemRole != models.SystemRoleAdmin || stored.Active {
		t.Errorf("Unexpected stored user: %+v", stored)
	}

	bogus := "superuser"
	if w := do(r, "PUT", fmt.Sprintf("/admin/users/%d", user.ID), UpdateUserRequest{SystemRole: &bogus}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid role, got %d", w.Code)
	}
}

func TestUpdateUserCannotDemoteSelf(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	r := setupTestRouter(NewHandler(db, nil), admin)

	role := "user"
	w := do(r, "PUT", fmt.Sprintf("/admin/users/%d", admin.ID), UpdateUserRequest{SystemRole: &role})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	inactive := false
	w = do(r, "PUT", fmt.Sprintf("/admin/users/%d", admin.ID), UpdateUserRequest{Active: &inactive})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	user := createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
	group := models.Group{Name: "ops", Source: models.SourceLocal}
	db.Create(&group)
	db.Create(&models.GroupMembership{UserID: user.ID, GroupID: group.ID})
	personal := models.Jump{Name: "mine", Location: "https://example.com", OwnerID: &user.ID,
		Aliases: []models.Alias{{Name: "m"}}}
	db.Create(&personal)
	shared := models.Jump{Name: "ops", Location: "https://ops.example.com", OwnerGroupID: &group.ID, CreatedByID: &user.ID}
	db.Create(&shared)
	db.Create(&models.APIKey{UserID: user.ID, KeyHash: "hash", KeyPrefix: "jmp_abcd"})
	r := setupTestRouter(NewHandler(db, nil), admin)

	w := do(r, "DELETE", fmt.Sprintf("/admin/users/%d", user.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var count int64
	db.Unscoped().Model(&models.User{}).Where("id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Error("Expected user row to be removed")
	}
	db.Model(&models.Jump{}).Where("owner_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected personal jumps removed, got %d", count)
	}
	db.Model(&models.Alias{}).Where("jump_id = ?", personal.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected aliases removed, got %d", count)
	}
	db.Model(&models.GroupMembership{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected memberships removed, got %d", count)
	}
	db.Model(&models.APIKey{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected API keys removed, got %d", count)
	}

	var kept models.Jump
	if err := db.First(&kept, shared.ID).Error; err != nil {
		t.Fatalf("Expected group jump to survive: %v", err)
	}
	if kept.CreatedByID != nil {
		t.Errorf("Expected created_by cleared, got %v", *kept.CreatedByID)
	}

	// username is free again
	createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
}

func TestDeleteUserCannotDeleteSelf(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	r := setupTestRouter(NewHandler(db, nil), admin)

	w := do(r, "DELETE", fmt.Sprintf("/admin/users/%d", admin.ID), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	user := createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
	public, _ := models.NewGroup("everyone", models.SourceLocal, true, "")
	db.Create(public)
	db.Create(&models.Jump{Name: "docs", Location: "https://docs.example.com", Hits: 3})
	db.Create(&models.Jump{Name: "mine", Location: "https://example.com", OwnerID: &user.ID, Hits: 2,
		Aliases: []models.Alias{{Name: "m"}}})
	db.Create(&models.Jump{Name: "team", Location: "https://team.example.com", OwnerGroupID: &public.ID})
	r := setupTestRouter(NewHandler(db, reconcile.New(db, 0)), admin)

	w := do(r, "GET", "/admin/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stats StatsResponse
	json.Unmarshal(w.Body.Bytes(), &stats)

	if stats.TotalUsers != 2 || stats.AdminUsers != 1 {
		t.Errorf("Unexpected user counts: %+v", stats)
	}
	if stats.TotalGroups != 1 || stats.PublicGroups != 1 || stats.DefaultGroups != 0 {
		t.Errorf("Unexpected group counts: %+v", stats)
	}
	if stats.TotalJumps != 3 || stats.GlobalJumps != 1 || stats.PersonalJumps != 1 || stats.GroupJumps != 1 {
		t.Errorf("Unexpected jump counts: %+v", stats)
	}
	if stats.TotalAliases != 1 || stats.TotalHits != 5 {
		t.Errorf("Unexpected alias/hit counts: %+v", stats)
	}
	if stats.ReconcileRunning {
		t.Error("Expected no reconciliation in progress")
	}
}

func TestReconcile(t *testing.T) {
	db := setupTestDB(t)
	admin := createTestUser(t, db, "admin", "Admin User", models.SystemRoleAdmin)
	createTestUser(t, db, "user", "Test User", models.SystemRoleUser)
	public, _ := models.NewGroup("everyone", models.SourceLocal, true, "")
	db.Create(public)
	r := setupTestRouter(NewHandler(db, reconcile.New(db, 0)), admin)

	w := do(r, "POST", "/admin/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result reconcile.Result
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Skipped || result.Groups != 1 || result.Added != 2 {
		t.Errorf("Unexpected result: %+v", result)
	}

	json.Unmarshal(do(r, "POST", "/admin/reconcile", nil).Body.Bytes(), &result)
	if result.Added != 0 {
		t.Errorf("Expected second pass to add nothing, got %d", result.Added)
	}

	if w := do(setupTestRouter(NewHandler(db, nil), admin), "POST", "/admin/reconcile", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 without reconciler, got %d", w.Code)
	}
}

package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/jumpd/pkg/jumpd/database"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func setupTestRouter(db *gorm.DB, hub *events.Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(db, hub)
	auth := r.Group("/auth")
	handler.RegisterRoutes(auth)
	return r
}

func doJSON(router *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func register(t *testing.T, router *gin.Engine, username string) AuthResponse {
	resp := doJSON(router, "POST", "/auth/register", RegisterRequest{
		Username: username,
		Password: "password123",
		Name:     "Test User",
	}, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var response AuthResponse
	json.Unmarshal(resp.Body.Bytes(), &response)
	return response
}

func TestPasswordHashing(t *testing.T) {
	password := "testpassword123"

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if hash == password {
		t.Error("Hash should not equal plain password")
	}

	if !CheckPassword(password, hash) {
		t.Error("CheckPassword should return true for correct password")
	}

	if CheckPassword("wrongpassword", hash) {
		t.Error("CheckPassword should return false for incorrect password")
	}

	if CheckPassword("", "") {
		t.Error("CheckPassword should never match an empty hash")
	}
}

func TestJWTToken(t *testing.T) {
	token, err := GenerateToken(1, "alice", "user")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	if claims.UserID != 1 {
		t.Errorf("Expected UserID 1, got %d", claims.UserID)
	}

	if claims.Username != "alice" {
		t.Errorf("Expected username alice, got %s", claims.Username)
	}

	if claims.SystemRole != "user" {
		t.Errorf("Expected role user, got %s", claims.SystemRole)
	}
}

func TestInvalidToken(t *testing.T) {
	_, err := ValidateToken("invalid-token")
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestConfigureSecret(t *testing.T) {
	token, _ := GenerateToken(1, "alice", "user")

	Configure("another-secret", time.Hour)
	defer Configure("jumpd-dev-secret-change-in-production", 24*time.Hour)

	if _, err := ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("Expected token signed with the old secret to be rejected, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	db := setupTestDB(t)
	hub := events.NewHub()
	var created []models.User
	hub.OnUserCreated(func(u models.User) { created = append(created, u) })
	router := setupTestRouter(db, hub)

	response := register(t, router, "alice")

	if response.Token == "" {
		t.Error("Expected token in response")
	}
	if response.User.Username != "alice" {
		t.Errorf("Expected username alice, got %s", response.User.Username)
	}
	if response.User.Source != models.SourceLocal {
		t.Errorf("Expected source local, got %s", response.User.Source)
	}
	if len(created) != 1 || created[0].Username != "alice" {
		t.Errorf("Expected one user created event for alice, got %v", created)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)

	register(t, router, "alice")
	resp := doJSON(router, "POST", "/auth/register", RegisterRequest{
		Username: "alice",
		Password: "password123",
		Name:     "Other Alice",
	}, "")

	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.Code)
	}
}

func TestRegisterInvalidUsername(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)

	resp := doJSON(router, "POST", "/auth/register", RegisterRequest{
		Username: "not valid!",
		Password: "password123",
		Name:     "Test User",
	}, "")

	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestLogin(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)
	register(t, router, "alice")

	resp := doJSON(router, "POST", "/auth/login", LoginRequest{Username: "alice", Password: "password123"}, "")
	if resp.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var response AuthResponse
	json.Unmarshal(resp.Body.Bytes(), &response)
	if response.Token == "" {
		t.Error("Expected token in response")
	}

	found := false
	for _, c := range resp.Result().Cookies() {
		if c.Name == TokenCookie && c.Value == response.Token && c.HttpOnly {
			found = true
		}
	}
	if !found {
		t.Error("Expected HttpOnly token cookie")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)
	register(t, router, "alice")

	resp := doJSON(router, "POST", "/auth/login", LoginRequest{Username: "alice", Password: "wrongpassword"}, "")
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func TestLoginExternalUser(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)
	db.Create(&models.User{Username: "scimmed", Name: "S", Source: models.SourceSCIM, Active: true})

	resp := doJSON(router, "POST", "/auth/login", LoginRequest{Username: "scimmed", Password: "anything"}, "")
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func TestMe(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)
	authResponse := register(t, router, "alice")

	resp := doJSON(router, "GET", "/auth/me", nil, authResponse.Token)
	if resp.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var userResponse UserResponse
	json.Unmarshal(resp.Body.Bytes(), &userResponse)
	if userResponse.Username != "alice" {
		t.Errorf("Expected username alice, got %s", userResponse.Username)
	}
}

func TestMeWithoutAuth(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(db, nil)

	resp := doJSON(router, "GET", "/auth/me", nil, "")
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func createUser(t *testing.T, db *gorm.DB, username string, role models.SystemRole) models.User {
	user := models.User{Username: username, Name: username, Source: models.SourceLocal, Active: true, SystemRole: role}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

func tokenFor(u models.User) string {
	token, _ := GenerateToken(u.ID, u.Username, string(u.SystemRole))
	return token
}

func TestOptionalAuth(t *testing.T) {
	db := setupTestDB(t)
	root := createUser(t, db, "root", models.SystemRoleAdmin)
	gone := createUser(t, db, "gone", models.SystemRoleUser)
	disabled := createUser(t, db, "disabled", models.SystemRoleUser)
	db.Model(&disabled).Update("active", false)
	goneToken := tokenFor(gone)
	db.Unscoped().Delete(&gone)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", OptionalAuth(db), func(c *gin.Context) {
		if id := Requester(c); id != nil {
			c.JSON(http.StatusOK, gin.H{"user_id": *id, "admin": IsAdmin(c)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": nil})
	})
	token := tokenFor(root)
	asRoot := fmt.Sprintf(`{"admin":true,"user_id":%d}`, root.ID)

	tests := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{"anonymous", func(*http.Request) {}, `{"user_id":null}`},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, `{"user_id":null}`},
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, asRoot},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookie, Value: token}) }, asRoot},
		{"deactivated", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokenFor(disabled)) }, `{"user_id":null}`},
		{"deleted", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: TokenCookie, Value: goneToken}) }, `{"user_id":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/whoami", nil)
			tt.setup(req)
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, req)
			if resp.Code != http.StatusOK || resp.Body.String() != tt.want {
				t.Errorf("Expected 200 %s, got %d %s", tt.want, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareRefusesDeactivatedUser(t *testing.T) {
	db := setupTestDB(t)
	alice := createUser(t, db, "alice", models.SystemRoleUser)
	token := tokenFor(alice)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", AuthMiddleware(db), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	call := func() int {
		req, _ := http.NewRequest("GET", "/private", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := call(); code != http.StatusNoContent {
		t.Fatalf("Expected status 204 while active, got %d", code)
	}
	db.Model(&alice).Update("active", false)
	if code := call(); code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 after deactivation, got %d", code)
	}
}

func TestRequireAdmin(t *testing.T) {
	db := setupTestDB(t)
	alice := createUser(t, db, "alice", models.SystemRoleUser)
	root := createUser(t, db, "root", models.SystemRoleAdmin)
	demoted := createUser(t, db, "demoted", models.SystemRoleAdmin)
	demotedToken := tokenFor(demoted)
	db.Model(&demoted).Update("system_role", models.SystemRoleUser)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AuthMiddleware(db), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	for token, want := range map[string]int{
		tokenFor(alice): http.StatusForbidden,
		tokenFor(root):  http.StatusNoContent,
		demotedToken:    http.StatusForbidden,
	} {
		req, _ := http.NewRequest("GET", "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Errorf("Expected status %d, got %d", want, resp.Code)
		}
	}
}

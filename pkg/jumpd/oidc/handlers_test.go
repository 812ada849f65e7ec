package oidc

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mikepea/jumpd/pkg/jumpd/auth"
	"github.com/mikepea/jumpd/pkg/jumpd/events"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"gorm.io/gorm"
)

// fakeIssuer is a minimal OpenID provider: discovery, JWKS and a token
// endpoint that signs an ID token for the configured subject.
type fakeIssuer struct {
	*httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu     sync.Mutex
	nonce  string
	claims jwt.MapClaims
}

func newFakeIssuer(t *testing.T, clientID string) *fakeIssuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	f := &fakeIssuer{key: key, clientID: clientID}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                                f.URL,
			"authorization_endpoint":                f.URL + "/authorize",
			"token_endpoint":                        f.URL + "/token",
			"jwks_uri":                              f.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		e := big.NewInt(int64(key.E)).Bytes()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		claims := jwt.MapClaims{
			"iss":   f.URL,
			"aud":   f.clientID,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
			"nonce": f.nonce,
		}
		for k, v := range f.claims {
			claims[k] = v
		}
		f.mu.Unlock()

		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "test"
		signed, err := token.SignedString(f.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIssuer) expect(nonce string, claims jwt.MapClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = nonce
	f.claims = claims
}

func setupTestRouter(db *gorm.DB, hub *events.Hub) (*gin.Engine, *Handler) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(db, hub, "http://jumpd.test")
	h.RegisterRoutes(r.Group("/api/oidc"))
	admin := r.Group("/api/admin/oidc", func(c *gin.Context) {
		auth.SetIdentity(c, 1, "root", string(models.SystemRoleAdmin))
	})
	h.RegisterAdminRoutes(admin)
	return r, h
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTestProvider(t *testing.T, r *gin.Engine, issuer, slug string) AdminProviderResponse {
	w := doJSON(r, "POST", "/api/admin/oidc/providers", CreateProviderRequest{
		Name:         slug,
		Slug:         slug,
		Issuer:       issuer,
		ClientID:     "jumpd",
		ClientSecret: "secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var p AdminProviderResponse
	json.Unmarshal(w.Body.Bytes(), &p)
	return p
}

// startLogin requests an auth URL and returns its state and nonce
func startLogin(t *testing.T, r *gin.Engine, slug, returnURL string) (state, nonce string) {
	w := doJSON(r, "POST", "/api/oidc/providers/"+slug+"/auth", AuthURLRequest{ReturnURL: returnURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		AuthURL string `json:"auth_url"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	u, err := url.Parse(body.AuthURL)
	if err != nil {
		t.Fatalf("Invalid auth URL %q: %v", body.AuthURL, err)
	}
	if u.Query().Get("redirect_uri") != "http://jumpd.test/api/oidc/callback" {
		t.Errorf("Unexpected redirect_uri %s", u.Query().Get("redirect_uri"))
	}
	return u.Query().Get("state"), u.Query().Get("nonce")
}

func TestLoginProvisionsUser(t *testing.T) {
	db := setupTestDB(t)
	issuer := newFakeIssuer(t, "jumpd")
	hub := events.NewHub()
	var created []models.User
	hub.OnUserCreated(func(u models.User) { created = append(created, u) })
	r, _ := setupTestRouter(db, hub)

	p := createTestProvider(t, r, issuer.URL, "okta")
	if p.Warning != "" || p.Source != "oauth2/okta" {
		t.Fatalf("Unexpected provider response: %+v", p)
	}

	state, nonce := startLogin(t, r, "okta", "")
	issuer.expect(nonce, jwt.MapClaims{"sub": "00u1", "email": "alice@example.com", "name": "Alice", "preferred_username": "alice"})

	w := doJSON(r, "GET", fmt.Sprintf("/api/oidc/callback?state=%s&code=abc", url.QueryEscape(state)), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp auth.AuthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.User.Username != "alice" || resp.User.Source != "oauth2/okta" {
		t.Errorf("Unexpected user: %+v", resp.User)
	}
	claims, err := auth.ValidateToken(resp.Token)
	if err != nil || claims.UserID != resp.User.ID {
		t.Errorf("Expected a valid token for the user, got %v", err)
	}
	if len(created) != 1 {
		t.Errorf("Expected 1 user created event, got %d", len(created))
	}

	// the state is single use
	w = doJSON(r, "GET", fmt.Sprintf("/api/oidc/callback?state=%s&code=abc", url.QueryEscape(state)), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for reused state, got %d", w.Code)
	}
}

func TestLoginRedirectsToReturnURL(t *testing.T) {
	db := setupTestDB(t)
	issuer := newFakeIssuer(t, "jumpd")
	r, _ := setupTestRouter(db, nil)
	createTestProvider(t, r, issuer.URL, "okta")

	state, nonce := startLogin(t, r, "okta", "/docs")
	issuer.expect(nonce, jwt.MapClaims{"sub": "00u1"})

	w := doJSON(r, "GET", "/api/oidc/callback?state="+url.QueryEscape(state)+"&code=abc", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/docs" {
		t.Errorf("Expected Location /docs, got %s", loc)
	}
	if cookie := w.Header().Get("Set-Cookie"); !bytes.Contains([]byte(cookie), []byte(auth.TokenCookie+"=")) {
		t.Errorf("Expected token cookie, got %q", cookie)
	}
}

func TestLoginRejectsBadNonce(t *testing.T) {
	db := setupTestDB(t)
	issuer := newFakeIssuer(t, "jumpd")
	r, _ := setupTestRouter(db, nil)
	createTestProvider(t, r, issuer.URL, "okta")

	state, _ := startLogin(t, r, "okta", "")
	issuer.expect("not-the-nonce", jwt.MapClaims{"sub": "00u1"})

	w := doJSON(r, "GET", "/api/oidc/callback?state="+url.QueryEscape(state)+"&code=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	var count int64
	db.Model(&models.User{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no users, got %d", count)
	}
}

func TestCallbackErrors(t *testing.T) {
	db := setupTestDB(t)
	issuer := newFakeIssuer(t, "jumpd")
	r, _ := setupTestRouter(db, nil)
	createTestProvider(t, r, issuer.URL, "okta")

	if w := doJSON(r, "GET", "/api/oidc/callback?state=bogus&code=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown state, got %d", w.Code)
	}

	state, _ := startLogin(t, r, "okta", "")
	w := doJSON(r, "GET", "/api/oidc/callback?state="+url.QueryEscape(state)+"&error=access_denied", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for denied login, got %d", w.Code)
	}
}

func TestSafeReturnURL(t *testing.T) {
	h := &Handler{baseURL: "https://jumpd.example.com"}
	tests := map[string]string{
		"":                                 "",
		"/docs":                            "/docs",
		"//evil.example.com":               "",
		"https://evil.example.com":         "",
		"https://jumpd.example.com/docs":   "https://jumpd.example.com/docs",
		"https://jumpd.example.com.evil.x": "",
	}
	for in, want := range tests {
		if got := h.safeReturnURL(in); got != want {
			t.Errorf("safeReturnURL(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestProviderAdmin(t *testing.T) {
	db := setupTestDB(t)
	issuer := newFakeIssuer(t, "jumpd")
	r, h := setupTestRouter(db, nil)

	p := createTestProvider(t, r, issuer.URL, "okta")
	if w := doJSON(r, "POST", "/api/admin/oidc/providers", CreateProviderRequest{
		Name: "Other", Slug: "okta", Issuer: issuer.URL, ClientID: "x", ClientSecret: "y",
	}); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for duplicate slug, got %d", w.Code)
	}
	if w := doJSON(r, "POST", "/api/admin/oidc/providers", CreateProviderRequest{
		Name: "Bad", Slug: "Bad Slug", Issuer: issuer.URL, ClientID: "x", ClientSecret: "y",
	}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid slug, got %d", w.Code)
	}

	var public []ProviderResponse
	json.Unmarshal(doJSON(r, "GET", "/api/oidc/providers", nil).Body.Bytes(), &public)
	if len(public) != 1 || public[0].Slug != "okta" {
		t.Errorf("Expected okta listed, got %+v", public)
	}

	disabled := false
	w := doJSON(r, "PUT", fmt.Sprintf("/api/admin/oidc/providers/%d", p.ID), UpdateProviderRequest{Enabled: &disabled})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if _, ok := h.config(p.ID); ok {
		t.Error("Expected disabled provider to be dropped from the cache")
	}
	json.Unmarshal(doJSON(r, "GET", "/api/oidc/providers", nil).Body.Bytes(), &public)
	if len(public) != 0 {
		t.Errorf("Expected no enabled providers, got %+v", public)
	}
	if w := doJSON(r, "POST", "/api/oidc/providers/okta/auth", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for disabled provider, got %d", w.Code)
	}

	w = doJSON(r, "DELETE", fmt.Sprintf("/api/admin/oidc/providers/%d", p.ID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var all []AdminProviderResponse
	json.Unmarshal(doJSON(r, "GET", "/api/admin/oidc/providers", nil).Body.Bytes(), &all)
	if len(all) != 0 {
		t.Errorf("Expected no providers, got %d", len(all))
	}
}

func TestCreateProviderDisabled(t *testing.T) {
	db := setupTestDB(t)
	r, h := setupTestRouter(db, nil)
	disabled := false

	w := doJSON(r, "POST", "/api/admin/oidc/providers", CreateProviderRequest{
		Name: "Later", Slug: "later", Issuer: "https://idp.invalid", ClientID: "x", ClientSecret: "y",
		Enabled: &disabled, AutoProvision: &disabled,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var stored models.OIDCProvider
	db.Where("slug = ?", "later").First(&stored)
	if stored.Enabled || stored.AutoProvision {
		t.Errorf("Expected false flags to be stored, got %+v", stored)
	}
	if _, ok := h.config(stored.ID); ok {
		t.Error("Disabled provider should not be discovered")
	}
}

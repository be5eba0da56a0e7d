package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type fakeKeys map[string]string

func (f fakeKeys) APIKeyHash(ctx context.Context, userID string) (string, error) {
	hash, ok := f[userID]
	if !ok {
		return "", errors.New("not found")
	}
	return hash, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	m, err := NewManager(fakeKeys{"user-1": string(hash)})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func newTestRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	r.Use(m.Identify())
	r.POST("/login", m.Login)
	r.POST("/logout", m.Logout)
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})
	protected := r.Group("/", m.RequireUser(), m.VerifyCSRF())
	protected.POST("/mutate", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestParseBearer(t *testing.T) {
	cases := []struct {
		header  string
		user    string
		key     string
		present bool
		wantErr bool
	}{
		{"", "", "", false, false},
		{"Bearer user-1.abc", "user-1", "abc", true, false},
		{"bearer a.b.c", "a.b", "c", true, false},
		{"Basic dXNlcjpwYXNz", "", "", true, true},
		{"Bearer noseparator", "", "", true, true},
		{"Bearer user.", "", "", true, true},
	}
	for _, tc := range cases {
		user, key, present, err := ParseBearer(tc.header)
		if user != tc.user || key != tc.key || present != tc.present || (err != nil) != tc.wantErr {
			t.Errorf("ParseBearer(%q) = %q, %q, %v, %v", tc.header, user, key, present, err)
		}
	}
}

func TestGenerateAPIKeyRoundTrip(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey returned error: %v", err)
	}
	m, _ := NewManager(fakeKeys{"user-2": hash})
	if err := m.Authenticate(context.Background(), "user-2", key); err != nil {
		t.Fatalf("generated key should authenticate: %v", err)
	}
	if err := m.Authenticate(context.Background(), "user-2", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := m.Authenticate(context.Background(), "unknown", key); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIdentifyBearer(t *testing.T) {
	router := newTestRouter(newTestManager(t))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer user-1.secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"user-1"`)) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer user-1.wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token should be rejected, got %d", rec.Code)
	}
}

func TestBearerMutationSkipsCSRF(t *testing.T) {
	router := newTestRouter(newTestManager(t))

	req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.Header.Set("Authorization", "Bearer user-1.secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bearer mutation should pass, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAnonymousMutationRequiresLogin(t *testing.T) {
	router := newTestRouter(newTestManager(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mutate", nil))
	if rec.Code != http.StatusUnauthorized || !bytes.Contains(rec.Body.Bytes(), []byte("LOGIN_REQUIRED")) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSessionLoginAndCSRF(t *testing.T) {
	router := newTestRouter(newTestManager(t))

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"userId":"user-1","apiKey":"secret-key"}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(csrfHeader)
	cookies := rec.Result().Cookies()
	if token == "" || len(cookies) == 0 {
		t.Fatal("login should return a CSRF token and a session cookie")
	}

	send := func(method, path, csrf string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		if csrf != "" {
			req.Header.Set(csrfHeader, csrf)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(http.MethodGet, "/whoami", ""); !bytes.Contains(rec.Body.Bytes(), []byte(`"user-1"`)) {
		t.Fatalf("session should identify the user: %s", rec.Body.String())
	}
	if rec := send(http.MethodPost, "/mutate", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("missing CSRF header should be rejected, got %d", rec.Code)
	}
	if rec := send(http.MethodPost, "/mutate", "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong CSRF header should be rejected, got %d", rec.Code)
	}
	if rec := send(http.MethodPost, "/mutate", token); rec.Code != http.StatusNoContent {
		t.Fatalf("valid CSRF header should pass, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginLockout(t *testing.T) {
	router := newTestRouter(newTestManager(t))

	var rec *httptest.ResponseRecorder
	for i := 0; i < maxLoginAttempts+1; i++ {
		rec = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"userId":"user-1","apiKey":"nope"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(rec, req)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout after %d failures, got %d", maxLoginAttempts, rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header should be set")
	}
}

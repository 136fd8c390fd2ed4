package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamflix/internal/auth"
	"streamflix/internal/config"
	"streamflix/internal/database"
	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

func createTestLibraryServer(t *testing.T, authEnabled bool) *LibraryServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	db, err := database.NewDatabase(filepath.Join(dir, "server.db"), 1, logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.UsersFilePath = filepath.Join(dir, "users.toml")
	cfg.Auth.SessionDuration = "1h"
	cfg.Library.HistoryLimit = 100
	if authEnabled {
		os.WriteFile(cfg.Auth.UsersFilePath, []byte("[[users]]\nid = \"user-1\"\nusername = \"alice\"\npassword = \"wonderland\"\n\n[[users]]\nid = \"user-2\"\nusername = \"bob\"\npassword = \"builder\"\n"), 0600)
	}

	authService, err := auth.NewService(&cfg.Auth, logger)
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}

	static := afero.NewMemMapFs()
	afero.WriteFile(static, "/index.html", []byte("<html>shell</html>"), 0644)
	afero.WriteFile(static, "/assets/app.js", []byte("console.log(1)"), 0644)

	return &LibraryServer{
		db:          db,
		config:      cfg,
		authService: authService,
		static:      static,
		logger:      logger,
		started:     time.Now(),
	}
}

func doRequest(h http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, username, password string) loginResponse {
	t.Helper()
	rec := doRequest(h, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var out loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("Bad login response: %v", err)
	}
	return out
}

func TestDeviceLibraryRoundTrip(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.Handler()
	device := map[string]string{"X-Device-ID": "dev-1"}

	rec := doRequest(h, http.MethodGet, "/api/library/device:dev-1", nil, device)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for an unwritten library, got %d", rec.Code)
	}

	payload := models.LibraryPayload{
		Favorites: []models.LibraryItem{{ID: 550, MediaType: models.MediaMovie, Title: "Fight Club"}},
		History:   []models.LibraryItem{{ID: 1399, MediaType: models.MediaTV, Name: "Game of Thrones"}},
	}
	rec = doRequest(h, http.MethodPut, "/api/library/device:dev-1", payload, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/api/library/device:dev-1", nil, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET failed: %d", rec.Code)
	}
	var got models.LibraryPayload
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got.Favorites) != 1 || got.Favorites[0].Title != "Fight Club" || got.UpdatedAt == nil {
		t.Errorf("Unexpected stored library: %+v", got)
	}

	rec = doRequest(h, http.MethodDelete, "/api/library/device:dev-1", nil, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE failed: %d", rec.Code)
	}
	rec = doRequest(h, http.MethodGet, "/api/library/device:dev-1", nil, device)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestDeviceOwnerAuthorization(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.Handler()

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"MissingHeader", nil, http.StatusBadRequest},
		{"OtherDevice", map[string]string{"X-Device-ID": "dev-2"}, http.StatusForbidden},
		{"SameDevice", map[string]string{"X-Device-ID": "dev-1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, "/api/library/device:dev-1", nil, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPutRejectsInvalidPayload(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.Handler()
	device := map[string]string{"X-Device-ID": "dev-1"}

	payload := models.LibraryPayload{
		Favorites: []models.LibraryItem{{ID: -1, MediaType: models.MediaMovie}},
	}
	rec := doRequest(h, http.MethodPut, "/api/library/device:dev-1", payload, device)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	var result ValidationResult
	json.NewDecoder(rec.Body).Decode(&result)
	if result.Valid || len(result.Errors) != 1 || result.Error == "" {
		t.Errorf("Unexpected validation result: %+v", result)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/library/device:dev-1", strings.NewReader("{not json"))
	req.Header.Set("X-Device-ID", "dev-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestUserLibraryRequiresSession(t *testing.T) {
	ls := createTestLibraryServer(t, true)
	h := ls.Handler()

	alice := login(t, h, "alice", "wonderland")
	if alice.UserID != "user-1" || alice.Token == "" || alice.ExpiresAt.IsZero() {
		t.Fatalf("Unexpected login response: %+v", alice)
	}

	payload := models.LibraryPayload{Downloads: []models.LibraryItem{{ID: 7, MediaType: models.MediaMovie}}}

	t.Run("NoSession", func(t *testing.T) {
		rec := doRequest(h, http.MethodPut, "/api/library/user-1", payload, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	t.Run("OwnLibrary", func(t *testing.T) {
		bearer := map[string]string{"Authorization": "Bearer " + alice.Token}
		rec := doRequest(h, http.MethodPut, "/api/library/user-1", payload, bearer)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		rec = doRequest(h, http.MethodGet, "/api/library/user-1", nil, bearer)
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("OtherUser", func(t *testing.T) {
		bob := login(t, h, "bob", "builder")
		rec := doRequest(h, http.MethodGet, "/api/library/user-1", nil, map[string]string{
			"Authorization": "Bearer " + bob.Token,
		})
		if rec.Code != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", rec.Code)
		}
	})

	t.Run("Logout", func(t *testing.T) {
		bearer := map[string]string{"Authorization": "Bearer " + alice.Token}
		if rec := doRequest(h, http.MethodPost, "/api/auth/logout", nil, bearer); rec.Code != http.StatusOK {
			t.Fatalf("Logout failed: %d", rec.Code)
		}
		if rec := doRequest(h, http.MethodGet, "/api/auth/me", nil, bearer); rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 after logout, got %d", rec.Code)
		}
	})
}

func TestLoginFailures(t *testing.T) {
	ls := createTestLibraryServer(t, true)
	h := ls.Handler()

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"WrongPassword", map[string]string{"username": "alice", "password": "nope"}, http.StatusUnauthorized},
		{"MissingPassword", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"UnknownUser", map[string]string{"username": "mallory", "password": "x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/api/auth/login", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			var body map[string]any
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] == nil {
				t.Errorf("Expected an error message, got %v", body)
			}
		})
	}
}

func TestDeviceCollections(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.Handler()
	device := map[string]string{"X-Device-ID": "dev-9"}

	rec := doRequest(h, http.MethodGet, "/library/favorites", nil, device)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("Expected empty list, got %d %q", rec.Code, rec.Body.String())
	}

	items := []models.LibraryItem{{ID: 11, MediaType: models.MediaMovie, Title: "Star Wars"}}
	rec = doRequest(h, http.MethodPost, "/library/favorites", items, device)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, http.MethodGet, "/library/favorites", nil, device)
	var got []models.LibraryItem
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got) != 1 || got[0].ID != 11 {
		t.Errorf("Unexpected collection: %+v", got)
	}

	rec = doRequest(h, http.MethodGet, "/library/favorites", nil, map[string]string{"X-Device-ID": "dev-10"})
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Collections must be partitioned per device, got %s", rec.Body.String())
	}

	if rec := doRequest(h, http.MethodGet, "/library/favorites", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a device id, got %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/library/watchlist", nil, device); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown collection, got %d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	rec := doRequest(ls.Handler(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var health HealthStatus
	json.NewDecoder(rec.Body).Decode(&health)
	if health.Status != "healthy" || health.Database != "ok" {
		t.Errorf("Unexpected health: %+v", health)
	}
}

func TestStaticShell(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.Handler()

	tests := []struct {
		path         string
		wantBody     string
		cacheControl string
	}{
		{"/", "shell", "no-cache"},
		{"/movies/550", "shell", "no-cache"},
		{"/assets/app.js", "console.log", "public, max-age=3600"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.path, nil, nil)
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("Expected %q, got %d %q", tt.wantBody, rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("Cache-Control"); got != tt.cacheControl {
				t.Errorf("Cache-Control = %q, want %q", got, tt.cacheControl)
			}
		})
	}

	if rec := doRequest(h, http.MethodGet, "/assets/missing.js", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing asset, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	rec := doRequest(ls.Handler(), http.MethodOptions, "/api/library/device:x", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Device-ID") {
		t.Error("Expected X-Device-ID to be an allowed header")
	}
}

func TestRateLimit(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	ls.limiter = NewIPRateLimiter(rate.Limit(1), 2)
	h := ls.Handler()

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, doRequest(h, http.MethodGet, "/health", nil, nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected burst of 2 then 429, got %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected a separate bucket per client ip, got %d", rec.Code)
	}
}

func TestPanicRecovery(t *testing.T) {
	ls := createTestLibraryServer(t, false)
	h := ls.panicRecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := doRequest(h, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

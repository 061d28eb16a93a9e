package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"goshare/internal/config"
	"goshare/internal/database"
	"goshare/internal/middleware"
	"goshare/internal/sandbox"
	"goshare/internal/services"
)

type testServer struct {
	echo  *echo.Echo
	box   *sandbox.Sandbox
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Security: config.SecurityConfig{
			SecretKey:        "0123456789abcdef0123456789abcdef",
			SessionName:      "goshare_session",
			SessionMaxAge:    3600,
			AdminUsername:    "admin",
			AdminPassword:    "hunter2",
			PBKDF2Iterations: 1000,
			JWTExpiry:        time.Hour,
			LoginPerMinute:   100,
			LoginBurst:       100,
		},
		Download: config.DownloadConfig{
			MinMultipartSize: 1 << 20,
			MaxWorkers:       4,
			MaxConcurrent:    3,
			PartRetries:      1,
			HTTPTimeout:      10 * time.Second,
			UserAgent:        "goshare-test",
		},
	}

	db, err := database.New(&config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	log := zap.NewNop()
	auth, err := services.NewAuthService(cfg.Security, log)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	registry := services.NewShareRegistry(db, box, log)
	gate := services.NewAccessGate(db, box, log)
	engine := services.NewDownloadEngine(cfg.Download, box, log)
	delivery := services.NewFileDeliveryService(log)

	e := echo.New()
	sessions := middleware.NewSessionManager(cfg)
	h := NewHandlers(db, cfg, box, auth, sessions, registry, gate, engine, delivery, log)
	RegisterRoutes(e, h, NewAuthMiddleware(cfg, sessions),
		middleware.NewLoginRateLimiter(cfg.Security.LoginPerMinute, cfg.Security.LoginBurst))

	token, err := GenerateJWT("admin", cfg.Security.SecretKey, cfg.Security.JWTExpiry)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	return &testServer{echo: e, box: box, token: token}
}

func (ts *testServer) request(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) writeFile(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(ts.box.Root(), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/login", `{"username":"admin","password":"hunter2"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Errorf("missing access token: %v", err)
	}

	rec = ts.request(http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/shares"},
		{http.MethodPost, "/api/shares"},
		{http.MethodGet, "/api/fs"},
		{http.MethodPost, "/api/downloads"},
		{http.MethodGet, "/api/bookmarks"},
	} {
		rec := ts.request(route.method, route.path, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", route.method, route.path, rec.Code)
		}
	}
}

func TestShareLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "docs/guide.txt", "the guide")

	rec := ts.request(http.MethodPost, "/api/shares", `{"path":"docs/guide.txt","allowed_ips":""}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created CreateShareResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.IsDirectory || !strings.Contains(created.ShareURL, "/d/"+created.Token) {
		t.Errorf("unexpected response: %+v", created)
	}

	rec = ts.request(http.MethodGet, "/api/shares", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Shares []struct {
			Token string `json:"token"`
			Path  string `json:"path"`
		} `json:"shares"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listing.Shares) != 1 || listing.Shares[0].Token != created.Token || listing.Shares[0].Path != "/docs/guide.txt" {
		t.Errorf("unexpected listing: %+v", listing.Shares)
	}

	// Anonymous download works without auth.
	rec = ts.request(http.MethodGet, "/d/"+created.Token, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if rec.Body.String() != "the guide" {
		t.Errorf("download body = %q", rec.Body)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "guide.txt") {
		t.Errorf("Content-Disposition = %q", got)
	}

	rec = ts.request(http.MethodDelete, "/api/shares/"+created.Token, "", true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec = ts.request(http.MethodGet, "/d/"+created.Token, "", false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("revoked download status = %d, want 404", rec.Code)
	}
}

func TestShareQuotaMapsToGone(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "once.txt", "only once")

	rec := ts.request(http.MethodPost, "/api/shares", `{"path":"once.txt","max_downloads":1,"allowed_ips":""}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created CreateShareResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := ts.request(http.MethodGet, "/d/"+created.Token, "", false); rec.Code != http.StatusOK {
		t.Fatalf("first download status = %d", rec.Code)
	}
	if rec := ts.request(http.MethodGet, "/d/"+created.Token, "", false); rec.Code != http.StatusGone {
		t.Errorf("exhausted download status = %d, want 410", rec.Code)
	}
}

func TestShareIPRestrictionMapsToForbidden(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "internal.txt", "ours")

	// httptest requests come from 192.0.2.1, which is outside 10.0.0.0/8.
	rec := ts.request(http.MethodPost, "/api/shares", `{"path":"internal.txt","allowed_ips":"10.0.0.0/8"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created CreateShareResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := ts.request(http.MethodGet, "/d/"+created.Token, "", false); rec.Code != http.StatusForbidden {
		t.Errorf("blocked download status = %d, want 403", rec.Code)
	}
}

func TestCreateShareRejectsEscapeAndMissing(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/shares", `{"path":"../../etc/passwd","allowed_ips":""}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("escape status = %d, want 400", rec.Code)
	}

	rec = ts.request(http.MethodPost, "/api/shares", `{"path":"ghost.txt","allowed_ips":""}`, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing target status = %d, want 404", rec.Code)
	}
}

func TestDirectoryShareStreamsZip(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "album/a.txt", "a")
	ts.writeFile(t, "album/b.txt", "b")

	rec := ts.request(http.MethodPost, "/api/shares", `{"path":"album","allowed_ips":""}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created CreateShareResponse
	json.Unmarshal(rec.Body.Bytes(), &created)
	if !created.IsDirectory {
		t.Error("directory share not marked as directory")
	}

	rec = ts.request(http.MethodGet, "/d/"+created.Token, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "album.zip") {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestDownloadEndpoint(t *testing.T) {
	ts := newTestServer(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "7")
		if r.Method != http.MethodHead {
			w.Write([]byte("payload"))
		}
	}))
	t.Cleanup(remote.Close)

	body := fmt.Sprintf(`{"url":%q,"target_dir":"incoming"}`, remote.URL+"/file.bin")
	rec := ts.request(http.MethodPost, "/api/downloads", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("download status = %d, body %s", rec.Code, rec.Body)
	}
	var resp DownloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Filename != "file.bin" || resp.Path != "/incoming/file.bin" {
		t.Errorf("unexpected response: %+v", resp)
	}

	got, err := os.ReadFile(filepath.Join(ts.box.Root(), "incoming", "file.bin"))
	if err != nil || string(got) != "payload" {
		t.Errorf("fetched file: %q, %v", got, err)
	}
}

func TestDownloadEndpointRejectsBadURL(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/downloads", `{"url":"ftp://host/f","target_dir":"/"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFSListing(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "b.txt", "x")
	ts.writeFile(t, "sub/a.txt", "x")
	ts.writeFile(t, ".hidden", "x")

	rec := ts.request(http.MethodGet, "/api/fs?path=/", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("fs status = %d", rec.Code)
	}
	var listing fsListing
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Path != "/" || listing.Parent != "" {
		t.Errorf("path=%q parent=%q", listing.Path, listing.Parent)
	}
	// Directories first, hidden entries skipped.
	if len(listing.Entries) != 2 || !listing.Entries[0].IsDir || listing.Entries[0].Name != "sub" || listing.Entries[1].Name != "b.txt" {
		t.Errorf("unexpected entries: %+v", listing.Entries)
	}

	rec = ts.request(http.MethodGet, "/api/fs?path=/&show_hidden=true", "", true)
	json.Unmarshal(rec.Body.Bytes(), &listing)
	if len(listing.Entries) != 3 {
		t.Errorf("show_hidden entries = %d, want 3", len(listing.Entries))
	}

	rec = ts.request(http.MethodGet, "/api/fs?path=../..", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("escape status = %d, want 400", rec.Code)
	}
}

func TestBookmarks(t *testing.T) {
	ts := newTestServer(t)
	ts.writeFile(t, "media/movie.mkv", "x")

	rec := ts.request(http.MethodPost, "/api/bookmarks", `{"path":"media"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var mark bookmarkJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &mark); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mark.Label != "media" || mark.Path != "/media" {
		t.Errorf("unexpected bookmark: %+v", mark)
	}

	rec = ts.request(http.MethodGet, "/api/bookmarks", "", true)
	var listing struct {
		Bookmarks []bookmarkJSON `json:"bookmarks"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listing)
	if len(listing.Bookmarks) != 1 {
		t.Fatalf("bookmarks = %d, want 1", len(listing.Bookmarks))
	}

	rec = ts.request(http.MethodDelete, "/api/bookmarks/"+mark.ID, "", true)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec = ts.request(http.MethodDelete, "/api/bookmarks/"+mark.ID, "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

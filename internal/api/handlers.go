package api

import (
	"errors"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"goshare/internal/config"
	"goshare/internal/database"
	"goshare/internal/middleware"
	"goshare/internal/models"
	"goshare/internal/sandbox"
	"goshare/internal/services"
)

// Handlers contains all API request handlers.
type Handlers struct {
	db       *database.DB
	config   *config.Config
	box      *sandbox.Sandbox
	auth     *services.AuthService
	sessions *middleware.SessionManager
	registry *services.ShareRegistry
	gate     *services.AccessGate
	engine   *services.DownloadEngine
	delivery *services.FileDeliveryService
	log      *zap.Logger
}

// NewHandlers creates a new API handlers instance.
func NewHandlers(
	db *database.DB,
	cfg *config.Config,
	box *sandbox.Sandbox,
	auth *services.AuthService,
	sessions *middleware.SessionManager,
	registry *services.ShareRegistry,
	gate *services.AccessGate,
	engine *services.DownloadEngine,
	delivery *services.FileDeliveryService,
	log *zap.Logger,
) *Handlers {
	return &Handlers{
		db:       db,
		config:   cfg,
		box:      box,
		auth:     auth,
		sessions: sessions,
		registry: registry,
		gate:     gate,
		engine:   engine,
		delivery: delivery,
		log:      log,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorResponse{Error: msg})
}

// Health reports liveness, including database reachability.
func (h *Handlers) Health(c echo.Context) error {
	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Auth handlers

// LoginRequest represents a login request.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries the access token issued on login.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login authenticates the admin, sets the session cookie and returns a JWT
// for clients that prefer header auth.
func (h *Handlers) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return fail(c, http.StatusBadRequest, "username and password are required")
	}

	if !h.auth.Verify(req.Username, req.Password) {
		h.log.Warn("failed login attempt",
			zap.String("username", req.Username),
			zap.String("ip", c.RealIP()))
		return fail(c, http.StatusUnauthorized, "invalid credentials")
	}

	if err := h.sessions.SetUsername(c, req.Username); err != nil {
		return fail(c, http.StatusInternalServerError, "failed to create session")
	}

	token, err := GenerateJWT(req.Username, h.config.Security.SecretKey, h.config.Security.JWTExpiry)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to generate token")
	}

	h.log.Info("admin logged in", zap.String("username", req.Username), zap.String("ip", c.RealIP()))
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(h.config.Security.JWTExpiry),
	})
}

// Logout clears the session cookie.
func (h *Handlers) Logout(c echo.Context) error {
	if err := h.sessions.ClearSession(c); err != nil {
		return fail(c, http.StatusInternalServerError, "failed to clear session")
	}
	return c.NoContent(http.StatusNoContent)
}

// Session reports who is logged in.
func (h *Handlers) Session(c echo.Context) error {
	username, _ := c.Get("username").(string)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"username": username,
	})
}

// Filesystem browsing

type fsEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

type fsListing struct {
	Path    string    `json:"path"`
	Parent  string    `json:"parent,omitempty"`
	Entries []fsEntry `json:"entries"`
}

// ListFS lists a directory inside the sandbox, directories before files.
func (h *Handlers) ListFS(c echo.Context) error {
	logical := c.QueryParam("path")
	if logical == "" {
		logical = "/"
	}
	showHidden := c.QueryParam("show_hidden") == "true"

	abs, err := h.box.Resolve(logical)
	if err != nil {
		return fail(c, http.StatusBadRequest, "path is outside the shared root")
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(c, http.StatusNotFound, "directory not found")
		}
		return fail(c, http.StatusInternalServerError, "failed to read directory")
	}

	rel, err := h.box.Rel(abs)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to resolve path")
	}

	listing := fsListing{Path: rel, Entries: []fsEntry{}}
	if rel != "/" {
		listing.Parent = path.Dir(rel)
	}

	for _, entry := range entries {
		if !showHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		listing.Entries = append(listing.Entries, fsEntry{
			Name:     entry.Name(),
			Path:     path.Join(rel, entry.Name()),
			IsDir:    entry.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime().Unix(),
		})
	}

	sort.SliceStable(listing.Entries, func(i, j int) bool {
		if listing.Entries[i].IsDir != listing.Entries[j].IsDir {
			return listing.Entries[i].IsDir
		}
		return strings.ToLower(listing.Entries[i].Name) < strings.ToLower(listing.Entries[j].Name)
	})

	return c.JSON(http.StatusOK, listing)
}

// Share handlers

// CreateShareRequest represents a share creation request.
type CreateShareRequest struct {
	Path           string `json:"path"`
	MaxDownloads   *int   `json:"max_downloads,omitempty"`
	ExpiresInHours *int   `json:"expires_in_hours,omitempty"`
	AllowedIPs     string `json:"allowed_ips"`
}

// CreateShareResponse is returned on successful share creation.
type CreateShareResponse struct {
	ShareURL    string `json:"share_url"`
	Token       string `json:"token"`
	IsDirectory bool   `json:"is_directory"`
}

type shareJSON struct {
	Token         string   `json:"token"`
	Path          string   `json:"path"`
	IsDirectory   bool     `json:"is_directory"`
	MaxDownloads  *int     `json:"max_downloads"`
	DownloadCount int      `json:"download_count"`
	ExpireAt      *int64   `json:"expire_at"`
	AllowedIPs    []string `json:"allowed_ips"`
	CreatedAt     int64    `json:"created_at"`
}

func toShareJSON(rec *models.ShareRecord) shareJSON {
	out := shareJSON{
		Token:         rec.Token,
		Path:          rec.Path,
		IsDirectory:   rec.IsDirectory,
		MaxDownloads:  rec.MaxDownloads,
		DownloadCount: rec.DownloadCount,
		AllowedIPs:    rec.AllowedIPs,
		CreatedAt:     rec.CreatedAt.Unix(),
	}
	if out.AllowedIPs == nil {
		out.AllowedIPs = []string{}
	}
	if rec.ExpireAt != nil {
		epoch := rec.ExpireAt.Unix()
		out.ExpireAt = &epoch
	}
	return out
}

// CreateShare registers a new share token for a sandbox path.
func (h *Handlers) CreateShare(c echo.Context) error {
	var req CreateShareRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Path) == "" {
		return fail(c, http.StatusBadRequest, "path is required")
	}

	var expireAt *time.Time
	if req.ExpiresInHours != nil {
		if *req.ExpiresInHours <= 0 {
			return fail(c, http.StatusBadRequest, "expires_in_hours must be positive")
		}
		t := time.Now().Add(time.Duration(*req.ExpiresInHours) * time.Hour)
		expireAt = &t
	}

	rec, err := h.registry.Create(c.Request().Context(), req.Path, req.MaxDownloads, expireAt, parseAllowedIPs(req.AllowedIPs))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrShareTargetMissing):
			return fail(c, http.StatusNotFound, "path does not exist")
		case errors.Is(err, services.ErrInvalidAllowedIP):
			return fail(c, http.StatusBadRequest, "invalid allowed IP entry")
		case errors.Is(err, sandbox.ErrOutOfBounds), errors.Is(err, sandbox.ErrInvalidPath):
			return fail(c, http.StatusBadRequest, "path is outside the shared root")
		default:
			h.log.Error("share creation failed", zap.Error(err))
			return fail(c, http.StatusInternalServerError, "failed to create share")
		}
	}

	return c.JSON(http.StatusCreated, CreateShareResponse{
		ShareURL:    shareURL(c, rec.Token),
		Token:       rec.Token,
		IsDirectory: rec.IsDirectory,
	})
}

// ListShares returns all live shares.
func (h *Handlers) ListShares(c echo.Context) error {
	recs, err := h.registry.List(c.Request().Context())
	if err != nil {
		h.log.Error("share listing failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to list shares")
	}

	shares := make([]shareJSON, 0, len(recs))
	for i := range recs {
		shares = append(shares, toShareJSON(&recs[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"shares": shares})
}

// DeleteShare revokes a share token.
func (h *Handlers) DeleteShare(c echo.Context) error {
	found, err := h.registry.Revoke(c.Request().Context(), c.Param("token"))
	if err != nil {
		h.log.Error("share revocation failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to delete share")
	}
	if !found {
		return fail(c, http.StatusNotFound, "share not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// ServeShare streams a shared file or directory to an anonymous client.
func (h *Handlers) ServeShare(c echo.Context) error {
	auth, err := h.gate.Authorize(c.Request().Context(), c.Param("token"), c.RealIP())
	if err != nil {
		var denied *models.AccessDenied
		if errors.As(err, &denied) {
			return fail(c, denialStatus(denied.Reason), denied.Reason.String())
		}
		h.log.Error("share authorization failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to authorize download")
	}

	if err := h.delivery.Deliver(c.Response(), auth); err != nil {
		if errors.Is(err, services.ErrShareGone) {
			return fail(c, http.StatusGone, "shared content no longer exists")
		}
		h.log.Error("share delivery failed", zap.String("token", auth.Token), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to deliver content")
	}
	return nil
}

func denialStatus(reason models.DenyReason) int {
	switch reason {
	case models.DenyNotFound:
		return http.StatusNotFound
	case models.DenyExpired, models.DenyQuotaExceeded:
		return http.StatusGone
	case models.DenyIPBlocked:
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

// Download handlers

// DownloadRequest asks the server to fetch a remote URL into the sandbox.
type DownloadRequest struct {
	URL         string `json:"url"`
	TargetDir   string `json:"target_dir"`
	CurrentPath string `json:"current_path"`
	Filename    string `json:"filename,omitempty"`
}

// DownloadResponse reports where a fetched file landed.
type DownloadResponse struct {
	Path          string `json:"path"`
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	Multithreaded bool   `json:"multithreaded"`
}

// Download fetches a remote file into the sandbox.
func (h *Handlers) Download(c echo.Context) error {
	var req DownloadRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return fail(c, http.StatusBadRequest, "url is required")
	}

	destDir := req.TargetDir
	if destDir == "" {
		destDir = req.CurrentPath
	}
	if destDir == "" {
		destDir = "/"
	}

	result, err := h.engine.Fetch(c.Request().Context(), req.URL, destDir, req.Filename)
	if err != nil {
		var transfer *models.TransferError
		switch {
		case errors.As(err, &transfer):
			return fail(c, transferStatus(transfer.Kind), transfer.Error())
		case errors.Is(err, sandbox.ErrOutOfBounds), errors.Is(err, sandbox.ErrInvalidPath):
			return fail(c, http.StatusBadRequest, "target directory is outside the shared root")
		default:
			h.log.Error("download failed", zap.String("url", req.URL), zap.Error(err))
			return fail(c, http.StatusInternalServerError, "download failed")
		}
	}

	rel, err := h.box.Rel(result.Path)
	if err != nil {
		rel = result.Filename
	}
	return c.JSON(http.StatusCreated, DownloadResponse{
		Path:          rel,
		Filename:      result.Filename,
		Size:          result.Size,
		Multithreaded: result.Multithreaded,
	})
}

func transferStatus(kind models.TransferErrorKind) int {
	switch kind {
	case models.TransferInvalidURL:
		return http.StatusBadRequest
	case models.TransferUnreachable, models.TransferHTTPStatus, models.TransferPartialFailure:
		return http.StatusBadGateway
	case models.TransferDiskWrite:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Bookmark handlers

// BookmarkRequest creates a bookmark for a sandbox path.
type BookmarkRequest struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

type bookmarkJSON struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// ListBookmarks returns all saved bookmarks.
func (h *Handlers) ListBookmarks(c echo.Context) error {
	marks, err := h.db.ListBookmarks(c.Request().Context())
	if err != nil {
		h.log.Error("bookmark listing failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to list bookmarks")
	}

	out := make([]bookmarkJSON, 0, len(marks))
	for _, m := range marks {
		out = append(out, bookmarkJSON{ID: m.ID, Label: m.Label, Path: m.Path, CreatedAt: m.CreatedAt.Unix()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"bookmarks": out})
}

// CreateBookmark saves a sandbox path under a label.
func (h *Handlers) CreateBookmark(c echo.Context) error {
	var req BookmarkRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Path) == "" {
		return fail(c, http.StatusBadRequest, "path is required")
	}

	abs, err := h.box.Resolve(req.Path)
	if err != nil {
		return fail(c, http.StatusBadRequest, "path is outside the shared root")
	}
	rel, err := h.box.Rel(abs)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to resolve path")
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = path.Base(rel)
	}

	mark := &models.Bookmark{
		ID:        uuid.NewString(),
		Label:     label,
		Path:      rel,
		CreatedAt: time.Now(),
	}
	if err := h.db.CreateBookmark(c.Request().Context(), mark); err != nil {
		h.log.Error("bookmark creation failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to create bookmark")
	}

	return c.JSON(http.StatusCreated, bookmarkJSON{
		ID: mark.ID, Label: mark.Label, Path: mark.Path, CreatedAt: mark.CreatedAt.Unix(),
	})
}

// DeleteBookmark removes a bookmark.
func (h *Handlers) DeleteBookmark(c echo.Context) error {
	found, err := h.db.DeleteBookmark(c.Request().Context(), c.Param("id"))
	if err != nil {
		h.log.Error("bookmark deletion failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "failed to delete bookmark")
	}
	if !found {
		return fail(c, http.StatusNotFound, "bookmark not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// parseAllowedIPs splits comma- or newline-separated IP entries; empty or
// whitespace-only input means unrestricted.
func parseAllowedIPs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// shareURL builds the public download URL for a token from the incoming
// request's host.
func shareURL(c echo.Context, token string) string {
	scheme := c.Scheme()
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + c.Request().Host + "/d/" + token
}

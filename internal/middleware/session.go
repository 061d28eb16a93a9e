package middleware

import (
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"goshare/internal/config"
)

// Context keys for authentication data.
type contextKey string

const usernameContextKey contextKey = "username"

// SessionManager handles secure cookie session management for the admin UI.
type SessionManager struct {
	store       *sessions.CookieStore
	sessionName string
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg *config.Config) *SessionManager {
	store := sessions.NewCookieStore([]byte(cfg.Security.SecretKey))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.Security.SessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:       store,
		sessionName: cfg.Security.SessionName,
	}
}

// GetSession retrieves the current session.
func (sm *SessionManager) GetSession(c echo.Context) (*sessions.Session, error) {
	return sm.store.Get(c.Request(), sm.sessionName)
}

// SetUsername stores the authenticated username in the session.
func (sm *SessionManager) SetUsername(c echo.Context, username string) error {
	session, err := sm.GetSession(c)
	if err != nil {
		return err
	}

	session.Values["username"] = username
	return session.Save(c.Request(), c.Response())
}

// GetUsername retrieves the authenticated username from the session.
func (sm *SessionManager) GetUsername(c echo.Context) (string, bool) {
	session, err := sm.GetSession(c)
	if err != nil {
		return "", false
	}

	username, ok := session.Values["username"].(string)
	return username, ok && username != ""
}

// ClearSession removes all session data and expires the cookie.
func (sm *SessionManager) ClearSession(c echo.Context) error {
	session, err := sm.GetSession(c)
	if err != nil {
		return err
	}

	session.Values = make(map[interface{}]interface{})
	session.Options.MaxAge = -1

	return session.Save(c.Request(), c.Response())
}

// GetUsernameFromContext returns the username set by authentication
// middleware, or "" for anonymous requests.
func GetUsernameFromContext(c echo.Context) string {
	if u, ok := c.Get(string(usernameContextKey)).(string); ok {
		return u
	}
	return ""
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"goshare/internal/config"
	"goshare/internal/middleware"
)

// JWTClaims represents the claims in an access token.
type JWTClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates admin requests. It accepts either the
// session cookie set by login or a Bearer JWT, so both the browser UI and
// scripted clients work against the same routes.
type AuthMiddleware struct {
	config   *config.Config
	sessions *middleware.SessionManager
}

// NewAuthMiddleware creates the authentication middleware.
func NewAuthMiddleware(cfg *config.Config, sessions *middleware.SessionManager) *AuthMiddleware {
	return &AuthMiddleware{
		config:   cfg,
		sessions: sessions,
	}
}

// Middleware returns the Echo middleware function.
func (m *AuthMiddleware) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if username, ok := m.sessions.GetUsername(c); ok {
				c.Set("username", username)
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &JWTClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(m.config.Security.SecretKey), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("username", claims.Username)
			return next(c)
		}
	}
}

// GenerateJWT creates a new access token for the given username.
func GenerateJWT(username, secretKey string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "goshare",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

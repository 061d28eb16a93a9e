package api

import (
	"github.com/labstack/echo/v4"

	"goshare/internal/middleware"
)

// RegisterRoutes registers all API routes.
func RegisterRoutes(e *echo.Echo, h *Handlers, auth *AuthMiddleware, loginLimiter *middleware.LoginRateLimiter) {
	// Public routes
	e.GET("/health", h.Health)
	e.POST("/api/login", h.Login, loginLimiter.Middleware())
	e.GET("/d/:token", h.ServeShare)

	// Protected routes
	api := e.Group("/api")
	api.Use(auth.Middleware())

	api.POST("/logout", h.Logout)
	api.GET("/session", h.Session)

	api.GET("/fs", h.ListFS)

	api.POST("/shares", h.CreateShare)
	api.GET("/shares", h.ListShares)
	api.DELETE("/shares/:token", h.DeleteShare)

	api.POST("/downloads", h.Download)

	api.GET("/bookmarks", h.ListBookmarks)
	api.POST("/bookmarks", h.CreateBookmark)
	api.DELETE("/bookmarks/:id", h.DeleteBookmark)
}

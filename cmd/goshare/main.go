package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"goshare/internal/api"
	"goshare/internal/config"
	"goshare/internal/database"
	"goshare/internal/logger"
	"goshare/internal/middleware"
	"goshare/internal/sandbox"
	"goshare/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create data directory if needed
	if err := os.MkdirAll("./data", 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Initialize database
	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, err := db.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Info("database ready", zap.Int("schema_version", version))

	// Sandbox root; everything served or written lives under it
	box, err := sandbox.New(cfg.Sandbox.Root)
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox root: %w", err)
	}
	log.Info("sandbox initialized", zap.String("root", box.Root()))

	// Initialize services
	authService, err := services.NewAuthService(cfg.Security, log)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}
	registry := services.NewShareRegistry(db, box, log)
	gate := services.NewAccessGate(db, box, log)
	engine := services.NewDownloadEngine(cfg.Download, box, log)
	delivery := services.NewFileDeliveryService(log)

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Session manager
	sessionManager := middleware.NewSessionManager(cfg)

	// Login rate limiter
	loginLimiter := middleware.NewLoginRateLimiter(
		cfg.Security.LoginPerMinute,
		cfg.Security.LoginBurst,
	)

	// Global middleware (order matters!)
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestLogger(log))
	e.Use(middleware.SecurityHeaders())
	e.Use(echoMiddleware.GzipWithConfig(echoMiddleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			// Share downloads stream their own content encoding
			return len(c.Path()) >= 2 && c.Path()[:2] == "/d"
		},
	}))

	// Register routes
	h := api.NewHandlers(db, cfg, box, authService, sessionManager, registry, gate, engine, delivery, log)
	authMiddleware := api.NewAuthMiddleware(cfg, sessionManager)
	api.RegisterRoutes(e, h, authMiddleware, loginLimiter)

	e.HTTPErrorHandler = jsonErrorHandler

	// Background expired-share sweep; expired records are also pruned
	// lazily on access, so a disabled reaper only delays cleanup
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	if cfg.Sandbox.ReapInterval > 0 {
		reaper := services.NewShareReaper(db, cfg.Sandbox.ReapInterval, log)
		go reaper.Start(reaperCtx)
	}

	// Start server
	server := &http.Server{
		Addr:         cfg.Address(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("address", cfg.Address()))
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// jsonErrorHandler renders every unhandled error as JSON; there is no HTML
// surface.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "Internal Server Error"

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}

	if c.Response().Committed {
		return
	}
	c.JSON(code, map[string]interface{}{"error": message})
}

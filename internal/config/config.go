package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Sandbox  SandboxConfig
	Download DownloadConfig
	Log      LogConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SecurityConfig contains authentication and session settings.
type SecurityConfig struct {
	SecretKey        string
	SessionName      string
	SessionMaxAge    int
	AdminUsername    string
	AdminPassword    string
	PBKDF2Iterations int
	JWTExpiry        time.Duration
	LoginPerMinute   int
	LoginBurst       int
}

// SandboxConfig contains the storage confinement settings.
type SandboxConfig struct {
	Root         string
	ReapInterval time.Duration // 0 disables the background share reaper
}

// DownloadConfig tunes the remote download engine.
type DownloadConfig struct {
	MinMultipartSize int64
	MaxWorkers       int
	MaxConcurrent    int // global cap on in-flight download jobs
	PartRetries      int
	HTTPTimeout      time.Duration
	UserAgent        string
}

// LogConfig contains structured logging settings.
type LogConfig struct {
	Level      string
	Path       string // empty = console only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SHARE_PORT", 23000),
			Host:            getEnv("SHARE_HOST", "127.0.0.1"),
			ReadTimeout:     getEnvDuration("SHARE_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SHARE_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvDuration("SHARE_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Path:            getEnv("SHARE_DB_PATH", "./data/goshare.db"),
			MaxOpenConns:    getEnvInt("SHARE_DB_MAX_OPEN", 25),
			MaxIdleConns:    getEnvInt("SHARE_DB_MAX_IDLE", 5),
			ConnMaxLifetime: getEnvDuration("SHARE_DB_CONN_LIFETIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			SecretKey:        getEnv("SHARE_SECRET_KEY", ""),
			SessionName:      getEnv("SHARE_SESSION_NAME", "goshare_session"),
			SessionMaxAge:    getEnvInt("SHARE_SESSION_MAX_AGE", 3600),
			AdminUsername:    getEnv("SHARE_ADMIN_USER", "admin"),
			AdminPassword:    getEnv("SHARE_ADMIN_PASSWORD", ""),
			PBKDF2Iterations: getEnvInt("SHARE_PBKDF2_ITERATIONS", 200000),
			JWTExpiry:        getEnvDuration("SHARE_JWT_EXPIRY", time.Hour),
			LoginPerMinute:   getEnvInt("SHARE_LOGIN_PER_MINUTE", 5),
			LoginBurst:       getEnvInt("SHARE_LOGIN_BURST", 5),
		},
		Sandbox: SandboxConfig{
			Root:         getEnv("SHARE_ROOT", "./data/files"),
			ReapInterval: getEnvDuration("SHARE_REAP_INTERVAL", 10*time.Minute),
		},
		Download: DownloadConfig{
			MinMultipartSize: getEnvInt64("SHARE_MIN_MULTIPART_SIZE", 1<<20),
			MaxWorkers:       getEnvInt("SHARE_DOWNLOAD_WORKERS", 4),
			MaxConcurrent:    getEnvInt("SHARE_DOWNLOAD_CONCURRENT", 3),
			PartRetries:      getEnvInt("SHARE_DOWNLOAD_RETRIES", 2),
			HTTPTimeout:      getEnvDuration("SHARE_DOWNLOAD_TIMEOUT", 60*time.Second),
			UserAgent:        getEnv("SHARE_DOWNLOAD_USER_AGENT", "goshare/1.0"),
		},
		Log: LogConfig{
			Level:      getEnv("SHARE_LOG_LEVEL", "info"),
			Path:       getEnv("SHARE_LOG_PATH", ""),
			MaxSizeMB:  getEnvInt("SHARE_LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("SHARE_LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("SHARE_LOG_MAX_AGE_DAYS", 7),
			Compress:   getEnvBool("SHARE_LOG_COMPRESS", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that all required configuration is present and valid.
func (c *Config) validate() error {
	var errs []string

	// Generate secret key if not provided (for development only)
	if c.Security.SecretKey == "" {
		key, err := generateRandomKey(32)
		if err != nil {
			errs = append(errs, "failed to generate secret key")
		} else {
			c.Security.SecretKey = key
			fmt.Println("WARNING: No SHARE_SECRET_KEY set, using randomly generated key. Sessions will not persist across restarts.")
		}
	}

	if len(c.Security.SecretKey) < 32 {
		errs = append(errs, "SHARE_SECRET_KEY must be at least 32 characters")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "SHARE_PORT must be between 1 and 65535")
	}

	if c.Security.PBKDF2Iterations < 10000 {
		errs = append(errs, "SHARE_PBKDF2_ITERATIONS must be at least 10000")
	}

	if c.Download.MaxWorkers < 1 {
		errs = append(errs, "SHARE_DOWNLOAD_WORKERS must be at least 1")
	}

	if c.Download.MaxConcurrent < 1 {
		errs = append(errs, "SHARE_DOWNLOAD_CONCURRENT must be at least 1")
	}

	if c.Download.MinMultipartSize < 1 {
		errs = append(errs, "SHARE_MIN_MULTIPART_SIZE must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

package services

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"goshare/internal/config"
)

// AuthService verifies admin credentials. The configured password is
// stretched with PBKDF2 at startup and only the derived key is kept in
// memory afterwards.
type AuthService struct {
	username   string
	salt       []byte
	derivedKey []byte
	iterations int
}

// NewAuthService prepares credential verification from config. When no
// admin password is configured a random one is generated and logged once,
// matching first-run behavior on a fresh install.
func NewAuthService(cfg config.SecurityConfig, log *zap.Logger) (*AuthService, error) {
	password := cfg.AdminPassword
	if password == "" {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		password = base64.RawURLEncoding.EncodeToString(raw)
		log.Warn("no admin password configured, generated a temporary one",
			zap.String("username", cfg.AdminUsername),
			zap.String("password", password))
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	return &AuthService{
		username:   cfg.AdminUsername,
		salt:       salt,
		derivedKey: pbkdf2.Key([]byte(password), salt, cfg.PBKDF2Iterations, 32, sha256.New),
		iterations: cfg.PBKDF2Iterations,
	}, nil
}

// Verify reports whether the presented credentials match the admin account.
// Both comparisons are constant-time.
func (a *AuthService) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	key := pbkdf2.Key([]byte(password), a.salt, a.iterations, 32, sha256.New)
	passOK := subtle.ConstantTimeCompare(key, a.derivedKey) == 1
	return userOK && passOK
}

package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"goshare/internal/database"
	"goshare/internal/models"
	"goshare/internal/sandbox"
)

// ErrShareTargetMissing is returned by Create when the path to share does
// not exist inside the sandbox.
var ErrShareTargetMissing = errors.New("path to share does not exist")

// ErrInvalidAllowedIP is returned by Create for allow-list entries that are
// neither an IP literal nor a CIDR block.
var ErrInvalidAllowedIP = errors.New("invalid allowed IP entry")

// ShareRegistry owns share records: issuance, lookup, listing and
// revocation. The quota-consuming half lives in AccessGate.
type ShareRegistry struct {
	db  *database.DB
	box *sandbox.Sandbox
	log *zap.Logger
}

// NewShareRegistry creates a share registry backed by db and confined to box.
func NewShareRegistry(db *database.DB, box *sandbox.Sandbox, log *zap.Logger) *ShareRegistry {
	return &ShareRegistry{db: db, box: box, log: log}
}

// Create validates path against the sandbox, stats it, and stores a new
// share record under a freshly generated token. Directory shares are
// accepted as-is; archiving happens lazily at delivery time.
func (r *ShareRegistry) Create(ctx context.Context, path string, maxDownloads *int, expireAt *time.Time, allowedIPs []string) (*models.ShareRecord, error) {
	abs, err := r.box.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrShareTargetMissing
		}
		return nil, fmt.Errorf("failed to stat share target: %w", err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, ErrShareTargetMissing
	}

	logical, err := r.box.Rel(abs)
	if err != nil {
		return nil, err
	}

	cleaned, err := cleanAllowedIPs(allowedIPs)
	if err != nil {
		return nil, err
	}

	if maxDownloads != nil && *maxDownloads <= 0 {
		maxDownloads = nil
	}

	rec := &models.ShareRecord{
		Path:         logical,
		IsDirectory:  info.IsDir(),
		MaxDownloads: maxDownloads,
		ExpireAt:     expireAt,
		AllowedIPs:   cleaned,
		CreatedAt:    time.Now().UTC(),
	}

	// Collisions are astronomically unlikely for 256-bit tokens but the
	// primary key makes them impossible to miss, so retry a few times.
	for attempt := 0; attempt < 5; attempt++ {
		token, err := generateShareToken()
		if err != nil {
			return nil, err
		}
		rec.Token = token
		if err := r.db.CreateShare(ctx, rec); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, err
		}
		r.log.Info("share created",
			zap.String("token", token),
			zap.String("path", logical),
			zap.Bool("is_directory", rec.IsDirectory))
		return rec, nil
	}
	return nil, errors.New("failed to generate unique share token")
}

// Get retrieves a share record by token, or (nil, nil) when absent.
func (r *ShareRegistry) Get(ctx context.Context, token string) (*models.ShareRecord, error) {
	return r.db.GetShare(ctx, token)
}

// List returns active shares in creation order. Expired records are removed
// as a side effect, so a share past its expiry never reappears here.
func (r *ShareRegistry) List(ctx context.Context) ([]models.ShareRecord, error) {
	if n, err := r.db.DeleteExpiredShares(ctx, time.Now()); err != nil {
		return nil, err
	} else if n > 0 {
		r.log.Debug("expired shares removed during list", zap.Int64("count", n))
	}
	return r.db.ListShares(ctx)
}

// Revoke deletes a share record, reporting whether it existed. Revoking an
// already-deleted token is not an error for the caller, just not found.
func (r *ShareRegistry) Revoke(ctx context.Context, token string) (bool, error) {
	found, err := r.db.DeleteShare(ctx, token)
	if err != nil {
		return false, err
	}
	if found {
		r.log.Info("share revoked", zap.String("token", token))
	}
	return found, nil
}

// generateShareToken returns a URL-safe token with 256 bits of entropy.
func generateShareToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// cleanAllowedIPs trims and validates allow-list entries. Empty entries are
// dropped; anything that parses as neither address nor CIDR is rejected so
// an operator typo cannot silently lock everyone out.
func cleanAllowedIPs(entries []string) ([]string, error) {
	var cleaned []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedIP, entry)
			}
		} else {
			if _, err := netip.ParseAddr(entry); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedIP, entry)
			}
		}
		cleaned = append(cleaned, entry)
	}
	return cleaned, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package services

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"goshare/internal/database"
	"goshare/internal/models"
	"goshare/internal/sandbox"
)

// AccessGate authorizes individual download attempts against a share
// record's constraints. It is the only component that advances a record's
// download counter.
type AccessGate struct {
	db  *database.DB
	box *sandbox.Sandbox
	log *zap.Logger
}

// NewAccessGate creates an access gate over the registry's storage.
func NewAccessGate(db *database.DB, box *sandbox.Sandbox, log *zap.Logger) *AccessGate {
	return &AccessGate{db: db, box: box, log: log}
}

// Authorize checks token existence, expiry, the client IP allow-list, the
// record's path and finally the download quota, in that order,
// short-circuiting on the first failure.
// The quota check and the counter increment are one atomic statement, so
// concurrent attempts can never push the counter past the cap. Denials
// return *models.AccessDenied; only a fully authorized attempt mutates the
// counter. Expired and exhausted records are deleted lazily on discovery.
func (g *AccessGate) Authorize(ctx context.Context, token, clientIP string) (*models.AuthorizedDownload, error) {
	rec, err := g.db.GetShare(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &models.AccessDenied{Reason: models.DenyNotFound}
	}

	if rec.IsExpired(time.Now()) {
		if _, err := g.db.DeleteShare(ctx, token); err != nil {
			g.log.Warn("failed to delete expired share", zap.String("token", token), zap.Error(err))
		}
		return nil, &models.AccessDenied{Reason: models.DenyExpired}
	}

	if !rec.AllowsIP(clientIP) {
		g.log.Info("share access denied by IP",
			zap.String("token", token),
			zap.String("client_ip", clientIP))
		return nil, &models.AccessDenied{Reason: models.DenyIPBlocked}
	}

	// Resolve before touching the counter, so a record whose path can no
	// longer be served denies without consuming quota.
	abs, err := g.box.Resolve(rec.Path)
	if err != nil {
		// A record whose path no longer resolves inside the sandbox is
		// unusable; treat it like a missing share rather than leaking the
		// reason.
		g.log.Warn("share path no longer resolves", zap.String("token", token), zap.Error(err))
		return nil, &models.AccessDenied{Reason: models.DenyNotFound}
	}

	// Quota check and increment in one statement; a plain read-then-write
	// here would let concurrent downloads overshoot the cap.
	consumed, err := g.db.ConsumeShareDownload(ctx, token)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Either exhausted or revoked since the lookup above.
		current, err := g.db.GetShare(ctx, token)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, &models.AccessDenied{Reason: models.DenyNotFound}
		}
		if current.IsExhausted() {
			if _, err := g.db.DeleteShare(ctx, token); err != nil {
				g.log.Warn("failed to delete exhausted share", zap.String("token", token), zap.Error(err))
			}
		}
		return nil, &models.AccessDenied{Reason: models.DenyQuotaExceeded}
	}

	filename := filepath.Base(abs)
	if rec.IsDirectory {
		filename += ".zip"
	}

	return &models.AuthorizedDownload{
		Token:       token,
		Path:        abs,
		Filename:    filename,
		IsDirectory: rec.IsDirectory,
	}, nil
}

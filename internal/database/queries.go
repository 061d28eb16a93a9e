package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"goshare/internal/models"
)

// Share queries

// CreateShare inserts a new share record. It returns sql's unique-constraint
// error unchanged so callers can retry token generation on collision.
func (db *DB) CreateShare(ctx context.Context, rec *models.ShareRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO shares (token, path, is_directory, max_downloads, download_count, expire_at, allowed_ips, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Token, rec.Path, rec.IsDirectory, nullInt(rec.MaxDownloads), rec.DownloadCount,
		nullTime(rec.ExpireAt), joinIPs(rec.AllowedIPs), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetShare retrieves a share record by token. Returns (nil, nil) when the
// token does not exist.
func (db *DB) GetShare(ctx context.Context, token string) (*models.ShareRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT token, path, is_directory, max_downloads, download_count, expire_at, allowed_ips, created_at
		FROM shares WHERE token = ?
	`, token)
	rec, err := scanShare(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return rec, nil
}

// ListShares returns all share records in creation order.
func (db *DB) ListShares(ctx context.Context) ([]models.ShareRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT token, path, is_directory, max_downloads, download_count, expire_at, allowed_ips, created_at
		FROM shares ORDER BY created_at ASC, token ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var shares []models.ShareRecord
	for rows.Next() {
		rec, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, *rec)
	}
	return shares, rows.Err()
}

// ConsumeShareDownload performs the quota check and the counter increment as
// one atomic statement. It reports false when the record is exhausted (or
// vanished between lookup and consume); the caller decides whether that is
// QuotaExceeded or NotFound.
func (db *DB) ConsumeShareDownload(ctx context.Context, token string) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE shares
		SET download_count = download_count + 1
		WHERE token = ?
		  AND (max_downloads IS NULL OR download_count < max_downloads)
	`, token)
	if err != nil {
		return false, fmt.Errorf("failed to consume download: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// DeleteShare removes a share record, reporting whether it existed.
func (db *DB) DeleteShare(ctx context.Context, token string) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM shares WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("failed to delete share: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredShares removes every share whose expiry lies at or before now.
// Used by the lazy List sweep and the optional background reaper.
func (db *DB) DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM shares WHERE expire_at IS NOT NULL AND expire_at <= ?
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired shares: %w", err)
	}
	return result.RowsAffected()
}

// Bookmark queries

// CreateBookmark inserts a new bookmark.
func (db *DB) CreateBookmark(ctx context.Context, b *models.Bookmark) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO bookmarks (id, label, path, created_at) VALUES (?, ?, ?, ?)
	`, b.ID, b.Label, b.Path, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bookmark: %w", err)
	}
	return nil
}

// ListBookmarks returns all bookmarks in creation order.
func (db *DB) ListBookmarks(ctx context.Context) ([]models.Bookmark, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, label, path, created_at FROM bookmarks ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	var bookmarks []models.Bookmark
	for rows.Next() {
		var b models.Bookmark
		if err := rows.Scan(&b.ID, &b.Label, &b.Path, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, rows.Err()
}

// DeleteBookmark removes a bookmark, reporting whether it existed.
func (db *DB) DeleteBookmark(ctx context.Context, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete bookmark: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanShare(s scanner) (*models.ShareRecord, error) {
	rec := &models.ShareRecord{}
	var maxDownloads sql.NullInt64
	var expireAt sql.NullTime
	var allowedIPs string
	err := s.Scan(&rec.Token, &rec.Path, &rec.IsDirectory, &maxDownloads,
		&rec.DownloadCount, &expireAt, &allowedIPs, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if maxDownloads.Valid {
		n := int(maxDownloads.Int64)
		rec.MaxDownloads = &n
	}
	if expireAt.Valid {
		t := expireAt.Time
		rec.ExpireAt = &t
	}
	rec.AllowedIPs = splitIPs(allowedIPs)
	return rec, nil
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Allow-list entries never contain commas, so a joined TEXT column keeps the
// schema flat.
func joinIPs(ips []string) string {
	return strings.Join(ips, ",")
}

func splitIPs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

package services

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"goshare/internal/models"
)

// ErrShareGone reports that a share's target vanished from disk after the
// share was authorized.
var ErrShareGone = errors.New("shared target no longer exists")

// FileDeliveryService writes authorized share targets to HTTP responses:
// single files verbatim, directories as ZIP archives streamed while they
// are built.
type FileDeliveryService struct {
	log *zap.Logger
}

func NewFileDeliveryService(log *zap.Logger) *FileDeliveryService {
	return &FileDeliveryService{log: log}
}

// Deliver streams the authorized target to w. Headers are written before
// any body bytes, so callers must not have touched w yet.
func (s *FileDeliveryService) Deliver(w http.ResponseWriter, auth *models.AuthorizedDownload) error {
	info, err := os.Stat(auth.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrShareGone
		}
		return fmt.Errorf("stat share target: %w", err)
	}

	if info.IsDir() != auth.IsDirectory {
		// The target changed kind since the share was created.
		return ErrShareGone
	}

	if info.IsDir() {
		return s.deliverZip(w, auth)
	}
	return s.deliverFile(w, auth, info.Size())
}

func (s *FileDeliveryService) deliverFile(w http.ResponseWriter, auth *models.AuthorizedDownload, size int64) error {
	f, err := os.Open(auth.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrShareGone
		}
		return fmt.Errorf("open share target: %w", err)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(auth.Filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", attachmentDisposition(auth.Filename))
	w.Header().Set("Cache-Control", "no-store")

	n, err := io.CopyBuffer(w, f, make([]byte, 64*1024))
	if err != nil {
		// Headers are out; all we can do is log the broken transfer.
		s.log.Warn("file delivery interrupted",
			zap.String("token", auth.Token),
			zap.Int64("sent", n),
			zap.Error(err))
		return nil
	}
	s.log.Info("file delivered",
		zap.String("token", auth.Token),
		zap.String("name", auth.Filename),
		zap.Int64("bytes", n))
	return nil
}

// deliverZip streams a directory as a ZIP archive without materializing it
// on disk. Entry names are relative to the shared directory; symlinks and
// other irregular entries are skipped.
func (s *FileDeliveryService) deliverZip(w http.ResponseWriter, auth *models.AuthorizedDownload) error {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachmentDisposition(auth.Filename))
	w.Header().Set("Cache-Control", "no-store")

	zw := zip.NewWriter(w)
	root := auth.Path

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate

		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		f.Close()
		return err
	})
	if err != nil {
		s.log.Warn("zip delivery interrupted",
			zap.String("token", auth.Token),
			zap.Error(err))
		zw.Close()
		return nil
	}

	if err := zw.Close(); err != nil {
		s.log.Warn("zip finalize failed", zap.String("token", auth.Token), zap.Error(err))
		return nil
	}
	s.log.Info("directory delivered",
		zap.String("token", auth.Token),
		zap.String("name", auth.Filename))
	return nil
}

// attachmentDisposition builds a Content-Disposition header that survives
// non-ASCII filenames via the RFC 5987 extended parameter.
func attachmentDisposition(filename string) string {
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, filename)
	if ascii == filename {
		return fmt.Sprintf(`attachment; filename="%s"`, ascii)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		ascii, url.PathEscape(filename))
}

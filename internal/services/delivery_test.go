package services

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"go.uber.org/zap"

	"goshare/internal/models"
)

func TestDeliverFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("report contents")
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	svc := NewFileDeliveryService(zap.NewNop())
	rec := httptest.NewRecorder()
	err := svc.Deliver(rec, &models.AuthorizedDownload{
		Token:    "tok",
		Path:     path,
		Filename: "report.pdf",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	resp := rec.Result()
	if got := resp.Header.Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "15" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="report.pdf"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, content) {
		t.Error("body differs from file contents")
	}
}

func TestDeliverMissingTarget(t *testing.T) {
	svc := NewFileDeliveryService(zap.NewNop())
	rec := httptest.NewRecorder()
	err := svc.Deliver(rec, &models.AuthorizedDownload{
		Token:    "tok",
		Path:     filepath.Join(t.TempDir(), "vanished.txt"),
		Filename: "vanished.txt",
	})
	if !errors.Is(err, ErrShareGone) {
		t.Errorf("Deliver = %v, want ErrShareGone", err)
	}
}

func TestDeliverDirectoryAsZip(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"readme.txt":           "top",
		"nested/deep/leaf.txt": "bottom",
		"nested/other.bin":     "mid",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	svc := NewFileDeliveryService(zap.NewNop())
	rec := httptest.NewRecorder()
	err := svc.Deliver(rec, &models.AuthorizedDownload{
		Token:       "tok",
		Path:        root,
		Filename:    "archive.zip",
		IsDirectory: true,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	resp := rec.Result()
	if got := resp.Header.Get("Content-Type"); got != "application/zip" {
		t.Errorf("Content-Type = %q", got)
	}

	body, _ := io.ReadAll(resp.Body)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %q: %v", f.Name, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if want := files[f.Name]; string(got) != want {
			t.Errorf("entry %q = %q, want %q", f.Name, got, want)
		}
	}
	sort.Strings(names)

	// Entry names are relative to the shared directory, with no entry for
	// the directory itself.
	want := []string{"nested/", "nested/deep/", "nested/deep/leaf.txt", "nested/other.bin", "readme.txt"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDeliverKindMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "was-a-dir")
	if err := os.WriteFile(path, []byte("now a file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	svc := NewFileDeliveryService(zap.NewNop())
	rec := httptest.NewRecorder()
	err := svc.Deliver(rec, &models.AuthorizedDownload{
		Token:       "tok",
		Path:        path,
		Filename:    "was-a-dir.zip",
		IsDirectory: true,
	})
	if !errors.Is(err, ErrShareGone) {
		t.Errorf("Deliver = %v, want ErrShareGone", err)
	}
}

package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"goshare/internal/config"
	"goshare/internal/models"
	"goshare/internal/sandbox"
)

func testDownloadConfig(minPart int64, workers int) config.DownloadConfig {
	return config.DownloadConfig{
		MinMultipartSize: minPart,
		MaxWorkers:       workers,
		MaxConcurrent:    3,
		PartRetries:      1,
		HTTPTimeout:      10 * time.Second,
		UserAgent:        "goshare-test",
	}
}

func newRangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.bin", time.Unix(0, 0), bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func transferKind(t *testing.T, err error) models.TransferErrorKind {
	t.Helper()
	var transfer *models.TransferError
	if !errors.As(err, &transfer) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	return transfer.Kind
}

func TestFetchByteIdentityAcrossWorkerCounts(t *testing.T) {
	data := make([]byte, 100_000)
	rand.New(rand.NewSource(42)).Read(data)
	srv := newRangeServer(t, data)

	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			box, err := sandbox.New(t.TempDir())
			if err != nil {
				t.Fatalf("sandbox.New: %v", err)
			}
			engine := NewDownloadEngine(testDownloadConfig(4096, workers), box, zap.NewNop())

			result, err := engine.Fetch(context.Background(), srv.URL+"/blob.bin", "dl", "")
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if workers > 1 && !result.Multithreaded {
				t.Errorf("expected multipart transfer with %d workers", workers)
			}
			if result.Size != int64(len(data)) {
				t.Errorf("Size = %d, want %d", result.Size, len(data))
			}

			got, err := os.ReadFile(result.Path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("downloaded bytes differ from source")
			}
		})
	}
}

func TestFetchSingleStreamWhenRangesUnsupported(t *testing.T) {
	data := []byte("small payload that comes down in one stream")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Accept-Ranges; range headers ignored.
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		if r.Method != http.MethodHead {
			w.Write(data)
		}
	}))
	t.Cleanup(srv.Close)

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(4, 4), box, zap.NewNop())

	result, err := engine.Fetch(context.Background(), srv.URL+"/file.txt", "dl", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Multithreaded {
		t.Error("expected single-stream transfer without range support")
	}
	got, err := os.ReadFile(result.Path)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("downloaded bytes differ from source: %v", err)
	}
}

func TestFetchFailedPartLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "100000")
			return
		}
		http.Error(w, "range storage offline", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(4096, 4), box, zap.NewNop())

	_, err = engine.Fetch(context.Background(), srv.URL+"/blob.bin", "dl", "")
	if got := transferKind(t, err); got != models.TransferPartialFailure {
		t.Errorf("kind = %v, want TransferPartialFailure", got)
	}

	entries, err := os.ReadDir(filepath.Join(box.Root(), "dl"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination directory not empty after failure: %v", entries)
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())

	for _, raw := range []string{"ftp://host/file", "file:///etc/passwd", "not a url", ""} {
		_, err := engine.Fetch(context.Background(), raw, "dl", "")
		if got := transferKind(t, err); got != models.TransferInvalidURL {
			t.Errorf("Fetch(%q) kind = %v, want TransferInvalidURL", raw, got)
		}
	}
}

func TestFetchRejectsEscapingDestination(t *testing.T) {
	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())

	_, err = engine.Fetch(context.Background(), "http://example.com/f", "../outside", "")
	if !errors.Is(err, sandbox.ErrOutOfBounds) {
		t.Errorf("Fetch = %v, want ErrOutOfBounds", err)
	}
}

func TestFetchHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())

	_, err = engine.Fetch(context.Background(), srv.URL+"/missing", "dl", "")
	var transfer *models.TransferError
	if !errors.As(err, &transfer) || transfer.Kind != models.TransferHTTPStatus || transfer.Status != http.StatusNotFound {
		t.Errorf("Fetch = %v, want TransferHTTPStatus 404", err)
	}
}

func TestFetchFilenameFromDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="named by server.txt"`)
		w.Header().Set("Content-Length", "5")
		if r.Method != http.MethodHead {
			w.Write([]byte("hello"))
		}
	}))
	t.Cleanup(srv.Close)

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())

	result, err := engine.Fetch(context.Background(), srv.URL+"/download?id=9", "dl", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Filename != "named by server.txt" {
		t.Errorf("Filename = %q, want the disposition name", result.Filename)
	}
}

func TestFetchCollisionGetsSuffix(t *testing.T) {
	data := []byte("fresh")
	srv := newRangeServer(t, data)

	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	if _, err := box.ResolveMkdir("dl"); err != nil {
		t.Fatalf("ResolveMkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(box.Root(), "dl", "data.bin"), []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())
	result, err := engine.Fetch(context.Background(), srv.URL+"/x", "dl", "data.bin")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Filename != "data(1).bin" {
		t.Errorf("Filename = %q, want %q", result.Filename, "data(1).bin")
	}

	old, err := os.ReadFile(filepath.Join(box.Root(), "dl", "data.bin"))
	if err != nil || string(old) != "old" {
		t.Errorf("existing file was overwritten: %q, %v", old, err)
	}
}

// A file created at the chosen destination after name selection but before
// the transfer completes must survive; the download lands under a suffixed
// name instead.
func TestFetchLateCollisionGetsSuffix(t *testing.T) {
	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	if _, err := box.ResolveMkdir("dl"); err != nil {
		t.Fatalf("ResolveMkdir: %v", err)
	}
	collide := filepath.Join(box.Root(), "dl", "data.bin")

	// The name is picked after the HEAD probe, so planting the colliding
	// file on the first GET hits the window between selection and finish.
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			once.Do(func() {
				if err := os.WriteFile(collide, []byte("old"), 0o644); err != nil {
					t.Errorf("WriteFile: %v", err)
				}
			})
		}
		http.ServeContent(w, r, "data.bin", time.Unix(0, 0), bytes.NewReader([]byte("fresh")))
	}))
	t.Cleanup(srv.Close)

	engine := NewDownloadEngine(testDownloadConfig(1<<20, 4), box, zap.NewNop())
	result, err := engine.Fetch(context.Background(), srv.URL+"/x", "dl", "data.bin")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Filename != "data(1).bin" {
		t.Errorf("Filename = %q, want %q", result.Filename, "data(1).bin")
	}

	old, err := os.ReadFile(collide)
	if err != nil || string(old) != "old" {
		t.Errorf("late-arriving file was overwritten: %q, %v", old, err)
	}
	got, err := os.ReadFile(result.Path)
	if err != nil || string(got) != "fresh" {
		t.Errorf("downloaded content = %q, %v", got, err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		`..`:                 "download.bin",
		``:                   "download.bin",
		`a/b\c.txt`:          "a_b_c.txt",
		`re:port*?.pdf`:      "re_port__.pdf",
		`  normal-name.zip `: "normal-name.zip",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitRangesCoversEveryByteOnce(t *testing.T) {
	for _, tc := range []struct {
		total int64
		n     int
	}{
		{100, 4}, {101, 4}, {7, 8}, {1 << 20, 3},
	} {
		parts := splitRanges(tc.total, tc.n)
		var next int64
		for _, p := range parts {
			if p.Start != next {
				t.Fatalf("total=%d n=%d: part %d starts at %d, want %d", tc.total, tc.n, p.Index, p.Start, next)
			}
			if p.End < p.Start {
				t.Fatalf("total=%d n=%d: part %d empty", tc.total, tc.n, p.Index)
			}
			next = p.End + 1
		}
		if next != tc.total {
			t.Errorf("total=%d n=%d: coverage ends at %d", tc.total, tc.n, next)
		}
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goshare/internal/config"
	"goshare/internal/models"
	"goshare/internal/sandbox"
)

const copyChunkSize = 256 * 1024

// DownloadEngine fetches remote files into the sandbox, using parallel
// byte-range transfers when the remote supports them. Parallelism is
// bounded per job by the configured worker count and globally by a
// semaphore across all jobs.
type DownloadEngine struct {
	cfg    config.DownloadConfig
	box    *sandbox.Sandbox
	client *http.Client
	sem    chan struct{}
	log    *zap.Logger
}

// NewDownloadEngine creates a download engine confined to box.
func NewDownloadEngine(cfg config.DownloadConfig, box *sandbox.Sandbox, log *zap.Logger) *DownloadEngine {
	return &DownloadEngine{
		cfg:    cfg,
		box:    box,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		log:    log,
	}
}

// probeInfo is what the strategy decision needs from the remote.
type probeInfo struct {
	length       int64 // -1 when unknown
	acceptRanges bool
	filename     string // from Content-Disposition, may be empty
}

// Fetch downloads rawURL into the sandbox directory destDir. filenameHint
// overrides filename inference when non-empty. The destination directory is
// created if needed; validation precedes every filesystem and network side
// effect. On failure no partial file remains at the destination.
func (e *DownloadEngine) Fetch(ctx context.Context, rawURL, destDir, filenameHint string) (*models.FetchResult, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return nil, &models.TransferError{Kind: models.TransferInvalidURL, Err: fmt.Errorf("malformed URL %q", rawURL)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &models.TransferError{Kind: models.TransferInvalidURL, Err: fmt.Errorf("unsupported scheme %q", parsed.Scheme)}
	}

	dir, err := e.box.ResolveMkdir(destDir)
	if err != nil {
		return nil, err
	}

	// Global in-flight cap across all requests.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	probe, err := e.probe(ctx, parsed.String())
	if err != nil {
		return nil, err
	}

	filename := filenameHint
	if filename == "" {
		filename = probe.filename
	}
	if filename == "" {
		filename = path.Base(strings.TrimSuffix(parsed.Path, "/"))
	}
	filename = uniqueFilename(dir, sanitizeFilename(filename))
	dest := filepath.Join(dir, filename)

	job := &models.DownloadJob{
		ID:            uuid.NewString(),
		URL:           parsed.String(),
		DestPath:      dest,
		FinalFilename: filename,
		TotalBytes:    probe.length,
		StartedAt:     time.Now(),
	}

	workers := e.partCount(probe)
	if workers > 1 {
		job.Multipart = true
		job.Parts = splitRanges(probe.length, workers)
		e.log.Info("starting multipart download",
			zap.String("job", job.ID),
			zap.String("url", job.URL),
			zap.Int64("size", probe.length),
			zap.Int("parts", len(job.Parts)))
		if err := e.fetchMultipart(ctx, job); err != nil {
			return nil, err
		}
		return &models.FetchResult{Path: dest, Filename: filename, Size: probe.length, Multithreaded: true}, nil
	}

	e.log.Info("starting single-stream download",
		zap.String("job", job.ID),
		zap.String("url", job.URL))
	size, err := e.fetchSingle(ctx, job)
	if err != nil {
		return nil, err
	}
	return &models.FetchResult{Path: job.DestPath, Filename: job.FinalFilename, Size: size, Multithreaded: false}, nil
}

// probe issues a HEAD request, falling back to a zero-length ranged GET for
// servers that reject HEAD, to learn the content length and whether byte
// ranges are supported.
func (e *DownloadEngine) probe(ctx context.Context, rawURL string) (*probeInfo, error) {
	if info, err := e.probeHead(ctx, rawURL); err == nil {
		return info, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &models.TransferError{Kind: models.TransferInvalidURL, Err: err}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &models.TransferError{Kind: models.TransferUnreachable, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return nil, &models.TransferError{Kind: models.TransferHTTPStatus, Status: resp.StatusCode}
	}

	info := &probeInfo{length: -1, filename: dispositionFilename(resp.Header.Get("Content-Disposition"))}
	if resp.StatusCode == http.StatusPartialContent {
		info.acceptRanges = true
		info.length = contentRangeTotal(resp.Header.Get("Content-Range"))
	} else {
		info.acceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			info.length = n
		}
	}
	return info, nil
}

func (e *DownloadEngine) probeHead(ctx context.Context, rawURL string) (*probeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("head rejected with status %d", resp.StatusCode)
	}

	info := &probeInfo{
		length:       -1,
		acceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		filename:     dispositionFilename(resp.Header.Get("Content-Disposition")),
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		info.length = n
	}
	return info, nil
}

// partCount decides the multipart worker count; anything below 2 means
// single-stream. Small files never over-fragment: the count is bounded by
// how many minimum-size parts the file actually contains.
func (e *DownloadEngine) partCount(probe *probeInfo) int {
	if !probe.acceptRanges || probe.length < e.cfg.MinMultipartSize {
		return 1
	}
	n := int(probe.length / e.cfg.MinMultipartSize)
	if probe.length%e.cfg.MinMultipartSize != 0 {
		n++
	}
	if n > e.cfg.MaxWorkers {
		n = e.cfg.MaxWorkers
	}
	return n
}

// splitRanges partitions [0, total) into n contiguous, non-overlapping
// inclusive ranges covering every byte exactly once.
func splitRanges(total int64, n int) []models.DownloadPart {
	partSize := total / int64(n)
	if total%int64(n) != 0 {
		partSize++
	}
	var parts []models.DownloadPart
	for i := 0; i < n; i++ {
		start := int64(i) * partSize
		if start >= total {
			break
		}
		end := start + partSize - 1
		if end > total-1 {
			end = total - 1
		}
		parts = append(parts, models.DownloadPart{Index: i, Start: start, End: end})
	}
	return parts
}

// fetchMultipart downloads every part of the job into disjoint regions of a
// single pre-sized destination file. The job succeeds only when every part
// completes; the first part to exhaust its retry budget cancels the rest
// and the destination file is removed.
func (e *DownloadEngine) fetchMultipart(ctx context.Context, job *models.DownloadJob) error {
	f, err := os.OpenFile(job.DestPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}

	// Pre-size so workers never coordinate on file extension.
	if err := f.Truncate(job.TotalBytes); err != nil {
		f.Close()
		os.Remove(job.DestPath)
		return &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel() // a doomed job should stop wasting bandwidth
	}

	for i := range job.Parts {
		wg.Add(1)
		go func(part *models.DownloadPart) {
			defer wg.Done()
			part.Status = models.PartFetching
			var lastErr error
			for attempt := 0; attempt <= e.cfg.PartRetries; attempt++ {
				if jobCtx.Err() != nil {
					part.Status = models.PartFailed
					return
				}
				part.Attempts = attempt + 1
				lastErr = e.fetchRange(jobCtx, job.URL, part, f)
				if lastErr == nil {
					part.Status = models.PartDone
					return
				}
				e.log.Warn("part fetch failed",
					zap.String("job", job.ID),
					zap.Int("part", part.Index),
					zap.Int("attempt", part.Attempts),
					zap.Error(lastErr))
			}
			part.Status = models.PartFailed
			fail(lastErr)
		}(&job.Parts[i])
	}
	wg.Wait()

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		f.Close()
		os.Remove(job.DestPath)
		return &models.TransferError{Kind: models.TransferPartialFailure, Err: firstErr}
	}

	if err := f.Close(); err != nil {
		os.Remove(job.DestPath)
		return &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}
	return nil
}

// fetchRange downloads one inclusive byte range into its offset of f.
// Writers of different parts never overlap, so the file needs no lock; the
// request context aborts the body mid-copy when the job is cancelled.
func (e *DownloadEngine) fetchRange(ctx context.Context, rawURL string, part *models.DownloadPart, f *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", part.Start, part.End))

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("server did not honor range request (status %d)", resp.StatusCode)
	}

	want := part.End - part.Start + 1
	n, err := io.Copy(io.NewOffsetWriter(f, part.Start), io.LimitReader(resp.Body, want))
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("short range body: got %d bytes, want %d", n, want)
	}
	return nil
}

// fetchSingle downloads the whole resource sequentially through a temp file
// in the destination directory, renaming only on success so a failure
// leaves nothing visible.
func (e *DownloadEngine) fetchSingle(ctx context.Context, job *models.DownloadJob) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return 0, &models.TransferError{Kind: models.TransferInvalidURL, Err: err}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &models.TransferError{Kind: models.TransferUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, &models.TransferError{Kind: models.TransferHTTPStatus, Status: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(job.DestPath), ".goshare-*")
	if err != nil {
		return 0, &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}
	tmpName := tmp.Name()

	n, err := io.CopyBuffer(tmp, resp.Body, make([]byte, copyChunkSize))
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		if isFileError(err) {
			return 0, &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
		}
		return 0, &models.TransferError{Kind: models.TransferUnreachable, Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}

	// Publish with a hard link instead of a rename: a file that appeared at
	// the destination while the body streamed must not be clobbered. On
	// collision the name is re-derived and the link retried.
	dir := filepath.Dir(job.DestPath)
	base := filepath.Base(job.DestPath)
	dest := job.DestPath
	for {
		err := os.Link(tmpName, dest)
		if err == nil {
			break
		}
		if errors.Is(err, os.ErrExist) {
			dest = filepath.Join(dir, uniqueFilename(dir, base))
			continue
		}
		os.Remove(tmpName)
		return 0, &models.TransferError{Kind: models.TransferDiskWrite, Err: err}
	}
	os.Remove(tmpName)
	job.DestPath = dest
	job.FinalFilename = filepath.Base(dest)
	return n, nil
}

// dispositionFilename extracts a filename from a Content-Disposition
// header; both the plain and the RFC 5987 extended forms are handled by
// mime.ParseMediaType.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// contentRangeTotal parses the total length out of "bytes 0-0/12345";
// returns -1 for unknown or unparseable totals.
func contentRangeTotal(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return -1
	}
	total := header[idx+1:]
	if total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// sanitizeFilename strips path separators and shell-hostile characters from
// a candidate name, never returning an empty or relative result.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "download.bin"
	}
	return name
}

// uniqueFilename appends a numeric suffix until the name does not collide
// with an existing entry in dir; existing files are never overwritten.
func uniqueFilename(dir, name string) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s(%d)%s", stem, counter, ext)
	}
}

func isFileError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

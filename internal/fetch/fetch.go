// Package fetch defines the download-backend collaborator ClipProcessor
// consumes (spec.md §1's "out of scope... the download back-end") and
// provides a net/http-based implementation with idempotent local caching,
// following the retry-with-backoff shape the teacher's producer loops already
// use for transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrPermanent marks a fetch failure that retrying will not fix (e.g. a 404),
// so ClipProcessor can fail the job immediately instead of burning retries.
var ErrPermanent = errors.New("fetch: permanent failure")

// Range requests a byte range [Start, End) of the compressed source, in
// seconds from the start of the track. A zero-value Range means "whole file".
type Range struct {
	StartSeconds float64
	EndSeconds   float64
}

// HasRange reports whether r designates anything narrower than the full file.
func (r Range) HasRange() bool {
	return r.EndSeconds > r.StartSeconds
}

// Fetcher retrieves compressed audio bytes for a song id, optionally
// restricted to a byte range, and returns the local path to the cached file.
type Fetcher interface {
	Fetch(ctx context.Context, songID string, r Range) (localPath string, err error)
}

// HTTPFetcher fetches songs from a base URL template and caches them under
// CacheDir, keyed by song id — a download is reused across ClipProcessor
// calls for the same song exactly as the teacher's decoders reuse an already
// opened local file.
type HTTPFetcher struct {
	Client     *http.Client
	BaseURL    string // formatted with fmt.Sprintf(BaseURL, songID)
	CacheDir   string
	MaxRetries int
	Backoff    time.Duration
}

// NewHTTPFetcher builds a Fetcher with spec.md §5's defaults: a 30s
// per-request timeout, 3 retries, and a 2s fixed backoff.
func NewHTTPFetcher(baseURL, cacheDir string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:     &http.Client{Timeout: 30 * time.Second},
		BaseURL:    baseURL,
		CacheDir:   cacheDir,
		MaxRetries: 3,
		Backoff:    2 * time.Second,
	}
}

// Fetch downloads songID (optionally ranged) to CacheDir, or returns the
// cached path if a previous call already completed the same request.
func (f *HTTPFetcher) Fetch(ctx context.Context, songID string, r Range) (string, error) {
	cachePath := filepath.Join(f.CacheDir, cacheFileName(songID, r))
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("fetch: create cache dir: %w", err)
	}

	url := fmt.Sprintf(f.BaseURL, songID)

	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.Backoff):
			}
		}

		if err := f.download(ctx, url, r, cachePath); err != nil {
			if errors.Is(err, ErrPermanent) {
				return "", err
			}
			lastErr = err
			continue
		}
		return cachePath, nil
	}

	return "", fmt.Errorf("fetch: %s: giving up after %d attempts: %w", songID, f.MaxRetries+1, lastErr)
}

func (f *HTTPFetcher) download(ctx context.Context, url string, r Range, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	if r.HasRange() {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			int64(r.StartSeconds*bytesPerSecondEstimate), int64(r.EndSeconds*bytesPerSecondEstimate)))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, destPath)
}

// bytesPerSecondEstimate is a coarse average-bitrate estimate used only to
// translate a requested seconds-range into an HTTP Range header; the decoder
// re-slices to the exact sample window after decoding (spec.md §4.3 step 3).
const bytesPerSecondEstimate = 20000

// cacheFileName assumes the catalog's dominant delivery format, MP3 (per
// SPEC_FULL.md's domain stack), so the cached file's extension is one
// pkg/decoders' factory already dispatches on without further sniffing.
func cacheFileName(songID string, r Range) string {
	if !r.HasRange() {
		return songID + ".mp3"
	}
	return fmt.Sprintf("%s_%d-%d.mp3", songID, int64(r.StartSeconds), int64(r.EndSeconds))
}

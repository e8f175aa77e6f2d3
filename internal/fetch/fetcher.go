package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixload/darkroom/internal/domain"
)

// Fetcher downloads source and overlay assets over plain HTTP GET, bounded
// by a wall-clock timeout and a byte limit. The body is read through a
// limited reader so an oversized response is rejected without buffering the
// whole payload first.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func New(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// MaxBytes reports the byte limit applied to fetched assets. Uploaded
// payloads share the same limit at the HTTP boundary.
func (f *Fetcher) MaxBytes() int64 {
	return f.maxBytes
}

// Source fetches the base image. A failure is an ErrFetchFailed.
func (f *Fetcher) Source(ctx context.Context, rawURL string) ([]byte, string, error) {
	data, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrFetchFailed, err)
	}
	return data, contentType, nil
}

// Overlay fetches the watermark asset. Kept distinct from Source so callers
// can tell which download broke.
func (f *Fetcher) Overlay(ctx context.Context, rawURL string) ([]byte, error) {
	data, _, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOverlayFetch, err)
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.Host)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %v", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("response exceeds %d byte limit", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty response body")
	}

	return data, resp.Header.Get("Content-Type"), nil
}

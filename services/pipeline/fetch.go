package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/cppla/ecoreceipt/services/apperr"
)

// Fetcher downloads an image referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (image []byte, mimeType string, err error)
}

// HTTPFetcher fetches images over http(s) and refuses bodies above maxBytes.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", apperr.Validation("imageUrl", "must be an absolute http(s) URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", apperr.Validation("imageUrl", "invalid request: %v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", apperr.Validation("imageUrl", "could not be fetched")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperr.Validation("imageUrl", "fetch returned status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes exceeds %d", apperr.ErrImageTooLarge, resp.ContentLength, f.maxBytes)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	image, err := io.ReadAll(body)
	if err != nil {
		return nil, "", apperr.Validation("imageUrl", "read failed: %v", err)
	}
	if f.maxBytes > 0 && int64(len(image)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", apperr.ErrImageTooLarge, f.maxBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return image, mimeType, nil
}

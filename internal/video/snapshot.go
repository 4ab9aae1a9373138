package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"
)

// maxSnapshotBytes caps a single snapshot body
const maxSnapshotBytes = 16 << 20

// SnapshotFetcher fetches single images from a camera snapshot endpoint
// (for example an IP Webcam /shot.jpg). One fetcher belongs to one camera.
type SnapshotFetcher struct {
	url        string
	httpClient *http.Client
}

// NewSnapshotFetcher creates a fetcher with its own pooled HTTP client
func NewSnapshotFetcher(url string, timeout time.Duration) *SnapshotFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotFetcher{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(timeout),
		},
	}
}

// URL returns the snapshot endpoint
func (f *SnapshotFetcher) URL() string {
	return f.url
}

// Fetch performs one GET and decodes the body as an image
func (f *SnapshotFetcher) Fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, URL: f.url}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return img, nil
}

// Close drops pooled connections
func (f *SnapshotFetcher) Close() {
	f.httpClient.CloseIdleConnections()
}

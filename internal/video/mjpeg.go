package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MJPEGOpener opens multipart/x-mixed-replace streams such as the IP Webcam
// /video endpoint without any native dependency.
type MJPEGOpener struct {
	httpClient    *http.Client
	maxFrameBytes int64
	stallTimeout  time.Duration
}

// NewMJPEGOpener creates an opener. timeout bounds the wait for response
// headers and, per Read, the wait for the next frame. A stream that goes
// quiet for longer is cut off and every later Read fails.
func NewMJPEGOpener(timeout time.Duration) *MJPEGOpener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MJPEGOpener{
		httpClient:    &http.Client{Transport: newTransport(timeout)},
		maxFrameBytes: maxSnapshotBytes,
		stallTimeout:  timeout,
	}
}

// Open connects to url and returns a capture reading one JPEG part per frame
func (o *MJPEGOpener) Open(ctx context.Context, url string) (Capture, error) {
	// The body must outlive ctx, so the request gets its own cancel and
	// ctx is only honoured until the response headers arrive.
	reqCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := o.httpClient.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	boundary, err := multipartBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	return &mjpegCapture{
		body:     resp.Body,
		cancel:   cancel,
		reader:   multipart.NewReader(resp.Body, boundary),
		maxBytes: o.maxFrameBytes,
		stall:    o.stallTimeout,
	}, nil
}

func multipartBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("failed to parse content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: content type %s is not multipart", ErrNotOpened, mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", fmt.Errorf("%w: missing multipart boundary", ErrNotOpened)
	}
	return boundary, nil
}

type mjpegCapture struct {
	body     io.ReadCloser
	cancel   context.CancelFunc
	reader   *multipart.Reader
	maxBytes int64
	stall    time.Duration

	stalled   atomic.Bool
	closeOnce sync.Once
}

func (c *mjpegCapture) Read() (image.Image, error) {
	if c.stalled.Load() {
		return nil, ErrStreamStalled
	}

	// the request is cancelled when no frame completes within the stall timeout
	timer := time.AfterFunc(c.stall, func() {
		c.stalled.Store(true)
		c.cancel()
	})
	data, err := c.readPart()
	timer.Stop()

	if err != nil {
		if c.stalled.Load() {
			return nil, fmt.Errorf("%w: no frame within %s", ErrStreamStalled, c.stall)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func (c *mjpegCapture) readPart() ([]byte, error) {
	part, err := c.reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream part: %w", err)
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}
	return data, nil
}

// Close cancels the request, which also unblocks a Read in progress
func (c *mjpegCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}

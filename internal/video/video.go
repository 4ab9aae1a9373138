// Package video provides the network capture backends used by camera sources:
// continuous MJPEG streams, single-image snapshot endpoints and JPEG encoding.
package video

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"
)

// UserAgent is sent with every HTTP request made to a camera.
const UserAgent = "RailwayWagonMonitor/1.0"

// CaptureError represents a capture backend error
type CaptureError string

func (e CaptureError) Error() string { return string(e) }

const (
	// ErrNotOpened is returned when a backend cannot open the endpoint
	ErrNotOpened = CaptureError("video capture could not be opened")
	// ErrEmptyFrame is returned when a read produced no image
	ErrEmptyFrame = CaptureError("video capture returned an empty frame")
	// ErrCaptureClosed is returned when reading from a released capture
	ErrCaptureClosed = CaptureError("video capture is closed")
	// ErrStreamStalled is returned when a stream stopped delivering frames
	ErrStreamStalled = CaptureError("video stream stalled")
)

// StatusError is returned when a camera answers with a non-200 status
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}

// Capture is an open, continuous video connection.
// Read blocks until the next frame is decoded. Close releases the connection
// and unblocks a pending Read where the backend allows it.
type Capture interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens captures against stream URLs
type Opener interface {
	Open(ctx context.Context, url string) (Capture, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, url string) (Capture, error)

// Open calls f(ctx, url)
func (f OpenerFunc) Open(ctx context.Context, url string) (Capture, error) {
	return f(ctx, url)
}

// newTransport builds the transport shared by one camera's requests.
// Connections are pooled per camera and never shared between cameras.
func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 2
	t.ResponseHeaderTimeout = timeout
	return t
}

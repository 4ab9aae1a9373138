// Package cvcapture opens camera streams through OpenCV (gocv), which covers
// MJPEG over HTTP as well as RTSP and other FFmpeg/GStreamer sources.
package cvcapture

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// Backend names accepted in stream_settings.backend
const (
	BackendAny       = "any"
	BackendFFmpeg    = "ffmpeg"
	BackendGStreamer = "gstreamer"
	BackendMJPEG     = "mjpeg"
)

// OpenCV's CAP_PROP_OPEN_TIMEOUT_MSEC and CAP_PROP_READ_TIMEOUT_MSEC, which
// gocv does not name
const (
	propOpenTimeoutMSec gocv.VideoCaptureProperties = 53
	propReadTimeoutMSec gocv.VideoCaptureProperties = 54
)

// NewOpener returns the opener for a configured backend. "mjpeg" selects the
// pure-Go multipart reader; everything else goes through OpenCV with timeout
// applied to both opening the stream and each read.
func NewOpener(backend string, timeout time.Duration) video.Opener {
	switch strings.ToLower(backend) {
	case BackendMJPEG:
		return video.NewMJPEGOpener(timeout)
	case BackendFFmpeg:
		return &Opener{API: gocv.VideoCaptureFFmpeg, Timeout: timeout}
	case BackendGStreamer:
		return &Opener{API: gocv.VideoCaptureGstreamer, Timeout: timeout}
	default:
		return &Opener{API: gocv.VideoCaptureAny, Timeout: timeout}
	}
}

// Opener opens gocv VideoCaptures. A zero Timeout keeps OpenCV's defaults.
type Opener struct {
	API     gocv.VideoCaptureAPI
	Timeout time.Duration
}

// params returns the open parameters as OpenCV key/value pairs
func (o *Opener) params() []gocv.VideoCaptureProperties {
	if o.Timeout <= 0 {
		return nil
	}
	ms := gocv.VideoCaptureProperties(o.Timeout.Milliseconds())
	return []gocv.VideoCaptureProperties{
		propOpenTimeoutMSec, ms,
		propReadTimeoutMSec, ms,
	}
}

// Open opens url and limits the internal capture queue to one frame so reads
// always return the most recent image.
func (o *Opener) Open(ctx context.Context, url string) (video.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if params := o.params(); len(params) > 0 {
		vc, err = gocv.OpenVideoCaptureWithAPIParams(url, o.API, params)
	} else {
		vc, err = gocv.OpenVideoCaptureWithAPI(url, o.API)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, video.ErrNotOpened
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &capture{vc: vc, mat: gocv.NewMat()}, nil
}

// capture serialises Read and Close; OpenCV handles are not safe to release
// while a read is in flight, so Close waits for it.
type capture struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func (c *capture) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, video.ErrCaptureClosed
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, video.ErrEmptyFrame
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.mat.Close()
	return c.vc.Close()
}

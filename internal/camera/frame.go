package camera

import (
	"image"
	"time"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// Frame is one decoded image captured from a camera. Frames are never
// modified after they are published, so they can be shared between readers.
type Frame struct {
	CameraID  string
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Width returns the image width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the image height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// JPEG encodes the frame for snapshots and live view
func (f *Frame) JPEG(quality int) ([]byte, error) {
	if f == nil {
		return nil, video.ErrEmptyFrame
	}
	return video.EncodeJPEG(f.Image, quality)
}

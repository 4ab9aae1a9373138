package cvcapture

import (
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

func TestNewOpener_Backends(t *testing.T) {
	tests := []struct {
		backend string
		api     gocv.VideoCaptureAPI
	}{
		{BackendAny, gocv.VideoCaptureAny},
		{"", gocv.VideoCaptureAny},
		{BackendFFmpeg, gocv.VideoCaptureFFmpeg},
		{"GStreamer", gocv.VideoCaptureGstreamer},
	}

	for _, tt := range tests {
		op, ok := NewOpener(tt.backend, 3*time.Second).(*Opener)
		if !ok {
			t.Fatalf("Expected a gocv opener for %q", tt.backend)
		}
		if op.API != tt.api {
			t.Errorf("Backend %q: expected API %d, got %d", tt.backend, tt.api, op.API)
		}
		if op.Timeout != 3*time.Second {
			t.Errorf("Backend %q: expected timeout 3s, got %v", tt.backend, op.Timeout)
		}
	}

	if _, ok := NewOpener(BackendMJPEG, time.Second).(*video.MJPEGOpener); !ok {
		t.Error("Expected the mjpeg backend to use the multipart reader")
	}
}

func TestOpener_Params(t *testing.T) {
	op := &Opener{API: gocv.VideoCaptureAny, Timeout: 2500 * time.Millisecond}
	want := []gocv.VideoCaptureProperties{propOpenTimeoutMSec, 2500, propReadTimeoutMSec, 2500}

	got := op.params()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Param %d: expected %d, got %d", i, want[i], got[i])
		}
	}

	if p := (&Opener{}).params(); p != nil {
		t.Errorf("Expected no params without a timeout, got %v", p)
	}
}

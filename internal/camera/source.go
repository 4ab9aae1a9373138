// Package camera manages camera capture sources: per-camera capture loops with
// bounded frame buffers, reconnection, health tracking and a registry that
// reads from many cameras at once.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/Spatial-NVR/WagonWatch/internal/config"
	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// Capture timing constants
const (
	FailureThreshold     = 10
	FailureBackoff       = 100 * time.Millisecond
	RetryBackoff         = 2 * time.Second
	JoinTimeout          = 5 * time.Second
	DefaultMaxStaleness  = 5 * time.Second
	DefaultPollInterval  = 33 * time.Millisecond
	DefaultTimeout       = 5 * time.Second
	DefaultRetryAttempts = 3
)

// Error represents a camera error
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNotRunning is returned when an operation needs a running source
	ErrNotRunning = Error("camera is not running")
	// ErrStarting is returned when Start is called while a start is in progress
	ErrStarting = Error("camera is already starting")
	// ErrStopped is returned when a start was interrupted by Stop
	ErrStopped = Error("camera was stopped")
	// ErrConnectFailed is returned when every connection attempt failed
	ErrConnectFailed = Error("camera connection failed")
	// ErrCameraExists is returned when adding a camera id twice
	ErrCameraExists = Error("camera already exists")
	// ErrCameraNotFound is returned for unknown camera ids
	ErrCameraNotFound = Error("camera not found")
)

// State represents a source lifecycle state
type State string

const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Active reports whether the capture loop is alive in this state
func (s State) Active() bool {
	return s == StateRunning || s == StateReconnecting
}

// Source kinds reported in Stats
const (
	KindVideo   = "video"
	KindPolling = "polling"
)

// Source is one camera connection with its capture loop and frame buffer.
// The stream, polling and auto-selecting variants all satisfy it.
type Source interface {
	ID() string
	// Start connects and launches the capture loop. It returns an error when
	// the camera could not be opened; the source is then left Stopped.
	Start(ctx context.Context) error
	// Read waits up to timeout for the next buffered frame in FIFO order.
	Read(timeout time.Duration) *Frame
	// LatestFrame drains the buffer and returns its newest frame.
	LatestFrame() *Frame
	// Peek returns the last captured frame without consuming the buffer.
	Peek() *Frame
	IsHealthy(maxStaleness time.Duration) bool
	State() State
	Stats() Stats
	Stop()
}

// Stats is a point-in-time snapshot of a source
type Stats struct {
	CameraID                  string     `json:"camera_id"`
	Name                      string     `json:"name,omitempty"`
	Position                  string     `json:"position,omitempty"`
	State                     State      `json:"state"`
	Kind                      string     `json:"kind"`
	Endpoint                  string     `json:"endpoint"`
	IsRunning                 bool       `json:"is_running"`
	FramesCaptured            uint64     `json:"frames_captured"`
	FramesDropped             uint64     `json:"frames_dropped"`
	Errors                    uint64     `json:"errors"`
	Reconnects                uint64     `json:"reconnects"`
	FPS                       float64    `json:"fps"`
	BufferLen                 int        `json:"buffer_len"`
	BufferCapacity            int        `json:"buffer_capacity"`
	TimeSinceLastFrameSeconds *float64   `json:"time_since_last_frame_seconds"`
	DropRatePercent           float64    `json:"drop_rate_percent"`
	StartedAt                 *time.Time `json:"started_at,omitempty"`
	LastFrameAt               *time.Time `json:"last_frame_at,omitempty"`
	Resolution                string     `json:"resolution,omitempty"`
}

// StateEvent describes one state transition of a source
type StateEvent struct {
	CameraID string    `json:"camera_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives state transitions and health reports. Implementations
// must not block; they are called from capture goroutines.
type Notifier interface {
	CameraStateChanged(ev StateEvent)
	HealthChanged(report HealthReport)
}

// Notifiers fans out to several notifiers
type Notifiers []Notifier

// CameraStateChanged implements Notifier
func (ns Notifiers) CameraStateChanged(ev StateEvent) {
	for _, n := range ns {
		if n != nil {
			n.CameraStateChanged(ev)
		}
	}
}

// HealthChanged implements Notifier
func (ns Notifiers) HealthChanged(report HealthReport) {
	for _, n := range ns {
		if n != nil {
			n.HealthChanged(report)
		}
	}
}

// Settings configures one source
type Settings struct {
	CameraID          string
	Name              string
	Position          string
	URL               string
	BufferSize        int
	Timeout           time.Duration
	ReconnectAttempts int
	PollInterval      time.Duration
}

// SettingsFor builds source settings from a camera entry and global settings
func SettingsFor(cam config.CameraConfig, global config.StreamSettings) Settings {
	eff := cam.Effective(global)
	return Settings{
		CameraID:          cam.ID,
		Name:              cam.Name,
		Position:          cam.Position,
		URL:               cam.URL,
		BufferSize:        eff.BufferSize,
		Timeout:           eff.Timeout(),
		ReconnectAttempts: eff.ReconnectAttempts,
		PollInterval:      eff.PollInterval(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.BufferSize < 1 {
		s.BufferSize = DefaultBufferSize
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ReconnectAttempts < 1 {
		s.ReconnectAttempts = DefaultRetryAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	return s
}

type options struct {
	clock    clock.WithTicker
	notifier Notifier
	logger   *slog.Logger
	opener   video.Opener
	settle   time.Duration
	factory  Factory
}

// Option configures a source
type Option func(*options)

// WithClock replaces the wall clock used for backoff, pacing and staleness
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

// WithNotifier registers a receiver for state transitions
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger sets the parent logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOpener sets the capture backend used by stream sources. Without it
// each stream source gets its own pure-Go MJPEG opener.
func WithOpener(op video.Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithSettleDelay overrides how long AutoSource waits before judging a probe
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settle = d }
}

// WithFactory replaces how the registry builds sources
func WithFactory(f Factory) Option {
	return func(o *options) { o.factory = f }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.factory == nil {
		o.factory = NewSource
	}
	return o
}

// Factory builds a source for a camera entry
type Factory func(cam config.CameraConfig, settings Settings, opts ...Option) (Source, error)

// NewSource builds the variant selected by the camera mode
func NewSource(cam config.CameraConfig, settings Settings, opts ...Option) (Source, error) {
	switch cam.Mode {
	case "", config.ModeStream:
		return NewStreamSource(settings, opts...), nil
	case config.ModePolling:
		return NewPollingSource(settings, opts...), nil
	case config.ModeAuto:
		return NewAutoSource(settings, opts...), nil
	default:
		return nil, fmt.Errorf("unknown camera mode %q", cam.Mode)
	}
}

package camera

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

const errAlreadyRunning = Error("camera already running")

// base holds the lifecycle, buffer and counters shared by the stream and
// polling sources. Counters and lastFrameAt are written only by the capture
// goroutine; everyone else reads them.
type base struct {
	settings Settings
	kind     string
	buffer   *FrameBuffer
	clock    clock.WithTicker
	logger   *slog.Logger
	notifier Notifier

	stateMu sync.Mutex
	state   State

	// lifeMu guards cancel and done, which describe the current run
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	framesCaptured atomic.Uint64
	framesDropped  atomic.Uint64
	errors         atomic.Uint64
	reconnects     atomic.Uint64
	startedAt      atomic.Int64
	lastFrameAt    atomic.Int64
	last           atomic.Pointer[Frame]
}

func (b *base) init(settings Settings, kind string, o options) {
	b.settings = settings.withDefaults()
	b.kind = kind
	b.buffer = NewFrameBuffer(b.settings.BufferSize)
	b.clock = o.clock
	b.notifier = o.notifier
	b.state = StateStopped
	b.logger = o.logger.With("component", "camera", "camera", b.settings.CameraID, "kind", kind)
}

// ID returns the camera id
func (b *base) ID() string {
	return b.settings.CameraID
}

// State returns the current lifecycle state
func (b *base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *base) setState(to State, reason string) {
	b.stateMu.Lock()
	from := b.state
	if from == to {
		b.stateMu.Unlock()
		return
	}
	b.state = to
	b.stateMu.Unlock()

	switch to {
	case StateFailed:
		b.logger.Error("Camera failed", "from", from, "reason", reason)
	case StateReconnecting:
		b.logger.Warn("Camera reconnecting", "from", from, "reason", reason)
	default:
		b.logger.Debug("Camera state changed", "from", from, "to", to, "reason", reason)
	}

	if b.notifier != nil {
		b.notifier.CameraStateChanged(StateEvent{
			CameraID: b.settings.CameraID,
			From:     from,
			To:       to,
			Reason:   reason,
			At:       b.clock.Now(),
		})
	}
}

// begin prepares a new run and returns its context. A Failed source is
// cleaned up first so it can be started again.
func (b *base) begin(release func()) (context.Context, error) {
	if b.State() == StateFailed {
		b.halt(release)
	}

	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.cancel != nil {
		if b.State().Active() {
			return nil, errAlreadyRunning
		}
		return nil, ErrStarting
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = nil
	b.setState(StateConnecting, "start requested")
	return ctx, nil
}

// abort ends a run whose start did not succeed
func (b *base) abort(reason string) {
	b.lifeMu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.lifeMu.Unlock()
	b.setState(StateStopped, reason)
}

// launch starts the capture goroutine unless the run was stopped meanwhile
func (b *base) launch(ctx context.Context, loop func(context.Context)) bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	done := make(chan struct{})
	b.done = done
	b.startedAt.Store(b.clock.Now().UnixNano())
	b.setState(StateRunning, "connected")

	go func() {
		defer close(done)
		loop(ctx)
	}()
	return true
}

// halt stops the current run. The capture goroutine gets JoinTimeout to
// exit, after which the connection is released regardless.
func (b *base) halt(release func()) {
	b.lifeMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if done != nil {
		timer := time.NewTimer(JoinTimeout)
		select {
		case <-done:
		case <-timer.C:
			b.logger.Warn("Capture loop did not exit in time, releasing connection", "timeout", JoinTimeout)
		}
		timer.Stop()
	}

	release()
	if n := b.buffer.Clear(); n > 0 {
		b.logger.Debug("Discarded buffered frames", "count", n)
	}
	if b.State() != StateFailed {
		b.setState(StateStopped, "stopped")
	}
}

// wait sleeps for d on the source clock. It returns false when ctx ended first.
func (b *base) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := b.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// publish stamps a captured image and pushes it into the buffer
func (b *base) publish(img image.Image) *Frame {
	now := b.clock.Now()
	f := &Frame{
		CameraID:  b.settings.CameraID,
		Seq:       b.framesCaptured.Add(1),
		Timestamp: now,
		Image:     img,
	}
	b.lastFrameAt.Store(now.UnixNano())
	b.last.Store(f)
	if b.buffer.Push(f) {
		b.framesDropped.Add(1)
	}
	return f
}

// Read waits up to timeout for the next buffered frame
func (b *base) Read(timeout time.Duration) *Frame {
	if !b.State().Active() {
		return nil
	}
	return b.buffer.Pop(timeout)
}

// LatestFrame drains the buffer and returns its newest frame
func (b *base) LatestFrame() *Frame {
	if !b.State().Active() {
		return nil
	}
	return b.buffer.Latest()
}

// Peek returns the last captured frame without touching the buffer
func (b *base) Peek() *Frame {
	return b.last.Load()
}

// IsHealthy reports whether the source is running and produced a frame
// within maxStaleness. Zero selects DefaultMaxStaleness.
func (b *base) IsHealthy(maxStaleness time.Duration) bool {
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	if !b.State().Active() {
		return false
	}
	last := b.lastFrameAt.Load()
	if last == 0 {
		return false
	}
	return b.clock.Since(time.Unix(0, last)) < maxStaleness
}

// Stats returns a snapshot of counters and timing
func (b *base) Stats() Stats {
	now := b.clock.Now()
	state := b.State()
	captured := b.framesCaptured.Load()
	dropped := b.framesDropped.Load()

	s := Stats{
		CameraID:        b.settings.CameraID,
		Name:            b.settings.Name,
		Position:        b.settings.Position,
		State:           state,
		Kind:            b.kind,
		Endpoint:        b.settings.URL,
		IsRunning:       state.Active(),
		FramesCaptured:  captured,
		FramesDropped:   dropped,
		Errors:          b.errors.Load(),
		Reconnects:      b.reconnects.Load(),
		BufferLen:       b.buffer.Len(),
		BufferCapacity:  b.buffer.Cap(),
		DropRatePercent: float64(dropped) / float64(max(captured, 1)) * 100,
	}

	if started := b.startedAt.Load(); started > 0 {
		t := time.Unix(0, started)
		s.StartedAt = &t
		if elapsed := now.Sub(t).Seconds(); elapsed > 0 {
			s.FPS = float64(captured) / elapsed
		}
	}
	if last := b.lastFrameAt.Load(); last > 0 {
		t := time.Unix(0, last)
		since := now.Sub(t).Seconds()
		s.LastFrameAt = &t
		s.TimeSinceLastFrameSeconds = &since
	}
	if f := b.last.Load(); f != nil {
		s.Resolution = video.Resolution(f.Image)
	}
	return s
}

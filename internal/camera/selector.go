package camera

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Endpoint suffixes probed by AutoSource, in priority order
var videoSuffixes = []string{"/video", "/videofeed", "/mjpegfeed"}

const (
	snapshotSuffix = "/shot.jpg"
	// SettleDelay is how long a probed stream gets to prove it delivers frames
	SettleDelay = time.Second
)

// AutoSource probes an IP-webcam style base URL: the video endpoints first,
// each with a single attempt, then snapshot polling of /shot.jpg. All calls
// are delegated to whichever variant was bound.
type AutoSource struct {
	settings Settings
	opts     []Option
	o        options
	settle   time.Duration

	startMu sync.Mutex

	mu     sync.RWMutex
	bound  Source
	kind   string
	state  State
	cancel context.CancelFunc
}

// NewAutoSource creates a source that selects its variant on Start
func NewAutoSource(settings Settings, opts ...Option) *AutoSource {
	o := buildOptions(opts)
	a := &AutoSource{
		settings: settings.withDefaults(),
		opts:     opts,
		o:        o,
		settle:   SettleDelay,
		state:    StateStopped,
	}
	if o.settle > 0 {
		a.settle = o.settle
	}
	a.settings.URL = strings.TrimRight(a.settings.URL, "/")
	return a
}

// ID returns the camera id
func (a *AutoSource) ID() string {
	return a.settings.CameraID
}

// Kind returns "video" or "polling" once bound, otherwise ""
func (a *AutoSource) Kind() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kind
}

// Start probes the candidate endpoints and binds the first healthy one
func (a *AutoSource) Start(ctx context.Context) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	a.mu.Lock()
	if a.bound != nil && a.bound.State().Active() {
		a.mu.Unlock()
		return nil
	}
	old := a.bound
	a.bound, a.kind = nil, ""
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	if old != nil {
		old.Stop()
	}

	logger := a.o.logger.With("component", "camera", "camera", a.settings.CameraID, "kind", "auto")
	a.setState(StateConnecting, "probing endpoints")

	for _, suffix := range videoSuffixes {
		if ctx.Err() != nil {
			break
		}

		settings := a.settings
		settings.URL = a.settings.URL + suffix
		settings.ReconnectAttempts = 1

		logger.Info("Trying video stream", "url", settings.URL)
		r := &relay{auto: a}
		src := NewStreamSource(settings, a.probeOptions(r)...)
		r.src = src

		if err := src.Start(ctx); err != nil {
			logger.Debug("Video endpoint unavailable", "url", settings.URL, "error", err)
			continue
		}

		if a.sleep(ctx, a.settle) && src.IsHealthy(DefaultMaxStaleness) {
			if !a.bind(ctx, src, KindVideo, settings.URL) {
				return ErrStopped
			}
			logger.Info("Using video stream", "url", settings.URL)
			return nil
		}
		src.Stop()
	}

	if err := ctx.Err(); err != nil {
		a.setState(StateStopped, "start cancelled")
		return ErrStopped
	}

	settings := a.settings
	settings.URL = a.settings.URL + snapshotSuffix
	settings.PollInterval = DefaultPollInterval

	logger.Info("Video streams failed, trying image polling", "url", settings.URL)
	r := &relay{auto: a}
	poll := NewPollingSource(settings, a.probeOptions(r)...)
	r.src = poll

	if err := poll.Start(ctx); err != nil {
		logger.Error("All connection methods failed", "error", err)
		a.setState(StateStopped, "no working endpoint")
		return fmt.Errorf("failed to start camera %s: no working endpoint under %s: %w", a.settings.CameraID, a.settings.URL, err)
	}

	if !a.bind(ctx, poll, KindPolling, settings.URL) {
		return ErrStopped
	}
	logger.Info("Using image polling", "url", settings.URL)
	return nil
}

func (a *AutoSource) probeOptions(r *relay) []Option {
	opts := append([]Option{}, a.opts...)
	return append(opts, WithNotifier(r))
}

// bind makes src the delegate. Stop holds mu while cancelling, so either it
// sees the bound source or bind sees the cancelled ctx; in the latter case
// src is stopped here and bind returns false.
func (a *AutoSource) bind(ctx context.Context, src Source, kind, url string) bool {
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		src.Stop()
		a.setState(StateStopped, "start cancelled")
		return false
	}
	a.bound, a.kind = src, kind
	a.mu.Unlock()
	a.setState(StateRunning, fmt.Sprintf("bound %s endpoint %s", kind, url))
	return true
}

func (a *AutoSource) sleep(ctx context.Context, d time.Duration) bool {
	t := a.o.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// setState records the selector's own state, used while nothing is bound
func (a *AutoSource) setState(to State, reason string) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	if from != to && a.o.notifier != nil {
		a.o.notifier.CameraStateChanged(StateEvent{
			CameraID: a.settings.CameraID,
			From:     from,
			To:       to,
			Reason:   reason,
			At:       a.o.clock.Now(),
		})
	}
}

func (a *AutoSource) current() Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bound
}

// Read delegates to the bound variant
func (a *AutoSource) Read(timeout time.Duration) *Frame {
	if src := a.current(); src != nil {
		return src.Read(timeout)
	}
	return nil
}

// LatestFrame delegates to the bound variant
func (a *AutoSource) LatestFrame() *Frame {
	if src := a.current(); src != nil {
		return src.LatestFrame()
	}
	return nil
}

// Peek delegates to the bound variant
func (a *AutoSource) Peek() *Frame {
	if src := a.current(); src != nil {
		return src.Peek()
	}
	return nil
}

// IsHealthy delegates to the bound variant
func (a *AutoSource) IsHealthy(maxStaleness time.Duration) bool {
	if src := a.current(); src != nil {
		return src.IsHealthy(maxStaleness)
	}
	return false
}

// State returns the bound variant's state, or the probing state
func (a *AutoSource) State() State {
	if src := a.current(); src != nil {
		return src.State()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Stats returns the bound variant's stats with Kind set
func (a *AutoSource) Stats() Stats {
	if src := a.current(); src != nil {
		s := src.Stats()
		s.Kind = a.Kind()
		return s
	}
	return Stats{
		CameraID:       a.settings.CameraID,
		Name:           a.settings.Name,
		Position:       a.settings.Position,
		State:          a.State(),
		Endpoint:       a.settings.URL,
		BufferCapacity: a.settings.BufferSize,
	}
}

// Stop cancels probing and stops the bound variant
func (a *AutoSource) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	src := a.bound
	a.mu.Unlock()

	if src != nil {
		src.Stop()
	}
}

// relay forwards a probe's transitions only once that probe is bound, so
// rejected candidates do not show up as camera state changes.
type relay struct {
	auto *AutoSource
	src  Source
}

func (r *relay) CameraStateChanged(ev StateEvent) {
	if r.auto.current() != r.src || r.auto.o.notifier == nil {
		return
	}
	r.auto.o.notifier.CameraStateChanged(ev)
}

func (r *relay) HealthChanged(report HealthReport) {
	if r.auto.o.notifier != nil {
		r.auto.o.notifier.HealthChanged(report)
	}
}
